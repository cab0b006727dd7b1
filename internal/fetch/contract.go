// Package fetch is the orchestration core: it turns one inbound fetch
// request into policy checks, cache serves, a budgeted upstream fan-out and
// a persisted result.
package fetch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/budget"
)

// Request is one inbound fetch request after transport parsing.
type Request struct {
	AppUserID    string
	Targets      []string
	YearLimit    int
	ForceRefresh bool
}

// FailedItem is one target that did not produce data.
type FailedItem struct {
	Target string `json:"target"`
	ErrCd  string `json:"errCd,omitempty"`
	ErrMsg string `json:"errMsg,omitempty"`
}

// Payload is the aggregated fetch output. OK is true only when every
// requested target succeeded; Partial marks a mixed outcome.
type Payload struct {
	OK      bool                       `json:"ok"`
	Partial bool                       `json:"partial,omitempty"`
	Data    map[string]json.RawMessage `json:"data,omitempty"`
	Failed  []FailedItem               `json:"failed,omitempty"`
	Summary json.RawMessage            `json:"summary,omitempty"`
}

// Code classifies a terminal pipeline outcome.
type Code string

const (
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeTargetBlocked   Code = "TARGET_BLOCKED"
	CodeInitRequired    Code = "NHIS_INIT_REQUIRED"
	CodeAuthExpired     Code = "NHIS_AUTH_EXPIRED"
	CodeCooldown        Code = "FORCE_REFRESH_COOLDOWN"
	CodeBudgetExhausted Code = "FETCH_BUDGET_EXHAUSTED"
	CodeUpstreamFailed  Code = "UPSTREAM_FAILED"
	CodeInternal        Code = "INTERNAL"
)

// CacheInfo describes where a cached serve came from.
type CacheInfo struct {
	Source    string    `json:"source"`
	Stale     bool      `json:"stale,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Response is the transport-facing outcome. StatusCode is the HTTP status
// the router writes; it never appears in the body.
type Response struct {
	StatusCode     int              `json:"-"`
	OK             bool             `json:"ok"`
	Code           Code             `json:"code,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	NextAction     string           `json:"nextAction,omitempty"`
	Error          string           `json:"error,omitempty"`
	RetryAfterSec  int              `json:"retryAfterSec,omitempty"`
	Budget         *budget.Snapshot `json:"budget,omitempty"`
	BlockedTargets []string         `json:"blockedTargets,omitempty"`
	Cached         bool             `json:"cached,omitempty"`
	Cache          *CacheInfo       `json:"cache,omitempty"`
	Payload        *Payload         `json:"payload,omitempty"`
}

// Summarizer optionally decorates a finished payload. Failures are logged
// and never fail the fetch.
type Summarizer interface {
	Summarize(ctx context.Context, p *Payload) error
}

// StatusView is the read-only link/budget snapshot for one user.
type StatusView struct {
	Linked           bool            `json:"linked"`
	LastFetchedAt    *time.Time      `json:"lastFetchedAt,omitempty"`
	LastErrorCode    string          `json:"lastErrorCode,omitempty"`
	LastErrorMessage string          `json:"lastErrorMessage,omitempty"`
	Budget           budget.Snapshot `json:"budget"`
}
