// Package store defines the persisted models behind the fetch pipeline:
// the user link, the append-only attempt log the budget reads, and the
// result documents served as cache hits.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups when no row/document exists.
var ErrNotFound = errors.New("store: not found")

// Link is the provider link state for one app user.
type Link struct {
	AppUserID        string          `json:"appUserId"`
	Linked           bool            `json:"linked"`
	LoginMethod      string          `json:"loginMethod,omitempty"`
	LoginOrgCd       string          `json:"loginOrgCd,omitempty"`
	CookieData       json.RawMessage `json:"cookieData,omitempty"`
	IdentityHash     string          `json:"identityHash,omitempty"`
	LastFetchedAt    *time.Time      `json:"lastFetchedAt,omitempty"`
	LastErrorCode    string          `json:"lastErrorCode,omitempty"`
	LastErrorMessage string          `json:"lastErrorMessage,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// LinkPatch is a partial link update. Nil fields are left untouched;
// a pointer to the zero value clears the field.
type LinkPatch struct {
	Linked           *bool
	IdentityHash     *string
	LastFetchedAt    *time.Time
	LastErrorCode    *string
	LastErrorMessage *string
	CookieData       json.RawMessage
}

// Apply folds a patch into the link in place.
func (l *Link) Apply(p LinkPatch, now time.Time) {
	if p.Linked != nil {
		l.Linked = *p.Linked
	}
	if p.IdentityHash != nil {
		l.IdentityHash = *p.IdentityHash
	}
	if p.LastFetchedAt != nil {
		t := *p.LastFetchedAt
		l.LastFetchedAt = &t
	}
	if p.LastErrorCode != nil {
		l.LastErrorCode = *p.LastErrorCode
	}
	if p.LastErrorMessage != nil {
		l.LastErrorMessage = *p.LastErrorMessage
	}
	if p.CookieData != nil {
		l.CookieData = p.CookieData
	}
	l.UpdatedAt = now
}

// AttemptClass selects which attempts a budget query counts.
type AttemptClass int

const (
	AttemptAny AttemptClass = iota
	AttemptFresh
	AttemptForce
)

// Attempt is one real upstream execution (cache serves are not attempts).
type Attempt struct {
	AppUserID    string    `json:"appUserId"`
	IdentityHash string    `json:"identityHash"`
	RequestHash  string    `json:"requestHash"`
	RequestKey   string    `json:"requestKey"`
	ForceRefresh bool      `json:"forceRefresh"`
	OK           bool      `json:"ok"`
	StatusCode   int       `json:"statusCode"`
	At           time.Time `json:"at"`
}

// Result is a persisted fetch payload keyed by (appUserId, requestHash).
type Result struct {
	AppUserID    string          `json:"appUserId"`
	IdentityHash string          `json:"identityHash"`
	RequestHash  string          `json:"requestHash"`
	RequestKey   string          `json:"requestKey"`
	Targets      []string        `json:"targets"`
	YearLimit    int             `json:"yearLimit"`
	FromDate     string          `json:"fromDate"`
	ToDate       string          `json:"toDate"`
	SubjectType  string          `json:"subjectType"`
	StatusCode   int             `json:"statusCode"`
	OK           bool            `json:"ok"`
	Partial      bool            `json:"partial"`
	Payload      json.RawMessage `json:"payload"`
	FetchedAt    time.Time       `json:"fetchedAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	HitCount     int             `json:"hitCount"`
	LastHitAt    *time.Time      `json:"lastHitAt,omitempty"`
}

// Fresh reports whether the result TTL is still valid at now.
func (r *Result) Fresh(now time.Time) bool {
	return r != nil && now.Before(r.ExpiresAt)
}

type LinkStore interface {
	// GetLink returns ErrNotFound when the user has no link row.
	GetLink(ctx context.Context, appUserID string) (*Link, error)
	PutLink(ctx context.Context, link Link) error
	UpdateLink(ctx context.Context, appUserID string, patch LinkPatch) error
}

type AttemptStore interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	CountAttempts(ctx context.Context, appUserID string, since time.Time, class AttemptClass) (int, error)
	// OldestAttempt returns the oldest attempt time at or after since,
	// or nil when there is none.
	OldestAttempt(ctx context.Context, appUserID string, since time.Time, class AttemptClass) (*time.Time, error)
	// LatestAttempt returns the most recent attempt of any class, or nil.
	LatestAttempt(ctx context.Context, appUserID string) (*time.Time, error)
}

type ResultStore interface {
	SaveResult(ctx context.Context, r Result) error
	// GetResult returns the stored result even if its TTL lapsed; callers
	// decide whether stale documents are acceptable. ErrNotFound when absent.
	GetResult(ctx context.Context, appUserID, requestHash string) (*Result, error)
	MarkResultHit(ctx context.Context, appUserID, requestHash string, at time.Time) error
	ClearUserResults(ctx context.Context, appUserID string) error
}

type Store interface {
	LinkStore
	AttemptStore
	ResultStore
	Ping(ctx context.Context) error
	Close() error
}
