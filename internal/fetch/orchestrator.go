package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/budget"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/cooldown"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/core/observability"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/dedup"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/identity"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/policy"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store/memcache"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/upstream"
)

// Defaults fill in request fields the caller left out.
type Defaults struct {
	YearLimit    int
	MaxYearLimit int
	SubjectType  string
}

// Orchestrator drives one fetch request through the pipeline: policy,
// link, identity, guard/cooldown, cache, session, budget, deduplicated
// execution, persistence, response.
type Orchestrator struct {
	Store      store.Store
	Mem        *memcache.Cache
	Hasher     *identity.Hasher
	Policy     *policy.TargetPolicy
	Budget     *budget.Evaluator
	Gate       cooldown.Gate
	Executor   *Executor
	Summarizer Summarizer
	TTL        store.TTLTiers
	Defaults   Defaults
	Logger     *slog.Logger
	Now        func() time.Time

	group dedup.Group[*execOutcome]
}

// execOutcome is what dedup waiters share: the aggregated payload plus the
// persisted document it was written as.
type execOutcome struct {
	payload        Payload
	statusCode     int
	sessionExpired bool
	timedOut       bool
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Fetch runs the pipeline. It always returns a well-formed Response; errors
// never escape as transport-level failures.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) Response {
	now := o.now()

	targets, bad := resolveTargets(req.Targets)
	if bad != "" {
		observability.IncFetchOutcome("invalid_request")
		return Response{
			StatusCode: http.StatusBadRequest,
			Code:       CodeInvalidRequest,
			Reason:     fmt.Sprintf("unknown target %q", bad),
		}
	}
	yearLimit := o.clampYearLimit(req.YearLimit)

	if blocked := o.Policy.Blocked(targetStrings(targets)); len(blocked) > 0 {
		observability.IncFetchOutcome("target_blocked")
		return Response{
			StatusCode:     http.StatusBadRequest,
			Code:           CodeTargetBlocked,
			Reason:         "requested targets are blocked by policy",
			BlockedTargets: blocked,
		}
	}

	link, err := o.Store.GetLink(ctx, req.AppUserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !link.Linked) {
		observability.IncFetchOutcome("init_required")
		return Response{
			StatusCode: http.StatusConflict,
			Code:       CodeInitRequired,
			Reason:     "provider link is not established",
			NextAction: "init",
		}
	}
	if err != nil {
		return o.internal(ctx, "load link", err)
	}

	idHash := o.Hasher.IdentityHash(req.AppUserID, link.LoginOrgCd, link.IdentityHash)
	fromDate := now.AddDate(-yearLimit, 0, 0).Format("20060102")
	toDate := now.Format("20060102")
	subjectType := o.Defaults.SubjectType
	meta := o.Hasher.RequestHash(idHash, targetStrings(targets), yearLimit, fromDate, toDate, subjectType)

	if req.ForceRefresh {
		st := o.Gate.Check(o.lastActivity(ctx, req.AppUserID, link))
		if !st.Available {
			if st.GuardActive {
				if resp, ok := o.serveGuarded(ctx, req.AppUserID, meta.RequestHash, now); ok {
					observability.IncFetchOutcome("cached")
					return resp
				}
			}
			observability.IncFetchOutcome("cooldown")
			return Response{
				StatusCode:    http.StatusTooManyRequests,
				Code:          CodeCooldown,
				Reason:        "force refresh is cooling down",
				RetryAfterSec: st.RemainingSeconds,
			}
		}
	} else {
		if resp, ok := o.serveFresh(ctx, req.AppUserID, meta.RequestHash, now); ok {
			observability.IncFetchOutcome("cached")
			return resp
		}
	}

	if len(link.CookieData) == 0 {
		observability.IncFetchOutcome("auth_expired")
		return Response{
			StatusCode: http.StatusConflict,
			Code:       CodeAuthExpired,
			Reason:     "provider session artifacts are missing",
			NextAction: "init",
		}
	}

	dec, err := o.Budget.Evaluate(ctx, req.AppUserID, req.ForceRefresh)
	if err != nil {
		return o.internal(ctx, "evaluate budget", err)
	}
	if !dec.Available {
		observability.IncBudgetRejection(dec.Reason)
		observability.IncFetchOutcome("budget_exhausted")
		snap := dec.Snapshot
		return Response{
			StatusCode:    http.StatusTooManyRequests,
			Code:          CodeBudgetExhausted,
			Reason:        "fetch budget exhausted: " + dec.Reason,
			RetryAfterSec: dec.RetryAfterSec,
			Budget:        &snap,
		}
	}

	// Execution is detached from the caller's cancellation: once dispatched
	// it completes, feeds every dedup waiter, and gets persisted.
	execCtx := context.WithoutCancel(ctx)
	key := req.AppUserID + "|" + meta.RequestHash
	out, shared, err := o.group.Do(key, func() (*execOutcome, error) {
		return o.execute(execCtx, req.AppUserID, link, idHash, meta, targets, yearLimit, fromDate, toDate, subjectType, req.ForceRefresh, now)
	})
	if shared {
		observability.IncDedupShared()
	}
	if err != nil {
		return o.internal(ctx, "execute fetch", err)
	}

	return o.respond(out)
}

func (o *Orchestrator) respond(out *execOutcome) Response {
	p := out.payload
	if p.OK {
		observability.IncFetchOutcome("ok")
		return Response{StatusCode: http.StatusOK, OK: true, Payload: &p}
	}
	if out.sessionExpired {
		observability.IncFetchOutcome("auth_expired")
		return Response{
			StatusCode: http.StatusConflict,
			Code:       CodeAuthExpired,
			Reason:     "provider session expired",
			NextAction: "init",
			Payload:    &p,
		}
	}
	observability.IncFetchOutcome("upstream_failed")
	resp := Response{
		StatusCode: out.statusCode,
		Code:       CodeUpstreamFailed,
		Reason:     "one or more targets failed",
		Payload:    &p,
	}
	if len(p.Failed) > 0 {
		resp.Error = p.Failed[0].ErrMsg
	}
	return resp
}

// execute runs the fan-out and persists everything best-effort. Store
// failures are logged and counted, never surfaced to the caller.
func (o *Orchestrator) execute(ctx context.Context, appUserID string, link *store.Link, idHash string, meta identity.RequestHashMeta, targets []upstream.Target, yearLimit int, fromDate, toDate, subjectType string, forceRefresh bool, now time.Time) (*execOutcome, error) {
	payload := upstream.RequestPayload{
		LoginMethod: link.LoginMethod,
		LoginOrgCd:  link.LoginOrgCd,
		FromDate:    fromDate,
		ToDate:      toDate,
		SubjectType: subjectType,
		CookieData:  link.CookieData,
		ShowCookie:  "Y",
	}
	res := o.Executor.Execute(ctx, ExecInput{Targets: targets, Payload: payload})

	if o.Summarizer != nil && res.Payload.OK {
		if err := o.Summarizer.Summarize(ctx, &res.Payload); err != nil {
			o.log().LogAttrs(ctx, slog.LevelWarn, "summary enrichment failed",
				slog.String("err", err.Error()))
		}
	}

	out := &execOutcome{
		payload:        res.Payload,
		statusCode:     statusFor(res),
		sessionExpired: res.SessionExpired,
		timedOut:       res.TimedOut,
	}

	o.persist(ctx, appUserID, idHash, meta, yearLimit, fromDate, toDate, subjectType, forceRefresh, now, out, res.FirstFailed)
	return out, nil
}

func (o *Orchestrator) persist(ctx context.Context, appUserID, idHash string, meta identity.RequestHashMeta, yearLimit int, fromDate, toDate, subjectType string, forceRefresh bool, now time.Time, out *execOutcome, firstFailed *FailedItem) {
	raw, err := json.Marshal(out.payload)
	if err != nil {
		o.persistFailed(ctx, "encode payload", err)
		return
	}

	ttl := o.TTL.For(meta.Targets, out.payload.OK, out.payload.Partial)
	result := store.Result{
		AppUserID:    appUserID,
		IdentityHash: idHash,
		RequestHash:  meta.RequestHash,
		RequestKey:   meta.RequestKey,
		Targets:      meta.Targets,
		YearLimit:    yearLimit,
		FromDate:     fromDate,
		ToDate:       toDate,
		SubjectType:  subjectType,
		StatusCode:   out.statusCode,
		OK:           out.payload.OK,
		Partial:      out.payload.Partial,
		Payload:      raw,
		FetchedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := o.Store.SaveResult(ctx, result); err != nil {
		o.persistFailed(ctx, "save result", err)
	}
	if o.Mem != nil {
		o.Mem.Put(appUserID, meta.RequestHash, memcache.Entry{
			Payload:    raw,
			StatusCode: out.statusCode,
			OK:         out.payload.OK,
			FetchedAt:  now,
			ExpiresAt:  now.Add(ttl),
		})
	}

	attempt := store.Attempt{
		AppUserID:    appUserID,
		IdentityHash: idHash,
		RequestHash:  meta.RequestHash,
		RequestKey:   meta.RequestKey,
		ForceRefresh: forceRefresh,
		OK:           out.payload.OK,
		StatusCode:   out.statusCode,
		At:           now,
	}
	if err := o.Store.RecordAttempt(ctx, attempt); err != nil {
		o.persistFailed(ctx, "record attempt", err)
	}

	patch := store.LinkPatch{IdentityHash: &idHash}
	if out.payload.OK {
		t := now
		empty := ""
		patch.LastFetchedAt = &t
		patch.LastErrorCode = &empty
		patch.LastErrorMessage = &empty
		if cookie := extractCookieData(out.payload.Data); cookie != nil {
			patch.CookieData = cookie
		}
	} else if firstFailed != nil {
		patch.LastErrorCode = &firstFailed.ErrCd
		patch.LastErrorMessage = &firstFailed.ErrMsg
	}
	if err := o.Store.UpdateLink(ctx, appUserID, patch); err != nil {
		o.persistFailed(ctx, "update link", err)
	}
}

func (o *Orchestrator) persistFailed(ctx context.Context, op string, err error) {
	observability.IncPersistFailure()
	o.log().LogAttrs(ctx, slog.LevelError, "persist failed",
		slog.String("op", op),
		slog.String("err", err.Error()),
	)
}

// serveFresh serves a TTL-valid result, memory first, then the store.
func (o *Orchestrator) serveFresh(ctx context.Context, appUserID, requestHash string, now time.Time) (Response, bool) {
	if o.Mem != nil {
		if e, ok := o.Mem.Get(appUserID, requestHash, now, false, 0); ok {
			observability.IncCacheResult("memory")
			o.markHit(ctx, appUserID, requestHash, now)
			return cachedResponse(e.Payload, e.StatusCode, e.OK, CacheInfo{
				Source: "memory", FetchedAt: e.FetchedAt, ExpiresAt: e.ExpiresAt,
			}), true
		}
	}
	if resp, ok := o.serveStored(ctx, appUserID, requestHash, now, false, "store"); ok {
		return resp, true
	}
	observability.IncCacheResult("miss")
	return Response{}, false
}

// serveGuarded serves the last known result inside the guard window, hot
// cache first, TTL ignored on both tiers.
func (o *Orchestrator) serveGuarded(ctx context.Context, appUserID, requestHash string, now time.Time) (Response, bool) {
	if o.Mem != nil {
		if e, ok := o.Mem.Get(appUserID, requestHash, now, true, 0); ok {
			observability.IncCacheResult("guard")
			o.markHit(ctx, appUserID, requestHash, now)
			return cachedResponse(e.Payload, e.StatusCode, e.OK, CacheInfo{
				Source:    "guard",
				Stale:     !now.Before(e.ExpiresAt),
				FetchedAt: e.FetchedAt,
				ExpiresAt: e.ExpiresAt,
			}), true
		}
	}
	return o.serveStored(ctx, appUserID, requestHash, now, true, "guard")
}

// serveStored serves the persisted result document. With allowStale the TTL
// is ignored (guard-window fallback).
func (o *Orchestrator) serveStored(ctx context.Context, appUserID, requestHash string, now time.Time, allowStale bool, source string) (Response, bool) {
	r, err := o.Store.GetResult(ctx, appUserID, requestHash)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.log().LogAttrs(ctx, slog.LevelWarn, "result lookup failed",
				slog.String("err", err.Error()))
		}
		return Response{}, false
	}
	stale := !r.Fresh(now)
	if stale && !allowStale {
		return Response{}, false
	}
	observability.IncCacheResult(source)
	o.markHit(ctx, appUserID, requestHash, now)
	if o.Mem != nil && !stale {
		o.Mem.Put(appUserID, requestHash, memcache.Entry{
			Payload:    r.Payload,
			StatusCode: r.StatusCode,
			OK:         r.OK,
			FetchedAt:  r.FetchedAt,
			ExpiresAt:  r.ExpiresAt,
		})
	}
	return cachedResponse(r.Payload, r.StatusCode, r.OK, CacheInfo{
		Source: source, Stale: stale, FetchedAt: r.FetchedAt, ExpiresAt: r.ExpiresAt,
	}), true
}

func (o *Orchestrator) markHit(ctx context.Context, appUserID, requestHash string, now time.Time) {
	if err := o.Store.MarkResultHit(ctx, appUserID, requestHash, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.persistFailed(ctx, "mark hit", err)
	}
}

// lastActivity is the newest of the link's lastFetchedAt and the attempt log.
func (o *Orchestrator) lastActivity(ctx context.Context, appUserID string, link *store.Link) *time.Time {
	last := link.LastFetchedAt
	att, err := o.Store.LatestAttempt(ctx, appUserID)
	if err != nil {
		o.log().LogAttrs(ctx, slog.LevelWarn, "latest attempt lookup failed",
			slog.String("err", err.Error()))
	}
	if att != nil && (last == nil || att.After(*last)) {
		last = att
	}
	return last
}

// Status reports link state and the current budget snapshot.
func (o *Orchestrator) Status(ctx context.Context, appUserID string) (StatusView, error) {
	view := StatusView{}
	link, err := o.Store.GetLink(ctx, appUserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return view, fmt.Errorf("load link: %w", err)
	}
	if err == nil {
		view.Linked = link.Linked
		view.LastFetchedAt = link.LastFetchedAt
		view.LastErrorCode = link.LastErrorCode
		view.LastErrorMessage = link.LastErrorMessage
	}
	dec, err := o.Budget.Evaluate(ctx, appUserID, false)
	if err != nil {
		return view, fmt.Errorf("evaluate budget: %w", err)
	}
	view.Budget = dec.Snapshot
	return view, nil
}

func (o *Orchestrator) internal(ctx context.Context, op string, err error) Response {
	o.log().LogAttrs(ctx, slog.LevelError, "fetch pipeline error",
		slog.String("op", op),
		slog.String("err", err.Error()),
	)
	observability.IncFetchOutcome("internal")
	return Response{
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeInternal,
		Reason:     "temporary internal failure",
	}
}

func (o *Orchestrator) clampYearLimit(n int) int {
	if n <= 0 {
		return o.Defaults.YearLimit
	}
	if o.Defaults.MaxYearLimit > 0 && n > o.Defaults.MaxYearLimit {
		return o.Defaults.MaxYearLimit
	}
	return n
}

func statusFor(res ExecResult) int {
	switch {
	case res.Payload.OK:
		return http.StatusOK
	case res.SessionExpired:
		return http.StatusConflict
	case res.TimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func cachedResponse(raw json.RawMessage, statusCode int, ok bool, info CacheInfo) Response {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		// the stored document is opaque garbage, treat as a miss upstream
		return Response{StatusCode: http.StatusServiceUnavailable, Code: CodeInternal}
	}
	return Response{
		StatusCode: statusCode,
		OK:         ok,
		Cached:     true,
		Cache:      &info,
		Payload:    &p,
	}
}

// resolveTargets validates and normalizes request targets, applying the
// default summary set when none are named. Returns the first unknown target.
func resolveTargets(raw []string) ([]upstream.Target, string) {
	norm := identity.NormalizeTargets(raw)
	if len(norm) == 0 {
		return upstream.DefaultTargets(), ""
	}
	out := make([]upstream.Target, 0, len(norm))
	for _, s := range norm {
		t, ok := upstream.ParseTarget(s)
		if !ok {
			return nil, s
		}
		out = append(out, t)
	}
	return out, ""
}

func targetStrings(targets []upstream.Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = string(t)
	}
	return out
}

// extractCookieData pulls a refreshed session artifact out of a successful
// payload, scanning targets in declaration order.
func extractCookieData(data map[string]json.RawMessage) json.RawMessage {
	for _, t := range upstream.AllTargets() {
		raw, ok := data[string(t)]
		if !ok {
			continue
		}
		var probe struct {
			CookieData json.RawMessage `json:"cookieData"`
		}
		if json.Unmarshal(raw, &probe) == nil && len(probe.CookieData) > 0 && string(probe.CookieData) != "null" {
			return probe.CookieData
		}
	}
	return nil
}
