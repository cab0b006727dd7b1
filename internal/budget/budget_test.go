package budget

import (
	"context"
	"testing"
	"time"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store"
)

// attemptLog is an in-memory AttemptStore.
type attemptLog struct {
	attempts []store.Attempt
}

func (l *attemptLog) RecordAttempt(_ context.Context, a store.Attempt) error {
	l.attempts = append(l.attempts, a)
	return nil
}

func (l *attemptLog) CountAttempts(_ context.Context, appUserID string, since time.Time, class store.AttemptClass) (int, error) {
	n := 0
	for _, a := range l.attempts {
		if a.AppUserID == appUserID && !a.At.Before(since) && matches(a, class) {
			n++
		}
	}
	return n, nil
}

func (l *attemptLog) OldestAttempt(_ context.Context, appUserID string, since time.Time, class store.AttemptClass) (*time.Time, error) {
	var oldest *time.Time
	for _, a := range l.attempts {
		if a.AppUserID != appUserID || a.At.Before(since) || !matches(a, class) {
			continue
		}
		if oldest == nil || a.At.Before(*oldest) {
			t := a.At
			oldest = &t
		}
	}
	return oldest, nil
}

func (l *attemptLog) LatestAttempt(_ context.Context, appUserID string) (*time.Time, error) {
	var latest *time.Time
	for _, a := range l.attempts {
		if a.AppUserID != appUserID {
			continue
		}
		if latest == nil || a.At.After(*latest) {
			t := a.At
			latest = &t
		}
	}
	return latest, nil
}

func matches(a store.Attempt, class store.AttemptClass) bool {
	switch class {
	case store.AttemptFresh:
		return !a.ForceRefresh
	case store.AttemptForce:
		return a.ForceRefresh
	default:
		return true
	}
}

func newEval(log *attemptLog, now time.Time) *Evaluator {
	return &Evaluator{
		Attempts:   log,
		Window:     24 * time.Hour,
		FreshLimit: 6,
		ForceLimit: 2,
		Now:        func() time.Time { return now },
	}
}

func TestFreshBudgetExhausts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := &attemptLog{}
	for i := range 6 {
		_ = log.RecordAttempt(context.Background(), store.Attempt{
			AppUserID: "u1", At: now.Add(-time.Duration(i+1) * time.Hour),
		})
	}

	d, err := newEval(log, now).Evaluate(context.Background(), "u1", false)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Available {
		t.Fatalf("expected denial, got %+v", d)
	}
	if d.Reason != "fresh" {
		t.Fatalf("reason = %q", d.Reason)
	}
	if d.Snapshot.Fresh.Used != 6 || d.Snapshot.Fresh.Remaining != 0 {
		t.Fatalf("snapshot = %+v", d.Snapshot.Fresh)
	}
	// oldest attempt is 6h old, window 24h: available again in 18h
	if want := int((18 * time.Hour).Seconds()); d.RetryAfterSec != want {
		t.Fatalf("retryAfter = %d, want %d", d.RetryAfterSec, want)
	}
}

func TestForceBudgetSeparate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := &attemptLog{}
	for i := range 2 {
		_ = log.RecordAttempt(context.Background(), store.Attempt{
			AppUserID: "u1", ForceRefresh: true, At: now.Add(-time.Duration(i+1) * time.Hour),
		})
	}

	e := newEval(log, now)
	d, _ := e.Evaluate(context.Background(), "u1", true)
	if d.Available || d.Reason != "forceRefresh" {
		t.Fatalf("expected force denial, got %+v", d)
	}
	// fresh budget untouched
	d, _ = e.Evaluate(context.Background(), "u1", false)
	if !d.Available {
		t.Fatalf("fresh request should pass, got %+v", d)
	}
	if d.Snapshot.ForceRefresh.Used != 2 {
		t.Fatalf("snapshot = %+v", d.Snapshot.ForceRefresh)
	}
}

func TestDenialIsMonotoneUntilWindowSlides(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := &attemptLog{}
	for i := range 6 {
		_ = log.RecordAttempt(context.Background(), store.Attempt{
			AppUserID: "u1", At: base.Add(time.Duration(i) * time.Minute),
		})
	}

	// still denied an hour later with no new attempts
	d, _ := newEval(log, base.Add(time.Hour)).Evaluate(context.Background(), "u1", false)
	if d.Available {
		t.Fatalf("denial flipped without window movement")
	}

	// the oldest attempt slid out: available again
	d, _ = newEval(log, base.Add(24*time.Hour+time.Second)).Evaluate(context.Background(), "u1", false)
	if !d.Available {
		t.Fatalf("expected availability after window slide, got %+v", d)
	}
}

func TestUnknownUserHasFullBudget(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, err := newEval(&attemptLog{}, now).Evaluate(context.Background(), "nobody", true)
	if err != nil || !d.Available {
		t.Fatalf("expected full budget, got %+v err %v", d, err)
	}
	if d.Snapshot.WindowHours != 24 {
		t.Fatalf("windowHours = %d", d.Snapshot.WindowHours)
	}
}
