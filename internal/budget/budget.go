// Package budget enforces the rolling per-user fetch budget: fresh upstream
// executions and force refreshes are counted separately over a trailing
// window read from the attempt store.
package budget

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store"
)

type Bucket struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type Snapshot struct {
	WindowHours  int    `json:"windowHours"`
	Fresh        Bucket `json:"fresh"`
	ForceRefresh Bucket `json:"forceRefresh"`
}

type Decision struct {
	Available     bool
	Reason        string
	RetryAfterSec int
	Snapshot      Snapshot
}

type Evaluator struct {
	Attempts   store.AttemptStore
	Window     time.Duration
	FreshLimit int
	ForceLimit int
	Now        func() time.Time
}

// Evaluate decides whether one more execution fits the budget. The counts
// are monotone within a window: a denial stands until the oldest attempt
// slides out, which is also where retryAfterSec points.
func (e *Evaluator) Evaluate(ctx context.Context, appUserID string, forceRefresh bool) (Decision, error) {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	since := now.Add(-e.Window)

	fresh, err := e.Attempts.CountAttempts(ctx, appUserID, since, store.AttemptFresh)
	if err != nil {
		return Decision{}, fmt.Errorf("count fresh attempts: %w", err)
	}
	force, err := e.Attempts.CountAttempts(ctx, appUserID, since, store.AttemptForce)
	if err != nil {
		return Decision{}, fmt.Errorf("count force attempts: %w", err)
	}

	snap := Snapshot{
		WindowHours:  int(e.Window.Hours()),
		Fresh:        bucket(fresh, e.FreshLimit),
		ForceRefresh: bucket(force, e.ForceLimit),
	}
	d := Decision{Available: true, Snapshot: snap}

	var class store.AttemptClass
	switch {
	case forceRefresh && force >= e.ForceLimit:
		d.Available = false
		d.Reason = "forceRefresh"
		class = store.AttemptForce
	case !forceRefresh && fresh >= e.FreshLimit:
		d.Available = false
		d.Reason = "fresh"
		class = store.AttemptFresh
	default:
		return d, nil
	}

	d.RetryAfterSec = 60
	oldest, err := e.Attempts.OldestAttempt(ctx, appUserID, since, class)
	if err == nil && oldest != nil {
		if rem := oldest.Add(e.Window).Sub(now); rem > 0 {
			d.RetryAfterSec = int(math.Ceil(rem.Seconds()))
		}
	}
	return d, nil
}

func bucket(used, limit int) Bucket {
	rem := limit - used
	if rem < 0 {
		rem = 0
	}
	return Bucket{Used: used, Limit: limit, Remaining: rem}
}
