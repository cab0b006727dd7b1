// Package cooldown rate-limits force-refresh requests per user. Two windows
// hang off the last fetch activity: a short guard window where a repeated
// force-refresh is transparently served from cache, and a longer cooldown
// where it is rejected with a retry hint.
package cooldown

import (
	"math"
	"time"
)

type Gate struct {
	Guard    time.Duration
	Cooldown time.Duration
	Now      func() time.Time
}

type Status struct {
	// GuardActive means the request arrived within the guard window and the
	// caller should serve the last persisted result instead of refetching.
	GuardActive bool
	// Available means a force refresh may execute now.
	Available        bool
	RemainingSeconds int
	AvailableAt      time.Time
}

// Check evaluates the gate against the last fetch activity timestamp.
// A nil last means the user never fetched, so a refresh is always allowed.
func (g Gate) Check(last *time.Time) Status {
	now := time.Now()
	if g.Now != nil {
		now = g.Now()
	}
	if last == nil || last.IsZero() {
		return Status{Available: true, AvailableAt: now}
	}
	elapsed := now.Sub(*last)
	if elapsed < 0 {
		// clock skew between writers, treat as just fetched
		elapsed = 0
	}
	availableAt := last.Add(g.Cooldown)
	if elapsed >= g.Cooldown {
		return Status{Available: true, AvailableAt: now}
	}
	st := Status{
		Available:        false,
		RemainingSeconds: ceilSeconds(g.Cooldown - elapsed),
		AvailableAt:      availableAt,
	}
	if elapsed < g.Guard {
		st.GuardActive = true
	}
	return st
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
