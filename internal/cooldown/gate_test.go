package cooldown

import (
	"testing"
	"time"
)

func gateAt(now time.Time) Gate {
	return Gate{
		Guard:    5 * time.Second,
		Cooldown: 120 * time.Second,
		Now:      func() time.Time { return now },
	}
}

func TestNeverFetchedIsAvailable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := gateAt(now).Check(nil)
	if !st.Available || st.GuardActive {
		t.Fatalf("expected available, got %+v", st)
	}
}

func TestGuardWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-2 * time.Second)
	st := gateAt(now).Check(&last)
	if !st.GuardActive {
		t.Fatalf("expected guard active, got %+v", st)
	}
	if st.Available {
		t.Fatalf("guard window must not be available")
	}
	if st.RemainingSeconds != 118 {
		t.Fatalf("remaining = %d, want 118", st.RemainingSeconds)
	}
}

func TestCooldownAfterGuard(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-30 * time.Second)
	st := gateAt(now).Check(&last)
	if st.GuardActive || st.Available {
		t.Fatalf("expected cooldown rejection, got %+v", st)
	}
	if st.RemainingSeconds != 90 {
		t.Fatalf("remaining = %d, want 90", st.RemainingSeconds)
	}
	if want := last.Add(120 * time.Second); !st.AvailableAt.Equal(want) {
		t.Fatalf("availableAt = %v, want %v", st.AvailableAt, want)
	}
}

func TestCooldownElapsed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-121 * time.Second)
	st := gateAt(now).Check(&last)
	if !st.Available {
		t.Fatalf("expected available after cooldown, got %+v", st)
	}
}

func TestFutureLastTreatedAsJustFetched(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(3 * time.Second)
	st := gateAt(now).Check(&last)
	if !st.GuardActive {
		t.Fatalf("expected guard active on skewed clock, got %+v", st)
	}
}

func TestRemainingRoundsUp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-119*time.Second - 500*time.Millisecond)
	st := gateAt(now).Check(&last)
	if st.RemainingSeconds != 1 {
		t.Fatalf("remaining = %d, want 1", st.RemainingSeconds)
	}
}
