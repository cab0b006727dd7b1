package store

import (
	"testing"
	"time"
)

func TestTTLTiers(t *testing.T) {
	tiers := TTLTiers{
		Summary: 12 * time.Hour,
		Detail:  72 * time.Hour,
		Partial: 2 * time.Hour,
		Failure: 10 * time.Minute,
	}
	cases := []struct {
		name    string
		targets []string
		ok      bool
		partial bool
		want    time.Duration
	}{
		{"failure", []string{"medical"}, false, false, 10 * time.Minute},
		{"partial beats failure", []string{"medical", "healthAge"}, false, true, 2 * time.Hour},
		{"summary", []string{"medical", "checkupOverview", "healthAge"}, true, false, 12 * time.Hour},
		{"detail", []string{"medical", "medication"}, true, false, 72 * time.Hour},
	}
	for _, tc := range cases {
		if got := tiers.For(tc.targets, tc.ok, tc.partial); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
