package store

import "time"

// TTLTiers resolves how long a result document stays fresh. Failures expire
// fast so a broken link can recover; detail pulls are expensive upstream and
// keep longer than summary pulls.
type TTLTiers struct {
	Summary time.Duration
	Detail  time.Duration
	Partial time.Duration
	Failure time.Duration
}

// detail targets carry per-record documents rather than aggregates
var detailTargets = map[string]struct{}{
	"medication":    {},
	"checkupList":   {},
	"checkupYearly": {},
}

func (t TTLTiers) For(targets []string, ok, partial bool) time.Duration {
	// a partial outcome also reports ok=false, so check it first
	if partial {
		return t.Partial
	}
	if !ok {
		return t.Failure
	}
	for _, tg := range targets {
		if _, isDetail := detailTargets[tg]; isDetail {
			return t.Detail
		}
	}
	return t.Summary
}
