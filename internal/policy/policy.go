// Package policy enforces the cost blocklist for fetch targets.
package policy

import "strings"

type TargetPolicy struct {
	blocked map[string]struct{}
}

func New(blocked []string) *TargetPolicy {
	m := make(map[string]struct{}, len(blocked))
	for _, t := range blocked {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		m[t] = struct{}{}
	}
	return &TargetPolicy{blocked: m}
}

// Blocked returns the blocked subset of the requested targets in request order.
func (p *TargetPolicy) Blocked(targets []string) []string {
	var out []string
	for _, t := range targets {
		if _, ok := p.blocked[strings.TrimSpace(t)]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (p *TargetPolicy) IsBlocked(target string) bool {
	_, ok := p.blocked[strings.TrimSpace(target)]
	return ok
}
