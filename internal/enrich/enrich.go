// Package enrich decorates successful fetch payloads with a compact
// summary block. Enrichment is strictly best-effort: callers tolerate any
// error here and serve the payload unchanged.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/fetch"
)

type Composer struct {
	Now func() time.Time
}

type targetSummary struct {
	Records int  `json:"records"`
	Present bool `json:"present"`
}

type summary struct {
	GeneratedAt time.Time                `json:"generatedAt"`
	Targets     map[string]targetSummary `json:"targets"`
}

// Summarize counts per-target records and attaches the block to the payload.
func (c *Composer) Summarize(_ context.Context, p *fetch.Payload) error {
	if p == nil || len(p.Data) == 0 {
		return nil
	}
	now := time.Now().UTC()
	if c.Now != nil {
		now = c.Now()
	}
	s := summary{GeneratedAt: now, Targets: make(map[string]targetSummary, len(p.Data))}
	for target, raw := range p.Data {
		s.Targets[target] = targetSummary{Records: countRecords(raw), Present: true}
	}
	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	p.Summary = blob
	return nil
}

// countRecords finds the first array field in the target document.
func countRecords(raw json.RawMessage) int {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0
	}
	for _, v := range doc {
		var arr []json.RawMessage
		if err := json.Unmarshal(v, &arr); err == nil {
			return len(arr)
		}
	}
	return 0
}
