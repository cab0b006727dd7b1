package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/upstream"
)

// Caller is the upstream surface the executor needs.
type Caller interface {
	FetchTarget(ctx context.Context, t upstream.Target, payload upstream.RequestPayload) (*upstream.Response, error)
}

type Executor struct {
	Caller     Caller
	MaxWorkers int
	Logger     *slog.Logger
}

type ExecInput struct {
	Targets []upstream.Target
	Payload upstream.RequestPayload
}

// ExecResult aggregates the per-target calls. FirstFailed is the first
// failure in request order, independent of completion order.
type ExecResult struct {
	Payload        Payload
	FirstFailed    *FailedItem
	SessionExpired bool
	TimedOut       bool
}

type targetResult struct {
	resp *upstream.Response
	err  error
}

// Execute fans the targets out over a bounded worker pool and folds the
// responses back in request order.
func (e *Executor) Execute(ctx context.Context, in ExecInput) ExecResult {
	n := len(in.Targets)
	results := make([]targetResult, n)

	workers := e.MaxWorkers
	if workers <= 0 || workers > n {
		workers = n
	}
	jobs := make(chan int, n)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				t := in.Targets[idx]
				resp, err := e.Caller.FetchTarget(ctx, t, in.Payload)
				results[idx] = targetResult{resp: resp, err: err}
			}
		}()
	}
	for i := range n {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	out := ExecResult{Payload: Payload{Data: make(map[string]json.RawMessage, n)}}
	for i, t := range in.Targets {
		r := results[i]
		if r.err == nil {
			out.Payload.Data[string(t)] = r.resp.Data
			continue
		}
		item := failedItem(t, r.err)
		out.Payload.Failed = append(out.Payload.Failed, item)
		if out.FirstFailed == nil {
			f := item
			out.FirstFailed = &f
		}
		if upstream.IsSessionExpired(item.ErrCd) {
			out.SessionExpired = true
		}
		if e.Logger != nil {
			e.Logger.LogAttrs(ctx, slog.LevelWarn, "target fetch failed",
				slog.String("target", string(t)),
				slog.String("errCd", item.ErrCd),
				slog.String("err", r.err.Error()),
			)
		}
	}

	failed := len(out.Payload.Failed)
	out.Payload.OK = failed == 0
	out.Payload.Partial = failed > 0 && failed < n
	if out.FirstFailed != nil && out.FirstFailed.ErrCd == errCdTimeout {
		out.TimedOut = true
	}
	if len(out.Payload.Data) == 0 {
		out.Payload.Data = nil
	}
	return out
}

const errCdTimeout = "TIMEOUT"

func failedItem(t upstream.Target, err error) FailedItem {
	item := FailedItem{Target: string(t)}
	var apiErr *upstream.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Timeout {
			item.ErrCd = errCdTimeout
			item.ErrMsg = "provider timeout"
			return item
		}
		item.ErrCd = apiErr.ErrCd
		item.ErrMsg = apiErr.ErrMsg
		if item.ErrMsg == "" {
			item.ErrMsg = apiErr.Error()
		}
		return item
	}
	item.ErrMsg = err.Error()
	return item
}
