package fetch

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/upstream"
)

// scriptedCaller fakes the provider per target.
type scriptedCaller struct {
	calls   atomic.Int64
	active  atomic.Int64
	maxSeen atomic.Int64
	fn      func(t upstream.Target) (*upstream.Response, error)
	delay   map[upstream.Target]time.Duration
}

func (c *scriptedCaller) FetchTarget(_ context.Context, t upstream.Target, _ upstream.RequestPayload) (*upstream.Response, error) {
	c.calls.Add(1)
	cur := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if cur <= seen || c.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if d, ok := c.delay[t]; ok {
		time.Sleep(d)
	}
	return c.fn(t)
}

func okResp(data string) (*upstream.Response, error) {
	return &upstream.Response{Common: upstream.Common{ErrYn: "N"}, Data: json.RawMessage(data)}, nil
}

func TestExecuteAllSucceed(t *testing.T) {
	caller := &scriptedCaller{fn: func(upstream.Target) (*upstream.Response, error) {
		return okResp(`{"n":1}`)
	}}
	e := &Executor{Caller: caller, MaxWorkers: 3}
	res := e.Execute(context.Background(), ExecInput{
		Targets: []upstream.Target{upstream.TargetMedical, upstream.TargetHealthAge},
	})
	if !res.Payload.OK || res.Payload.Partial {
		t.Fatalf("unexpected payload: %+v", res.Payload)
	}
	if len(res.Payload.Data) != 2 {
		t.Fatalf("data entries = %d", len(res.Payload.Data))
	}
	if caller.calls.Load() != 2 {
		t.Fatalf("calls = %d", caller.calls.Load())
	}
}

func TestExecutePartialFailure(t *testing.T) {
	caller := &scriptedCaller{fn: func(tg upstream.Target) (*upstream.Response, error) {
		if tg == upstream.TargetMedical {
			return nil, &upstream.APIError{Endpoint: "/e", Status: 200, ErrCd: "E500", ErrMsg: "boom"}
		}
		return okResp(`{}`)
	}}
	e := &Executor{Caller: caller, MaxWorkers: 2}
	res := e.Execute(context.Background(), ExecInput{
		Targets: []upstream.Target{upstream.TargetMedical, upstream.TargetHealthAge},
	})
	if res.Payload.OK {
		t.Fatalf("ok despite failure")
	}
	if !res.Payload.Partial {
		t.Fatalf("partial not set")
	}
	if len(res.Payload.Failed) != 1 || res.Payload.Failed[0].Target != "medical" {
		t.Fatalf("failed = %+v", res.Payload.Failed)
	}
	if _, ok := res.Payload.Data["healthAge"]; !ok {
		t.Fatalf("successful target data missing")
	}
}

func TestFirstFailedFollowsRequestOrder(t *testing.T) {
	// the first target in request order fails slowly, a later one fails fast
	caller := &scriptedCaller{
		delay: map[upstream.Target]time.Duration{upstream.TargetMedical: 50 * time.Millisecond},
		fn: func(tg upstream.Target) (*upstream.Response, error) {
			switch tg {
			case upstream.TargetMedical:
				return nil, &upstream.APIError{Endpoint: "/m", Status: 200, ErrCd: "SLOW", ErrMsg: "slow failure"}
			case upstream.TargetHealthAge:
				return nil, &upstream.APIError{Endpoint: "/h", Status: 200, ErrCd: "FAST", ErrMsg: "fast failure"}
			default:
				return okResp(`{}`)
			}
		},
	}
	e := &Executor{Caller: caller, MaxWorkers: 3}
	res := e.Execute(context.Background(), ExecInput{
		Targets: []upstream.Target{upstream.TargetMedical, upstream.TargetCheckupOverview, upstream.TargetHealthAge},
	})
	if res.FirstFailed == nil || res.FirstFailed.ErrCd != "SLOW" {
		t.Fatalf("firstFailed = %+v, want the slow medical failure", res.FirstFailed)
	}
	if len(res.Payload.Failed) != 2 {
		t.Fatalf("failed = %+v", res.Payload.Failed)
	}
	if res.Payload.Failed[0].Target != "medical" || res.Payload.Failed[1].Target != "healthAge" {
		t.Fatalf("failed order = %+v", res.Payload.Failed)
	}
}

func TestSessionExpiredDetected(t *testing.T) {
	caller := &scriptedCaller{fn: func(upstream.Target) (*upstream.Response, error) {
		return nil, &upstream.APIError{Endpoint: "/e", Status: 200, ErrCd: "LGIN0004", ErrMsg: "expired"}
	}}
	e := &Executor{Caller: caller, MaxWorkers: 1}
	res := e.Execute(context.Background(), ExecInput{Targets: []upstream.Target{upstream.TargetMedical}})
	if !res.SessionExpired {
		t.Fatalf("session expiry not detected: %+v", res)
	}
	if res.Payload.Partial {
		t.Fatalf("total failure marked partial")
	}
}

func TestTimeoutClassified(t *testing.T) {
	caller := &scriptedCaller{fn: func(upstream.Target) (*upstream.Response, error) {
		return nil, &upstream.APIError{Endpoint: "/e", Timeout: true}
	}}
	e := &Executor{Caller: caller, MaxWorkers: 1}
	res := e.Execute(context.Background(), ExecInput{Targets: []upstream.Target{upstream.TargetMedical}})
	if !res.TimedOut {
		t.Fatalf("timeout not classified: %+v", res)
	}
	if res.Payload.Failed[0].ErrCd != "TIMEOUT" {
		t.Fatalf("failed = %+v", res.Payload.Failed)
	}
}

func TestWorkerPoolBounded(t *testing.T) {
	caller := &scriptedCaller{
		delay: map[upstream.Target]time.Duration{
			upstream.TargetMedical:         20 * time.Millisecond,
			upstream.TargetMedication:      20 * time.Millisecond,
			upstream.TargetCheckupOverview: 20 * time.Millisecond,
			upstream.TargetCheckupList:     20 * time.Millisecond,
			upstream.TargetCheckupYearly:   20 * time.Millisecond,
			upstream.TargetHealthAge:       20 * time.Millisecond,
		},
		fn: func(upstream.Target) (*upstream.Response, error) { return okResp(`{}`) },
	}
	e := &Executor{Caller: caller, MaxWorkers: 2}
	res := e.Execute(context.Background(), ExecInput{Targets: upstream.AllTargets()})
	if !res.Payload.OK {
		t.Fatalf("unexpected failure: %+v", res.Payload)
	}
	if seen := caller.maxSeen.Load(); seen > 2 {
		t.Fatalf("concurrency %d exceeded worker bound 2", seen)
	}
}
