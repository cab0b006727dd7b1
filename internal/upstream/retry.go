package upstream

import (
	"context"
	"errors"
	"time"
)

// Sleeper waits for d or until ctx is done. Injected so tests can run
// retries without real delays.
type Sleeper func(ctx context.Context, d time.Duration) error

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryState tracks one call's attempt sequence: exponential backoff from
// base, capped, at most maxRetries retries after the first attempt.
type retryState struct {
	attempt    int
	maxRetries int
	base       time.Duration
	cap        time.Duration
}

func newRetryState(maxRetries int, base, cap time.Duration) retryState {
	if base <= 0 {
		base = 300 * time.Millisecond
	}
	if cap <= 0 {
		cap = 5 * time.Second
	}
	return retryState{maxRetries: maxRetries, base: base, cap: cap}
}

// next decides whether the failed attempt should be retried and after how
// long. It advances the attempt counter when it grants a retry.
func (s *retryState) next(err error) (time.Duration, bool) {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0, false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Retryable() {
		return 0, false
	}
	if s.attempt >= s.maxRetries {
		return 0, false
	}
	d := s.base << s.attempt
	if d > s.cap {
		d = s.cap
	}
	s.attempt++
	return d, true
}
