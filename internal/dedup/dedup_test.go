package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestConcurrentCallersShareOneExecution(t *testing.T) {
	var g Group[int]
	var executions atomic.Int64
	release := make(chan struct{})

	const callers = 16
	var wg sync.WaitGroup
	shared := make([]bool, callers)
	results := make([]int, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, sh, err := g.Do("user|hash", func() (int, error) {
				executions.Add(1)
				<-release
				return 42, nil
			})
			if err != nil {
				t.Errorf("Do: %v", err)
			}
			results[i] = v
			shared[i] = sh
		}()
	}

	// let the goroutines pile up on the same key
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := executions.Load(); n != 1 {
		t.Fatalf("executions = %d, want 1", n)
	}
	sharedCount := 0
	for i := range callers {
		if results[i] != 42 {
			t.Fatalf("caller %d got %d", i, results[i])
		}
		if shared[i] {
			sharedCount++
		}
	}
	if sharedCount == 0 {
		t.Fatalf("no caller reported a shared result")
	}
}

func TestDistinctKeysExecuteSeparately(t *testing.T) {
	var g Group[string]
	a, _, _ := g.Do("k1", func() (string, error) { return "a", nil })
	b, _, _ := g.Do("k2", func() (string, error) { return "b", nil })
	if a != "a" || b != "b" {
		t.Fatalf("got %q %q", a, b)
	}
}

func TestSequentialCallsExecuteAgain(t *testing.T) {
	var g Group[int]
	var n atomic.Int64
	for range 3 {
		_, _, _ = g.Do("k", func() (int, error) {
			n.Add(1)
			return 0, nil
		})
	}
	if n.Load() != 3 {
		t.Fatalf("executions = %d, want 3 (sequential calls are not deduped)", n.Load())
	}
}
