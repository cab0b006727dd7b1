// Package dedup collapses concurrent identical executions: all callers that
// share a key while one execution is in flight receive its result.
package dedup

import "golang.org/x/sync/singleflight"

type Group[T any] struct {
	sf singleflight.Group
}

// Do runs fn once per key among concurrent callers. shared is true for
// callers that received another execution's result.
func (g *Group[T]) Do(key string, fn func() (T, error)) (T, bool, error) {
	v, err, shared := g.sf.Do(key, func() (any, error) {
		return fn()
	})
	if v == nil {
		var zero T
		return zero, shared, err
	}
	return v.(T), shared, err
}

// Forget drops the in-flight entry so the next caller executes again.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}
