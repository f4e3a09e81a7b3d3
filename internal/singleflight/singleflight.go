// Package singleflight coalesces concurrent computations of the same cache
// key so that at most one runs at a time.
package singleflight

import (
	"context"
	"sync"
)

// Group deduplicates concurrent Do calls per key: the first caller for a
// key becomes the leader and runs fn; callers arriving while the flight is
// pending wait for the shared (value, error) instead of computing again.
//
// Once the flight resolves its slot is removed, so a later miss for the
// same key starts a fresh computation.
type Group[K comparable, V any] struct {
	mu      sync.Mutex
	pending map[K]*flight[V]
}

// flight is the shared result slot for one in-progress computation.
// val and err are published before done is closed, so any read after
// <-done observes the final values.
type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Do runs fn at most once per key across concurrent callers and returns
// the shared result. A waiter whose ctx is cancelled unblocks with
// ctx.Err(); the leader's fn keeps running and its result still serves
// the remaining waiters. Cancelling the computation itself is fn's
// responsibility (thread ctx into it).
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if g.pending == nil {
		g.pending = make(map[K]*flight[V])
	}
	if f, ok := g.pending[key]; ok {
		done := f.done
		g.mu.Unlock()

		select {
		case <-done:
			return f.val, f.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	f := &flight[V]{done: make(chan struct{})}
	g.pending[key] = f
	g.mu.Unlock()

	// Leader path: run fn outside the lock, publish, then release waiters.
	f.val, f.err = fn()
	close(f.done)

	g.mu.Lock()
	delete(g.pending, key)
	g.mu.Unlock()

	return f.val, f.err
}
