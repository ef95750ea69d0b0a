// Package singleflight coalesces concurrent synchronous loads of one key.
package singleflight

import (
	"context"
	"errors"
	"sync"
)

// ErrPanicked is returned to followers of a call whose fn panicked. The
// leader sees the panic itself.
var ErrPanicked = errors.New("singleflight: call panicked")

// Group runs at most one fn per key at a time. Callers that arrive while a
// call for the same key is running wait for it and receive its result.
//
// The leader's fn is never cancelled by a follower: a follower whose ctx is
// done returns ctx.Err() and leaves the leader running.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done    chan struct{} // closed after val/err are published
	val     V
	err     error
	waiters int // followers joined so far; guarded by Group.mu
}

// Do executes fn for key unless a call for key is already running, in
// which case it waits for that call. shared reports whether the result was
// (or will be) delivered to more than one caller.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		c.waiters++
		g.mu.Unlock()

		select {
		case <-c.done:
			return c.val, true, c.err
		case <-ctx.Done():
			var zero V
			return zero, true, ctx.Err()
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	normal := false
	defer func() {
		if !normal {
			c.err = ErrPanicked
		}
		close(c.done)
		g.mu.Lock()
		delete(g.calls, key)
		shared = c.waiters > 0
		g.mu.Unlock()
	}()

	c.val, c.err = fn()
	normal = true
	return c.val, shared, c.err
}

// Running reports whether a call for key is currently executing.
func (g *Group[K, V]) Running(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}
