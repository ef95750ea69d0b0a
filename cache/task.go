package cache

import (
	"context"
	"sync"
)

// Task tracks one batched load submitted by LoadAsync.
type Task[K comparable] struct {
	keys []K
	done chan struct{}
	once sync.Once
	err  error
}

func newTask[K comparable](keys []K) *Task[K] {
	return &Task[K]{keys: keys, done: make(chan struct{})}
}

func (t *Task[K]) finish(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Keys returns the keys this task loads. Keys that were present or
// already in flight at submission time are not included.
func (t *Task[K]) Keys() []K { return t.keys }

// Done is closed when the load has finished.
func (t *Task[K]) Done() <-chan struct{} { return t.done }

// Wait blocks until the load has finished or ctx is done. Cancelling ctx
// does not cancel the load.
func (t *Task[K]) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
