// Package stamps keeps last-access timestamps in a single goroutine.
//
// A Book owns its map exclusively; every read and write is a message sent
// to that goroutine. Writers on other goroutines (such as a filesystem
// watcher) therefore never touch the map directly.
package stamps

import (
	"cmp"
	"slices"
	"sync"
)

// Book is an actor holding key -> UnixNano timestamps.
// All methods are safe for concurrent use. After Close, writes are dropped
// and reads return empty results.
type Book[K cmp.Ordered] struct {
	ops     chan func(map[K]int64)
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New starts the owning goroutine. backlog is the capacity of the message
// queue; senders block only once it is full.
func New[K cmp.Ordered](backlog int) *Book[K] {
	if backlog < 0 {
		backlog = 0
	}
	b := &Book[K]{
		ops:     make(chan func(map[K]int64), backlog),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Book[K]) run() {
	defer close(b.stopped)
	m := make(map[K]int64)
	for {
		select {
		case op := <-b.ops:
			op(m)
		case <-b.done:
			return
		}
	}
}

// send delivers op unless the book is closed. It reports whether op was
// accepted.
func (b *Book[K]) send(op func(map[K]int64)) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.ops <- op:
		return true
	case <-b.done:
		return false
	}
}

// Set records ts for k.
func (b *Book[K]) Set(k K, ts int64) {
	b.send(func(m map[K]int64) { m[k] = ts })
}

// Delete forgets k.
func (b *Book[K]) Delete(k K) {
	b.send(func(m map[K]int64) { delete(m, k) })
}

// Get returns the timestamp for k.
func (b *Book[K]) Get(k K) (int64, bool) {
	type result struct {
		ts int64
		ok bool
	}
	reply := make(chan result, 1)
	if !b.send(func(m map[K]int64) {
		ts, ok := m[k]
		reply <- result{ts, ok}
	}) {
		return 0, false
	}
	select {
	case r := <-reply:
		return r.ts, r.ok
	case <-b.stopped:
		return 0, false
	}
}

// Oldest returns every key ordered by timestamp, oldest first. Ties are
// broken by key so the order is deterministic.
func (b *Book[K]) Oldest() []K {
	type entry struct {
		k  K
		ts int64
	}
	reply := make(chan []entry, 1)
	if !b.send(func(m map[K]int64) {
		out := make([]entry, 0, len(m))
		for k, ts := range m {
			out = append(out, entry{k, ts})
		}
		reply <- out
	}) {
		return nil
	}

	var entries []entry
	select {
	case entries = <-reply:
	case <-b.stopped:
		return nil
	}

	// Sort outside the actor so a large book does not stall writers.
	slices.SortFunc(entries, func(a, b entry) int {
		if c := cmp.Compare(a.ts, b.ts); c != 0 {
			return c
		}
		return cmp.Compare(a.k, b.k)
	})
	keys := make([]K, len(entries))
	for i, e := range entries {
		keys[i] = e.k
	}
	return keys
}

// Close stops the owning goroutine and waits for it to exit.
func (b *Book[K]) Close() {
	b.once.Do(func() { close(b.done) })
	<-b.stopped
}
