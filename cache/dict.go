package cache

import (
	"context"
	"slices"
	"sync"

	"github.com/apex/log"
)

// DictLoadFunc stores k in d, typically via d.Set.
type DictLoadFunc[K comparable, V any] func(ctx context.Context, d *Dict[K, V], k K) error

// DictOptions configures a Dict. See Options for the shared fields.
type DictOptions[K comparable, V any] struct {
	// MaxSize is an entry count; 0 = unbounded.
	MaxSize int64
	Loader  DictLoadFunc[K, V]
	Stripes int
	Metrics Metrics
	Logger  log.Interface
	Clock   Clock
}

// Dict is an in-memory backend: a key->value map plus a key->timestamp map.
// The engine methods (Get, GetOrLoad, LoadAsync, Evict, ...) come from the
// embedded AsyncCache.
type Dict[K comparable, V any] struct {
	*AsyncCache[K, V]

	mu     sync.RWMutex
	values map[K]V
	stamps map[K]int64
}

// NewDict returns an empty in-memory cache.
func NewDict[K comparable, V any](opt DictOptions[K, V]) *Dict[K, V] {
	d := &Dict[K, V]{
		values: make(map[K]V),
		stamps: make(map[K]int64),
	}
	o := Options[K]{
		MaxSize: opt.MaxSize,
		Stripes: opt.Stripes,
		Metrics: opt.Metrics,
		Logger:  opt.Logger,
		Clock:   opt.Clock,
	}
	if opt.Loader != nil {
		o.Loader = d.bind(opt.Loader)
	}
	d.AsyncCache = New[K, V](d, o)
	return d
}

func (d *Dict[K, V]) bind(fn DictLoadFunc[K, V]) LoadFunc[K] {
	return func(ctx context.Context, k K) error { return fn(ctx, d, k) }
}

// SetLoader replaces the loader; nil panics.
func (d *Dict[K, V]) SetLoader(fn DictLoadFunc[K, V]) {
	if fn == nil {
		panic("cache: SetLoader(nil)")
	}
	d.AsyncCache.SetLoader(d.bind(fn))
}

// Set stores k->v and stamps k with the current time. It does not evict;
// eviction runs after loads (or on an explicit Evict).
func (d *Dict[K, V]) Set(k K, v V) {
	now := d.now()
	d.mu.Lock()
	d.values[k] = v
	d.stamps[k] = now
	d.mu.Unlock()
}

// Len returns the number of stored entries.
func (d *Dict[K, V]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.values)
}

// ---- Backend[K, V] ----

// Peek implements Backend.
func (d *Dict[K, V]) Peek(k K) (V, error) {
	d.mu.RLock()
	v, ok := d.values[k]
	d.mu.RUnlock()
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return v, nil
}

// Delete implements Backend. The value goes first, then the timestamp.
func (d *Dict[K, V]) Delete(k K) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.values[k]; !ok {
		return ErrNotFound
	}
	delete(d.values, k)
	delete(d.stamps, k)
	return nil
}

// Touch implements Backend.
func (d *Dict[K, V]) Touch(k K, ts int64) {
	d.mu.Lock()
	d.stamps[k] = ts
	d.mu.Unlock()
}

// KeysByAge implements Backend. A stored key without a timestamp counts as
// stamped at zero and is evicted first.
func (d *Dict[K, V]) KeysByAge() []K {
	type aged struct {
		k  K
		ts int64
	}
	d.mu.RLock()
	all := make([]aged, 0, len(d.values))
	for k := range d.values {
		all = append(all, aged{k, d.stamps[k]})
	}
	d.mu.RUnlock()

	slices.SortStableFunc(all, func(a, b aged) int {
		switch {
		case a.ts < b.ts:
			return -1
		case a.ts > b.ts:
			return 1
		default:
			return 0
		}
	})
	keys := make([]K, len(all))
	for i, a := range all {
		keys[i] = a.k
	}
	return keys
}

// Size implements Backend: the number of entries.
func (d *Dict[K, V]) Size() (int64, error) {
	return int64(d.Len()), nil
}

// Contains implements Backend.
func (d *Dict[K, V]) Contains(k K) bool {
	d.mu.RLock()
	_, ok := d.values[k]
	d.mu.RUnlock()
	return ok
}

var _ Backend[string, int] = (*Dict[string, int])(nil)
