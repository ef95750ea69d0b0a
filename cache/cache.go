package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"github.com/IvanBrykalov/shardset/internal/singleflight"
	"github.com/IvanBrykalov/shardset/internal/util"
)

var (
	// ErrNotFound is returned when the backend does not hold a key.
	ErrNotFound = errors.New("cache: key not found")

	// ErrNotLoadable is returned when a key cannot be loaded, either because
	// no loader is configured or because the loader did not store it.
	ErrNotLoadable = errors.New("cache: key not loadable")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("cache: closed")
)

// notLoadable is the loader used until SetLoader is called.
func notLoadable[K comparable](_ context.Context, k K) error {
	return fmt.Errorf("%w: no loader configured for %v", ErrNotLoadable, k)
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Loads     int64
	Evictions int64
}

// AsyncCache is the policy layer shared by every backend: miss handling,
// load deduplication, eviction ordering and async submission.
// All methods are safe for concurrent use by multiple goroutines.
type AsyncCache[K comparable, V any] struct {
	backend Backend[K, V]
	opt     Options[K]
	log     log.Interface

	loader   atomic.Pointer[LoadFunc[K]]
	inflight *inflight[K]
	sf       singleflight.Group[K, V]
	closed   atomic.Bool

	_         util.CacheLinePad
	hits      util.PaddedCounter
	misses    util.PaddedCounter
	loads     util.PaddedCounter
	evictions util.PaddedCounter
}

// New builds an engine over backend.
// Defaults:
//   - nil Metrics -> NoopMetrics
//   - nil Logger  -> log.Log
//   - nil Loader  -> a loader failing with ErrNotLoadable
func New[K comparable, V any](backend Backend[K, V], opt Options[K]) *AsyncCache[K, V] {
	if backend == nil {
		panic("cache: nil backend")
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = log.Log
	}

	c := &AsyncCache[K, V]{
		backend:  backend,
		opt:      opt,
		log:      opt.Logger,
		inflight: newInflight[K](opt.Stripes),
	}
	fn := opt.Loader
	if fn == nil {
		fn = notLoadable[K]
	}
	c.loader.Store(&fn)
	return c
}

// SetLoader replaces the loader. A nil fn panics: an engine always has a
// loader, even if it is the one that refuses every key.
func (c *AsyncCache[K, V]) SetLoader(fn LoadFunc[K]) {
	if fn == nil {
		panic("cache: SetLoader(nil)")
	}
	c.loader.Store(&fn)
}

// MaxSize returns the configured bound (<= 0 means unbounded).
func (c *AsyncCache[K, V]) MaxSize() int64 { return c.opt.MaxSize }

// Get returns the stored value for k and refreshes its timestamp.
// It fails with ErrNotFound if the backend lacks k; it never loads.
func (c *AsyncCache[K, V]) Get(k K) (V, error) {
	var zero V
	if c.closed.Load() {
		return zero, ErrClosed
	}
	v, err := c.backend.Peek(k)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.misses.Add(1)
			c.opt.Metrics.Miss()
		}
		return zero, err
	}
	c.backend.Touch(k, c.now())
	c.hits.Add(1)
	c.opt.Metrics.Hit()
	return v, nil
}

// GetOrLoad returns the value for k, loading it on miss.
// Concurrent calls for the same key share one load.
func (c *AsyncCache[K, V]) GetOrLoad(ctx context.Context, k K) (V, error) {
	v, err := c.Get(k)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return v, err
	}

	c.inflight.inc(k)
	defer c.inflight.reset(k)

	v, _, err = c.sf.Do(ctx, k, func() (V, error) {
		var zero V
		// Another caller may have stored k between our miss and the flight.
		if v, err := c.backend.Peek(k); err == nil {
			c.backend.Touch(k, c.now())
			return v, nil
		}
		if err := c.Load(ctx, k); err != nil {
			return zero, err
		}
		v, err := c.backend.Peek(k)
		if errors.Is(err, ErrNotFound) {
			return zero, fmt.Errorf("%w: loader did not store %v", ErrNotLoadable, k)
		}
		if err != nil {
			return zero, err
		}
		c.backend.Touch(k, c.now())
		return v, nil
	})
	return v, err
}

// Lookup probes k without loading it.
// Backend errors other than ErrNotFound are returned as-is.
func (c *AsyncCache[K, V]) Lookup(k K) (Lookup[V], error) {
	if a, ok := c.backend.(Availability[K]); ok && !a.Available(k) {
		return Lookup[V]{Kind: Unavailable}, nil
	}
	v, err := c.Get(k)
	switch {
	case err == nil:
		return Lookup[V]{Kind: Hit, Value: v}, nil
	case errors.Is(err, ErrNotFound):
		return Lookup[V]{Kind: Miss}, nil
	default:
		return Lookup[V]{}, err
	}
}

// LoadAsync submits one batched load of every key in keys that is neither
// stored nor already in flight. It never blocks on the executor; the load
// runs detached from ctx's cancellation and its error is reported by
// Task.Wait.
func (c *AsyncCache[K, V]) LoadAsync(ctx context.Context, keys []K, ex Executor) (*Task[K], error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	var batch []K
	for _, k := range keys {
		if c.backend.Contains(k) {
			continue
		}
		if !c.inflight.claim(k) {
			continue
		}
		batch = append(batch, k)
	}

	t := newTask(batch)
	if len(batch) == 0 {
		t.finish(nil)
		return t, nil
	}

	bg := context.WithoutCancel(ctx)
	err := ex.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				for _, k := range batch {
					c.inflight.reset(k)
				}
				t.finish(fmt.Errorf("cache: load panicked: %v", r))
			}
		}()
		t.finish(c.Load(bg, batch...))
	})
	if err != nil {
		for _, k := range batch {
			c.inflight.reset(k)
		}
		return nil, fmt.Errorf("cache: submit load: %w", err)
	}
	return t, nil
}

// Load runs the loader for each key in order, stamps every loaded key and
// finally evicts. It stops at the first loader error, still evicting if
// earlier keys were loaded; in-flight counters of the whole batch are
// cleared either way.
func (c *AsyncCache[K, V]) Load(ctx context.Context, keys ...K) (err error) {
	if c.closed.Load() {
		return ErrClosed
	}
	fn := *c.loader.Load()
	start := time.Now()

	done := 0
	defer func() {
		for _, k := range keys[done:] {
			c.inflight.reset(k)
		}
	}()

	for _, k := range keys {
		if lerr := fn(ctx, k); lerr != nil {
			err = fmt.Errorf("cache: load %v: %w", k, lerr)
			break
		}
		c.inflight.reset(k)
		if c.backend.Contains(k) {
			c.backend.Touch(k, c.now())
		}
		done++
	}

	c.loads.Add(int64(done))
	c.opt.Metrics.Load(done, time.Since(start), err)
	if err != nil {
		c.log.WithError(err).Debugf("load stopped after %d of %d keys", done, len(keys))
		// Keys stored before the failure still count against MaxSize.
		if done > 0 {
			if eerr := c.Evict(); eerr != nil {
				return errors.Join(err, eerr)
			}
		}
		return err
	}
	return c.Evict()
}

// Evict deletes keys oldest-first until Backend.Size() <= MaxSize.
// A key deleted concurrently by another evictor is skipped.
func (c *AsyncCache[K, V]) Evict() error {
	if c.opt.MaxSize <= 0 {
		return nil
	}
	size, err := c.backend.Size()
	if err != nil {
		return fmt.Errorf("cache: size: %w", err)
	}

	for size > c.opt.MaxSize {
		keys := c.backend.KeysByAge()
		progressed := false
		for _, k := range keys {
			if size <= c.opt.MaxSize {
				break
			}
			if err := c.backend.Delete(k); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return fmt.Errorf("cache: evict %v: %w", k, err)
			}
			progressed = true
			c.evictions.Add(1)
			c.opt.Metrics.Evict(EvictCapacity)
			c.log.WithField("key", k).Debug("evicted")

			if size, err = c.backend.Size(); err != nil {
				return fmt.Errorf("cache: size: %w", err)
			}
		}
		if !progressed {
			c.log.WithField("size", size).WithField("max_size", c.opt.MaxSize).
				Warn("nothing left to evict")
			break
		}
	}
	c.opt.Metrics.Size(size)
	return nil
}

// InFlight returns the in-progress load counter for k.
func (c *AsyncCache[K, V]) InFlight(k K) int { return c.inflight.count(k) }

// Stats returns a snapshot of hit/miss/load/eviction counters.
func (c *AsyncCache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Loads:     c.loads.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Closed reports whether Close has been called.
func (c *AsyncCache[K, V]) Closed() bool { return c.closed.Load() }

// Close marks the engine closed. Loads already running finish normally.
func (c *AsyncCache[K, V]) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *AsyncCache[K, V]) now() int64 {
	if c.opt.Clock != nil {
		return c.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}
