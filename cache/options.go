package cache

import (
	"time"

	"github.com/apex/log"
)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictCapacity: removed to bring Size() back under MaxSize.
	EvictCapacity EvictReason = iota
	// EvictOverlap: a stored copy superseded by a more complete one for the
	// same key (used by the dataset backend).
	EvictOverlap
)

// String returns a stable label for the reason.
func (r EvictReason) String() string {
	switch r {
	case EvictOverlap:
		return "overlap"
	default:
		return "capacity"
	}
}

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	// Load reports a finished load batch: how many keys were loaded, how
	// long it took and the error that stopped it, if any.
	Load(keys int, took time.Duration, err error)
	Evict(reason EvictReason)
	// Size reports Backend.Size() after an eviction pass.
	Size(size int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the engine. Zero values are safe; defaults are
// applied in New():
//   - MaxSize <= 0 => unbounded, Evict is a no-op
//   - nil Loader   => every load fails with ErrNotLoadable
//   - nil Metrics  => NoopMetrics
//   - nil Clock    => time.Now()
//   - nil Logger   => log.Log
//   - Stripes <= 0 => auto (≈ 2*GOMAXPROCS, power of two)
type Options[K comparable] struct {
	// MaxSize bounds Backend.Size(); its unit is whatever the backend measures.
	MaxSize int64

	// Loader stores a missing key in the backend. Used by GetOrLoad,
	// LoadAsync and Load.
	Loader LoadFunc[K]

	// Stripes is the number of lock stripes for the in-flight table.
	Stripes int

	// Observability
	Metrics Metrics
	Logger  log.Interface

	// Clock allows overriding the time source (tests). Nil => time.Now().
	Clock Clock
}
