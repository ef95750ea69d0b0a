package cache

import (
	"sync"

	"github.com/IvanBrykalov/shardset/internal/util"
)

// inflight counts loads in progress per key. It is a deduplication hint:
// a counter may briefly read zero while a load is finishing, which only
// risks a redundant load.
type inflight[K comparable] struct {
	stripes []inflightStripe[K]
}

type inflightStripe[K comparable] struct {
	mu sync.Mutex
	n  map[K]int
	_  util.CacheLinePad
}

func newInflight[K comparable](stripes int) *inflight[K] {
	t := &inflight[K]{stripes: make([]inflightStripe[K], util.StripeCount(stripes))}
	for i := range t.stripes {
		t.stripes[i].n = make(map[K]int)
	}
	return t
}

func (t *inflight[K]) stripe(k K) *inflightStripe[K] {
	return &t.stripes[util.StripeIndex(util.Hash(k), len(t.stripes))]
}

// claim marks k in flight if nobody else has; it reports whether the caller
// now owns the load.
func (t *inflight[K]) claim(k K) bool {
	s := t.stripe(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.n[k] != 0 {
		return false
	}
	s.n[k] = 1
	return true
}

func (t *inflight[K]) inc(k K) {
	s := t.stripe(k)
	s.mu.Lock()
	s.n[k]++
	s.mu.Unlock()
}

func (t *inflight[K]) reset(k K) {
	s := t.stripe(k)
	s.mu.Lock()
	delete(s.n, k)
	s.mu.Unlock()
}

func (t *inflight[K]) count(k K) int {
	s := t.stripe(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n[k]
}
