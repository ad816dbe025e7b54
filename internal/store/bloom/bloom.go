// Package bloom implements the tiered store's dedup front end: a
// probabilistic bloom filter backed by an exact-match cache, keyed by
// object sha, used to shortcut "have we already written this blob?"
// without a storage round trip.
package bloom

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/gitvault/server/internal/objects"
)

// Filter is a fixed-size bit array bloom filter using k independent
// xxhash-derived probes per key, guarded by a mutex for concurrent
// writers. False positives are possible by design; false negatives are
// not, so a negative answer always means "definitely not cached" and a
// positive answer must be confirmed against the exact cache or store.
type Filter struct {
	mu   sync.RWMutex
	bits []uint64
	k    int
	n    uint64 // bit count
}

// New creates a filter sized for roughly expectedItems entries at k
// hash probes. Defaults are tuned for a modest false-positive rate
// (~1%) at typical hot-tier population sizes.
func New(expectedItems int, k int) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1024
	}
	if k <= 0 {
		k = 4
	}
	bitCount := uint64(expectedItems * 10) // ~10 bits/item for k=4-7, ~1% FP
	words := (bitCount + 63) / 64
	if words == 0 {
		words = 1
	}
	return &Filter{bits: make([]uint64, words), k: k, n: words * 64}
}

func (f *Filter) probes(sha objects.ObjectID) []uint64 {
	h1 := xxhash.Sum64(sha[:])
	h2 := xxhash.Sum64(append(sha[:], 0xFF))
	out := make([]uint64, f.k)
	for i := 0; i < f.k; i++ {
		out[i] = (h1 + uint64(i)*h2) % f.n
	}
	return out
}

// Add records sha as present.
func (f *Filter) Add(sha objects.ObjectID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.probes(sha) {
		f.bits[p/64] |= 1 << (p % 64)
	}
}

// MaybeContains reports whether sha might be present. false is
// definitive; true requires confirmation against an exact source.
func (f *Filter) MaybeContains(sha objects.ObjectID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.probes(sha) {
		if f.bits[p/64]&(1<<(p%64)) == 0 {
			return false
		}
	}
	return true
}

// ExactCache is a small in-memory set of shas known to be present,
// used to resolve bloom-filter false positives and to serve as the
// write buffer's membership index before a flush lands.
type ExactCache struct {
	mu   sync.RWMutex
	shas map[objects.ObjectID]struct{}
}

// NewExactCache returns an empty cache.
func NewExactCache() *ExactCache {
	return &ExactCache{shas: make(map[objects.ObjectID]struct{})}
}

// Add marks sha present.
func (c *ExactCache) Add(sha objects.ObjectID) {
	c.mu.Lock()
	c.shas[sha] = struct{}{}
	c.mu.Unlock()
}

// Contains reports exact membership.
func (c *ExactCache) Contains(sha objects.ObjectID) bool {
	c.mu.RLock()
	_, ok := c.shas[sha]
	c.mu.RUnlock()
	return ok
}

// Remove clears sha from the cache (Store.Delete calls it).
func (c *ExactCache) Remove(sha objects.ObjectID) {
	c.mu.Lock()
	delete(c.shas, sha)
	c.mu.Unlock()
}

// Snapshot returns every sha currently tracked.
func (c *ExactCache) Snapshot() []objects.ObjectID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]objects.ObjectID, 0, len(c.shas))
	for s := range c.shas {
		out = append(out, s)
	}
	return out
}

// Clear empties the cache.
func (c *ExactCache) Clear() {
	c.mu.Lock()
	c.shas = make(map[objects.ObjectID]struct{})
	c.mu.Unlock()
}

// Len reports how many entries are currently tracked.
func (c *ExactCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.shas)
}
