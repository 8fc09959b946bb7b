// Package contentindex implements the fast "have I seen this content
// before" lookup: a counting probabilistic pre-filter in front of an exact
// content-hash-to-segment map.
package contentindex

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saworbit/space/internal/types"
)

const (
	DefaultCapacity = 10_000_000
	DefaultFPR      = 0.001
)

// ContentIndex is the in-memory {content_hash -> segment_id} map guarded by
// a counting Bloom pre-filter.
type ContentIndex struct {
	mu     sync.RWMutex
	filter *countingBloom
	exact  map[types.ContentHash]types.SegmentId
	logger *zap.Logger
}

func New(capacity uint64, fpr float64, logger *zap.Logger) *ContentIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContentIndex{
		filter: newCountingBloom(capacity, fpr),
		exact:  make(map[types.ContentHash]types.SegmentId),
		logger: logger,
	}
}

// Probe consults the pre-filter first; on a positive it consults the exact
// map, which is authoritative (the filter can false-positive but never
// false-negative).
func (ci *ContentIndex) Probe(hash types.ContentHash) (types.SegmentId, bool) {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	if !ci.filter.mayContain(hash[:]) {
		return 0, false
	}
	id, ok := ci.exact[hash]
	return id, ok
}

// Register is idempotent: registering a hash that is already mapped is a
// no-op, on both the exact map and the pre-filter counters.
func (ci *ContentIndex) Register(hash types.ContentHash, id types.SegmentId) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if _, ok := ci.exact[hash]; ok {
		return
	}
	ci.exact[hash] = id
	ci.filter.increment(hash[:])
}

// Unregister removes the exact mapping and decrements the pre-filter
// counters. No-op if the hash is unknown.
func (ci *ContentIndex) Unregister(hash types.ContentHash) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if _, ok := ci.exact[hash]; !ok {
		return
	}
	delete(ci.exact, hash)
	ci.filter.decrement(hash[:])
}

// Snapshot returns a copy of the exact map, for the registry to persist
// alongside the capsule table.
func (ci *ContentIndex) Snapshot() map[types.ContentHash]types.SegmentId {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	out := make(map[types.ContentHash]types.SegmentId, len(ci.exact))
	for h, id := range ci.exact {
		out[h] = id
	}
	return out
}

// LoadFrom rebuilds the exact map and pre-filter from a persisted snapshot,
// used at startup since only the exact map is persisted (per the spec, the
// pre-filter is reconstructed on startup from the exact map).
func (ci *ContentIndex) LoadFrom(snapshot map[types.ContentHash]types.SegmentId) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.exact = make(map[types.ContentHash]types.SegmentId, len(snapshot))
	for h, id := range snapshot {
		ci.exact[h] = id
		ci.filter.increment(h[:])
	}
	ci.logger.Info("contentindex: rebuilt pre-filter from persisted exact map", zap.Int("entries", len(snapshot)))
}

// Len reports the number of entries in the exact map, used by the
// administrative surface to judge pre-filter load factor.
func (ci *ContentIndex) Len() int {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	return len(ci.exact)
}
