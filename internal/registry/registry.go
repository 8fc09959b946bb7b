// Package registry implements the Capsule Registry: the authoritative
// mapping of capsules to their segment sequences, and per-segment reference
// counts, persisted as the JSON-shaped space.metadata document.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saworbit/space/internal/contentindex"
	"github.com/saworbit/space/internal/spaceerr"
	"github.com/saworbit/space/internal/types"
)

// Registry owns the capsule table and segment refcounts. It snapshots
// together with a ContentIndex, per the spec's note that the two are
// protected and persisted together.
type Registry struct {
	mu           sync.RWMutex
	path         string
	contentIndex *contentindex.ContentIndex
	logger       *zap.Logger

	capsules  map[types.CapsuleId]types.Capsule
	refcounts map[types.SegmentId]uint32
}

// Open loads the registry document at path (creating an empty one if
// absent) and hydrates the given ContentIndex from it.
func Open(path string, ci *contentindex.ContentIndex, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	doc, err := loadDocument(path)
	if err != nil {
		return nil, spaceerr.New(spaceerr.CorruptIndex, "registry.Open", err)
	}
	r := &Registry{
		path:         path,
		contentIndex: ci,
		logger:       logger,
		capsules:     make(map[types.CapsuleId]types.Capsule, len(doc.Capsules)),
		refcounts:    make(map[types.SegmentId]uint32),
	}
	for idStr, pc := range doc.Capsules {
		id, perr := types.ParseCapsuleId(idStr)
		if perr != nil {
			logger.Warn("registry: skipping capsule with unparseable id", zap.String("id", idStr), zap.Error(perr))
			continue
		}
		r.capsules[id] = pc.toCapsule(id)
	}
	contentStore := make(map[types.ContentHash]types.SegmentId, len(doc.ContentStore))
	for hexHash, segID := range doc.ContentStore {
		var h types.ContentHash
		if err := (&h).UnmarshalText([]byte(hexHash)); err != nil {
			logger.Warn("registry: skipping unparseable content hash", zap.String("hash", hexHash), zap.Error(err))
			continue
		}
		contentStore[h] = types.SegmentId(segID)
	}
	ci.LoadFrom(contentStore)
	return r, nil
}

// CreateCapsule allocates an id, records the capsule, and increments the
// refcount of each listed segment once per occurrence (duplicates within
// the list each increment independently).
func (r *Registry) CreateCapsule(policy types.Policy, segmentIDs []types.SegmentId, logicalSize, dedupedBytesSaved uint64, createdAt time.Time) (types.Capsule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := types.NewCapsuleId()
	for _, segID := range segmentIDs {
		r.refcounts[segID]++
	}
	cap := types.Capsule{
		ID:                id,
		PolicySnapshot:    policy,
		SegmentIDs:        append([]types.SegmentId(nil), segmentIDs...),
		LogicalSize:       logicalSize,
		DedupedBytesSaved: dedupedBytesSaved,
		CreatedAt:         createdAt,
	}
	r.capsules[id] = cap
	return cap, nil
}

// Lookup returns the capsule record, or NotFound.
func (r *Registry) Lookup(id types.CapsuleId) (types.Capsule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capsules[id]
	if !ok {
		return types.Capsule{}, spaceerr.New(spaceerr.NotFound, "registry.Lookup", fmt.Errorf("capsule %s", id))
	}
	return c, nil
}

// DeleteCapsule removes the capsule record and decrements the refcount of
// each listed segment, returning the set of segments whose refcount
// reached zero.
func (r *Registry) DeleteCapsule(id types.CapsuleId) ([]types.SegmentId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.capsules[id]
	if !ok {
		return nil, spaceerr.New(spaceerr.NotFound, "registry.DeleteCapsule", fmt.Errorf("capsule %s", id))
	}
	delete(r.capsules, id)

	var freed []types.SegmentId
	seen := make(map[types.SegmentId]bool)
	for _, segID := range c.SegmentIDs {
		if r.refcounts[segID] > 0 {
			r.refcounts[segID]--
		}
		if r.refcounts[segID] == 0 && !seen[segID] {
			freed = append(freed, segID)
			seen[segID] = true
		}
	}
	return freed, nil
}

// RefCount returns a segment's current reference count (0 if unknown).
func (r *Registry) RefCount(id types.SegmentId) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refcounts[id]
}

// ListCapsules streams a lightweight summary of every capsule on a channel,
// closed once exhausted or when ctx is done. The capsule table is snapshotted
// under the read lock before streaming begins, so the iteration reflects a
// single point in time and never holds the lock while the caller drains it.
func (r *Registry) ListCapsules(ctx context.Context) <-chan types.CapsuleSummary {
	r.mu.RLock()
	snapshot := make([]types.CapsuleSummary, 0, len(r.capsules))
	for id, c := range r.capsules {
		snapshot = append(snapshot, types.CapsuleSummary{ID: id, Size: c.LogicalSize, SegmentCount: len(c.SegmentIDs)})
	}
	r.mu.RUnlock()

	out := make(chan types.CapsuleSummary)
	go func() {
		defer close(out)
		for _, summary := range snapshot {
			select {
			case out <- summary:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ReconcileRefcounts recomputes every segment's refcount from the
// persisted capsule table, correcting drift. Mandatory at startup.
func (r *Registry) ReconcileRefcounts() map[types.SegmentId]uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	recomputed := make(map[types.SegmentId]uint32)
	for _, c := range r.capsules {
		for _, segID := range c.SegmentIDs {
			recomputed[segID]++
		}
	}
	for segID, want := range recomputed {
		if got := r.refcounts[segID]; got != want {
			r.logger.Warn("registry: refcount drift corrected",
				zap.Uint64("segment_id", uint64(segID)), zap.Uint32("had", got), zap.Uint32("want", want))
		}
	}
	for segID := range r.refcounts {
		if _, ok := recomputed[segID]; !ok {
			r.logger.Warn("registry: dropping stale refcount entry with no referencing capsule",
				zap.Uint64("segment_id", uint64(segID)))
		}
	}
	r.refcounts = recomputed
	out := make(map[types.SegmentId]uint32, len(recomputed))
	for k, v := range recomputed {
		out[k] = v
	}
	return out
}

// Snapshot performs an atomic write-to-temp-and-rename of the registry
// document, including the content index's exact map.
func (r *Registry) Snapshot() error {
	r.mu.RLock()
	doc := &document{
		Capsules:     make(map[string]persistedCapsule, len(r.capsules)),
		ContentStore: make(map[string]uint64),
	}
	for id, c := range r.capsules {
		doc.Capsules[id.String()] = fromCapsule(c)
	}
	r.mu.RUnlock()

	for h, segID := range r.contentIndex.Snapshot() {
		doc.ContentStore[h.String()] = uint64(segID)
	}
	if err := writeDocument(r.path, doc); err != nil {
		return spaceerr.New(spaceerr.DurabilityFailure, "registry.Snapshot", err)
	}
	return nil
}
