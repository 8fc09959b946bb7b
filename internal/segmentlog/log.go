// Package segmentlog implements the append-only Segment Log: durable
// append of opaque byte blobs keyed by an allocated SegmentId, a sidecar
// index for O(1) lookup, and staged transactions with all-or-nothing
// commit semantics. Adapted from the teacher's internal/log package (a
// Log owning a slice of segments each with its own store+index) down to a
// single store file plus one JSON sidecar index, matching the persisted
// layout named by the spec (space.nvram / space.nvram.segments).
package segmentlog

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/saworbit/space/internal/spaceerr"
	"github.com/saworbit/space/internal/types"
)

var ErrUnknownSchemaMajor = errors.New("segmentlog: unknown schema major version")

const (
	storeFileName   = "space.nvram"
	sidecarFileName = "space.nvram.segments"
)

// Log is the durable append-only segment store.
type Log struct {
	dir         string
	store       *store
	sidecarPath string
	logger      *zap.Logger

	mu     sync.RWMutex // guards index and nextID
	index  map[types.SegmentId]types.Segment
	nextID uint64

	txMu     sync.Mutex // serializes transactions: one capsule write at a time
	activeTx *Transaction
}

// Open loads (or creates) the log rooted at dir, performing startup
// recovery: the sidecar index is truncated to the longest prefix consistent
// with the physical store, with a warning logged on any drift.
func Open(dir string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := openStore(filepath.Join(dir, storeFileName))
	if err != nil {
		return nil, spaceerr.New(spaceerr.DurabilityFailure, "segmentlog.Open", err)
	}
	sidecarPath := filepath.Join(dir, sidecarFileName)
	doc, err := loadSidecar(sidecarPath)
	if err != nil {
		st.close()
		return nil, spaceerr.New(spaceerr.CorruptIndex, "segmentlog.Open", err)
	}

	l := &Log{
		dir:         dir,
		store:       st,
		sidecarPath: sidecarPath,
		logger:      logger,
		index:       make(map[types.SegmentId]types.Segment, len(doc.Segments)),
		nextID:      doc.NextID,
	}

	tail := st.tail()
	truncated := false
	for _, seg := range doc.Segments {
		if seg.Offset+seg.LengthOnDisk > tail {
			truncated = true
			logger.Warn("segmentlog: dropping index entry past store tail",
				zap.Uint64("segment_id", uint64(seg.ID)),
				zap.Uint64("offset", seg.Offset),
				zap.Uint64("length", seg.LengthOnDisk),
				zap.Uint64("tail", tail))
			continue
		}
		l.index[seg.ID] = seg
	}
	if truncated {
		if err := l.persistSidecarLocked(); err != nil {
			st.close()
			return nil, spaceerr.New(spaceerr.DurabilityFailure, "segmentlog.Open", err)
		}
	}
	return l, nil
}

// Read performs an O(1) index lookup then a positional read.
func (l *Log) Read(id types.SegmentId) ([]byte, types.Segment, error) {
	l.mu.RLock()
	seg, ok := l.index[id]
	l.mu.RUnlock()
	if !ok {
		return nil, types.Segment{}, spaceerr.New(spaceerr.NotFound, "segmentlog.Read", fmt.Errorf("segment %d", id))
	}
	b, err := l.store.readAt(seg.Offset, seg.LengthOnDisk)
	if err != nil {
		return nil, types.Segment{}, spaceerr.New(spaceerr.DurabilityFailure, "segmentlog.Read", err)
	}
	return b, seg, nil
}

// Stat returns a segment's persisted metadata without reading its payload.
func (l *Log) Stat(id types.SegmentId) (types.Segment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seg, ok := l.index[id]
	if !ok {
		return types.Segment{}, spaceerr.New(spaceerr.NotFound, "segmentlog.Stat", fmt.Errorf("segment %d", id))
	}
	return seg, nil
}

// DeleteMetadata removes a segment from the in-memory index and persisted
// sidecar. The physical bytes remain in the log file; log compaction is out
// of scope for this core.
func (l *Log) DeleteMetadata(id types.SegmentId) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.index[id]; !ok {
		return spaceerr.New(spaceerr.NotFound, "segmentlog.DeleteMetadata", fmt.Errorf("segment %d", id))
	}
	delete(l.index, id)
	if err := l.persistSidecarLocked(); err != nil {
		return spaceerr.New(spaceerr.DurabilityFailure, "segmentlog.DeleteMetadata", err)
	}
	return nil
}

// SetRefCount mirrors the Capsule Registry's authoritative refcount into
// this segment's persisted record, keeping the two sidecars consistent.
func (l *Log) SetRefCount(id types.SegmentId, count uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	seg, ok := l.index[id]
	if !ok {
		return spaceerr.New(spaceerr.NotFound, "segmentlog.SetRefCount", fmt.Errorf("segment %d", id))
	}
	if seg.RefCount == count {
		return nil
	}
	seg.RefCount = count
	l.index[id] = seg
	return l.persistSidecarLocked()
}

// List returns a snapshot of every indexed segment, for GC scans and
// registry reconciliation.
func (l *Log) List() []types.Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Segment, 0, len(l.index))
	for _, seg := range l.index {
		out = append(out, seg)
	}
	return out
}

func (l *Log) persistSidecarLocked() error {
	doc := &sidecarDocument{NextID: l.nextID, Segments: make([]types.Segment, 0, len(l.index))}
	for _, seg := range l.index {
		doc.Segments = append(doc.Segments, seg)
	}
	return writeSidecar(l.sidecarPath, doc)
}

// Close releases the underlying file handles.
func (l *Log) Close() error {
	return l.store.close()
}
