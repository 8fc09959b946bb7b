package segmentlog

import (
	"go.uber.org/zap"

	"github.com/saworbit/space/internal/spaceerr"
	"github.com/saworbit/space/internal/types"
)

// pendingSegment is one not-yet-committed append.
type pendingSegment struct {
	id      types.SegmentId
	payload []byte
	meta    types.Segment // offset/length filled in at commit time
}

// Transaction batches staged appends for one capsule write, committed
// together with a single durability barrier. Only one Transaction may be
// active on a Log at a time — BeginTransaction blocks until any prior
// transaction commits or rolls back.
type Transaction struct {
	log        *Log
	pending    []pendingSegment
	baseNextID uint64
	baseTail   uint64
	done       bool
}

// BeginTransaction acquires the log's transaction lock and returns a fresh
// Transaction. Preparation work across different capsule writes may
// interleave freely; only the stage/commit step is serialized here.
func (l *Log) BeginTransaction() *Transaction {
	l.txMu.Lock()
	l.mu.RLock()
	tx := &Transaction{log: l, baseNextID: l.nextID, baseTail: l.store.tail()}
	l.mu.RUnlock()
	l.activeTx = tx
	return tx
}

// AppendStaged reserves a segment id and records the payload in the
// transaction's pending buffer. Does not touch disk.
func (tx *Transaction) AppendStaged(payload []byte, meta types.Segment) types.SegmentId {
	id := types.SegmentId(tx.baseNextID + uint64(len(tx.pending)))
	meta.ID = id
	meta.LengthOnDisk = uint64(len(payload))
	tx.pending = append(tx.pending, pendingSegment{id: id, payload: payload, meta: meta})
	return id
}

// Rollback discards pending payloads; never touches disk.
func (tx *Transaction) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.log.activeTx = nil
	tx.log.txMu.Unlock()
}

// Commit atomically writes all pending payloads to the log tail, updates
// the in-memory index, persists the index sidecar, and fsyncs both files.
// On any IO failure the store is truncated back to the pre-commit tail and
// the index additions are discarded.
func (tx *Transaction) Commit() ([]types.SegmentId, error) {
	if tx.done {
		return nil, spaceerr.New(spaceerr.DurabilityFailure, "segmentlog.Commit", errTransactionReused)
	}
	defer func() {
		tx.done = true
		tx.log.activeTx = nil
		tx.log.txMu.Unlock()
	}()

	l := tx.log
	ids := make([]types.SegmentId, 0, len(tx.pending))
	finalized := make([]types.Segment, 0, len(tx.pending))

	for _, p := range tx.pending {
		off, err := l.store.appendAt(p.payload)
		if err != nil {
			if terr := l.store.truncate(tx.baseTail); terr != nil {
				l.logger.Error("segmentlog: truncate after failed append also failed", zap.Error(terr))
			}
			return nil, spaceerr.New(spaceerr.DurabilityFailure, "segmentlog.Commit", err)
		}
		meta := p.meta
		meta.Offset = off
		finalized = append(finalized, meta)
		ids = append(ids, p.id)
	}

	if err := l.store.sync(); err != nil {
		if terr := l.store.truncate(tx.baseTail); terr != nil {
			l.logger.Error("segmentlog: truncate after failed fsync also failed", zap.Error(terr))
		}
		return nil, spaceerr.New(spaceerr.DurabilityFailure, "segmentlog.Commit", err)
	}

	l.mu.Lock()
	for _, seg := range finalized {
		l.index[seg.ID] = seg
	}
	l.nextID = tx.baseNextID + uint64(len(tx.pending))
	err := l.persistSidecarLocked()
	l.mu.Unlock()
	if err != nil {
		// The sidecar did not land: drop the new index entries and cut the
		// store back to the pre-commit tail. The transaction lock is still
		// held, so no other writer has appended past it.
		l.mu.Lock()
		for _, seg := range finalized {
			delete(l.index, seg.ID)
		}
		l.nextID = tx.baseNextID
		l.mu.Unlock()
		if terr := l.store.truncate(tx.baseTail); terr != nil {
			l.logger.Error("segmentlog: truncate after failed sidecar write also failed", zap.Error(terr))
		}
		return nil, spaceerr.New(spaceerr.DurabilityFailure, "segmentlog.Commit", err)
	}
	return ids, nil
}

var errTransactionReused = transactionReusedError{}

type transactionReusedError struct{}

func (transactionReusedError) Error() string { return "transaction already committed or rolled back" }
