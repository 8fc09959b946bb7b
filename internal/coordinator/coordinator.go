// Package coordinator implements the Write/Read Coordinator: the only
// component that talks to all four stages, the Segment Log, the Content
// Index, and the Capsule Registry. It owns the write protocol's
// prepare/stage/commit/publish pipeline, the read protocol's reverse walk,
// delete, and garbage collection.
package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saworbit/space/internal/contentindex"
	"github.com/saworbit/space/internal/registry"
	"github.com/saworbit/space/internal/segmentlog"
	"github.com/saworbit/space/internal/spaceerr"
	"github.com/saworbit/space/internal/stage/compress"
	"github.com/saworbit/space/internal/stage/crypto"
	"github.com/saworbit/space/internal/stage/hash"
	"github.com/saworbit/space/internal/telemetry"
	"github.com/saworbit/space/internal/types"
)

// SegmentSize is the fixed chunk size the write protocol segments input
// into; the final chunk of a capsule may be smaller.
const SegmentSize = 4 << 20

// Mode selects the coordinator's scheduling model for the prepare stage.
type Mode int

const (
	Sequential Mode = iota
	Concurrent
)

// Coordinator wires the stage chain, the Segment Log, the Content Index,
// and the Capsule Registry into the write/read/delete/gc protocols.
type Coordinator struct {
	log          *segmentlog.Log
	registry     *registry.Registry
	contentIndex *contentindex.ContentIndex
	encryptor    *crypto.Encryptor // nil: encryption unconditionally disabled for this store
	telemetryHub *telemetry.Hub
	logger       *zap.Logger

	mode           Mode
	maxConcurrency int
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

func WithMode(mode Mode, maxConcurrency int) Option {
	return func(c *Coordinator) {
		c.mode = mode
		if maxConcurrency > 0 {
			c.maxConcurrency = maxConcurrency
		}
	}
}

func WithTelemetry(hub *telemetry.Hub) Option {
	return func(c *Coordinator) { c.telemetryHub = hub }
}

// New builds a Coordinator. encryptor may be nil if the store never
// encrypts (policies must then request EncryptionDisabled).
func New(log *segmentlog.Log, reg *registry.Registry, ci *contentindex.ContentIndex, encryptor *crypto.Encryptor, logger *zap.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		log:            log,
		registry:       reg,
		contentIndex:   ci,
		encryptor:      encryptor,
		logger:         logger,
		mode:           Sequential,
		maxConcurrency: maxConcurrency(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func maxConcurrency() int {
	n := runtime.GOMAXPROCS(0) / 2
	if n < 1 {
		n = 1
	}
	return n
}

// preparedSegment is the prepare stage's output for one chunk, carrying its
// original input position so parallel preparation can be reordered.
type preparedSegment struct {
	index          int
	finalBytes     []byte
	contentHash    types.ContentHash
	originalLength uint64
	codec          types.CompressionCodec
	compressed     bool
	encryption     *types.EncryptionMeta
}

// WriteCapsule segments data, runs the stage chain per segment, and commits
// a new capsule. Returns the minted CapsuleId on success.
func (c *Coordinator) WriteCapsule(ctx context.Context, data io.Reader, policy types.Policy) (types.CapsuleId, error) {
	chunks, logicalSize, err := splitSegments(data)
	if err != nil {
		return types.CapsuleId{}, spaceerr.New(spaceerr.InvalidInput, "coordinator.WriteCapsule", err)
	}
	if len(chunks) == 0 {
		return types.CapsuleId{}, spaceerr.New(spaceerr.InvalidInput, "coordinator.WriteCapsule", fmt.Errorf("empty payload"))
	}

	prepared, err := c.prepare(ctx, chunks, policy)
	if err != nil {
		c.observeWriteError(err)
		return types.CapsuleId{}, err
	}

	staged, err := c.stageAndCommit(prepared, policy)
	if err != nil {
		c.observeWriteError(err)
		return types.CapsuleId{}, err
	}

	capsule, err := c.registry.CreateCapsule(policy, staged.segmentIDs, logicalSize, staged.dedupedBytesSaved, time.Now())
	if err != nil {
		return types.CapsuleId{}, err
	}
	c.mirrorRefcounts(staged.segmentIDs)
	if err := c.registry.Snapshot(); err != nil {
		return types.CapsuleId{}, err
	}

	c.emit(telemetry.NewCapsuleEvent{
		CapsuleID:         capsule.ID,
		LogicalSize:       logicalSize,
		SegmentsNew:       staged.newCount,
		SegmentsReuse:     staged.reuseCount,
		DedupedBytesSaved: staged.dedupedBytesSaved,
	})
	return capsule.ID, nil
}

// observeWriteError reports a failed write_capsule as telemetry, not a
// direct metrics call: any subscriber (the Prometheus collector included)
// counts it by kind via the emitted event.
func (c *Coordinator) observeWriteError(err error) {
	kind := "unknown"
	if se, ok := err.(*spaceerr.Error); ok {
		kind = string(se.Kind)
	}
	c.emit(telemetry.WriteErrorEvent{Kind: kind})
}

func splitSegments(data io.Reader) ([][]byte, uint64, error) {
	var chunks [][]byte
	var total uint64
	buf := make([]byte, SegmentSize)
	for {
		n, err := io.ReadFull(data, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			chunks = append(chunks, chunk)
			total += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}
	return chunks, total, nil
}

// prepare runs Compress → Hash → (optional Encrypt+MAC) over every chunk,
// sequentially or with bounded parallelism depending on mode, and returns
// results restored to input order.
func (c *Coordinator) prepare(ctx context.Context, chunks [][]byte, policy types.Policy) ([]preparedSegment, error) {
	if c.mode == Sequential || len(chunks) == 1 {
		out := make([]preparedSegment, len(chunks))
		for i, chunk := range chunks {
			ps, err := c.prepareOne(chunk, policy)
			if err != nil {
				return nil, err
			}
			ps.index = i
			out[i] = ps
		}
		return out, nil
	}

	out := make([]preparedSegment, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			ps, err := c.prepareOne(chunk, policy)
			if err != nil {
				return err
			}
			ps.index = i
			out[i] = ps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) prepareOne(chunk []byte, policy types.Policy) (preparedSegment, error) {
	res, err := compress.Compress(chunk, policy.Compression)
	if err != nil {
		return preparedSegment{}, spaceerr.New(spaceerr.CompressionFailed, "coordinator.prepareOne", err)
	}
	contentHash := hash.Sum(res.Data)

	ps := preparedSegment{
		finalBytes:     res.Data,
		contentHash:    contentHash,
		originalLength: uint64(res.OriginalLength),
		codec:          res.Codec,
		compressed:     res.Codec != types.CodecNone,
	}

	if policy.Encryption.Scheme == types.EncryptionDisabled {
		return ps, nil
	}
	if c.encryptor == nil {
		return preparedSegment{}, spaceerr.New(spaceerr.InvalidInput, "coordinator.prepareOne", fmt.Errorf("policy requests encryption but no encryptor is configured"))
	}
	ciphertext, meta, err := c.encryptor.Encrypt(res.Data, contentHash, policy.Encryption, policy.CryptoProfile)
	if err != nil {
		return preparedSegment{}, err
	}
	ps.finalBytes = ciphertext
	ps.encryption = meta
	return ps, nil
}

// stageResult is everything the post-commit publish step needs to finish a
// write.
type stageResult struct {
	segmentIDs        []types.SegmentId
	dedupedBytesSaved uint64
	newCount          int
	reuseCount        int
}

// stageAndCommit serializes the stage+commit step on the log's own
// transaction mutex: dedup decisions, in-transaction dedup, and the
// durability barrier.
func (c *Coordinator) stageAndCommit(prepared []preparedSegment, policy types.Policy) (stageResult, error) {
	tx := c.log.BeginTransaction()

	segmentIDs := make([]types.SegmentId, len(prepared))
	stagedThisTx := make(map[types.ContentHash]types.SegmentId)
	var newlyStaged []stagedNew
	var result stageResult

	for _, ps := range prepared {
		if policy.DedupEnabled {
			if id, ok := stagedThisTx[ps.contentHash]; ok {
				segmentIDs[ps.index] = id
				result.dedupedBytesSaved += uint64(len(ps.finalBytes))
				result.reuseCount++
				continue
			}
			if id, ok := c.contentIndex.Probe(ps.contentHash); ok {
				segmentIDs[ps.index] = id
				result.dedupedBytesSaved += uint64(len(ps.finalBytes))
				result.reuseCount++
				continue
			}
		}

		meta := types.Segment{
			Compressed:       ps.compressed,
			CompressionCodec: ps.codec,
			OriginalLength:   ps.originalLength,
			ContentHash:      &ps.contentHash,
			Encryption:       ps.encryption,
		}
		id := tx.AppendStaged(ps.finalBytes, meta)
		segmentIDs[ps.index] = id
		stagedThisTx[ps.contentHash] = id
		newlyStaged = append(newlyStaged, stagedNew{hash: ps.contentHash, id: id})
		result.newCount++
	}

	if _, err := tx.Commit(); err != nil {
		return stageResult{}, err
	}

	for _, ns := range newlyStaged {
		c.contentIndex.Register(ns.hash, ns.id)
	}

	result.segmentIDs = segmentIDs
	return result, nil
}

type stagedNew struct {
	hash types.ContentHash
	id   types.SegmentId
}

// mirrorRefcounts pushes the registry's just-updated authoritative
// refcounts for every segment touched by a write or delete into the log's
// sidecar, keeping the two persisted records consistent (per the spec's
// note that Segment.ref_count mirrors the registry).
func (c *Coordinator) mirrorRefcounts(segmentIDs []types.SegmentId) {
	seen := make(map[types.SegmentId]bool, len(segmentIDs))
	for _, id := range segmentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		count := c.registry.RefCount(id)
		if err := c.log.SetRefCount(id, count); err != nil {
			c.logger.Warn("coordinator: failed mirroring refcount into log",
				zap.Uint64("segment_id", uint64(id)), zap.Error(err))
		}
	}
}

// ReadCapsule reverses the write pipeline: lookup, then per segment verify
// MAC, decrypt, decompress, and concatenate.
func (c *Coordinator) ReadCapsule(ctx context.Context, id types.CapsuleId) ([]byte, error) {
	capsule, err := c.registry.Lookup(id)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	for _, segID := range capsule.SegmentIDs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		raw, seg, err := c.log.Read(segID)
		if err != nil {
			return nil, err
		}

		plain := raw
		if seg.Encryption != nil {
			if c.encryptor == nil {
				return nil, spaceerr.New(spaceerr.IntegrityFailure, "coordinator.ReadCapsule", fmt.Errorf("segment %d is encrypted but no encryptor is configured", segID))
			}
			plain, err = c.encryptor.Decrypt(raw, seg.Encryption)
			if err != nil {
				return nil, err
			}
		}
		if seg.Compressed {
			plain, err = compress.Decompress(plain, seg.CompressionCodec, int(seg.OriginalLength))
			if err != nil {
				return nil, spaceerr.New(spaceerr.CompressionFailed, "coordinator.ReadCapsule", err)
			}
		}
		out.Write(plain)
	}
	return out.Bytes(), nil
}

// DeleteCapsule removes the capsule record, decrements segment refcounts,
// and unregisters any segment whose refcount reaches zero from the content
// index and log metadata.
func (c *Coordinator) DeleteCapsule(id types.CapsuleId) error {
	capsule, err := c.registry.Lookup(id)
	if err != nil {
		return err
	}
	freed, err := c.registry.DeleteCapsule(id)
	if err != nil {
		return err
	}
	c.mirrorRefcounts(capsule.SegmentIDs)
	for _, segID := range freed {
		seg, serr := c.log.Stat(segID)
		if serr == nil && seg.ContentHash != nil {
			c.contentIndex.Unregister(*seg.ContentHash)
		}
		if derr := c.log.DeleteMetadata(segID); derr != nil {
			c.logger.Warn("coordinator: failed to delete freed segment metadata", zap.Uint64("segment_id", uint64(segID)), zap.Error(derr))
		}
	}
	if err := c.registry.Snapshot(); err != nil {
		return err
	}
	c.emit(telemetry.CapsuleDeletedEvent{CapsuleID: id})
	return nil
}

// GC scans the log for zero-refcount segments (per the registry's
// reconciled view) and reclaims their metadata.
func (c *Coordinator) GC(ctx context.Context) (int, uint64, error) {
	c.registry.ReconcileRefcounts()

	var reclaimedIDs []types.SegmentId
	var bytesFreed uint64
	for _, seg := range c.log.List() {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		default:
		}
		if c.registry.RefCount(seg.ID) > 0 {
			continue
		}
		if seg.ContentHash != nil {
			c.contentIndex.Unregister(*seg.ContentHash)
		}
		if err := c.log.DeleteMetadata(seg.ID); err != nil {
			c.logger.Warn("coordinator: gc failed to delete segment metadata", zap.Uint64("segment_id", uint64(seg.ID)), zap.Error(err))
			continue
		}
		reclaimedIDs = append(reclaimedIDs, seg.ID)
		bytesFreed += seg.LengthOnDisk
	}

	if len(reclaimedIDs) == 0 {
		return 0, 0, nil
	}
	if err := c.registry.Snapshot(); err != nil {
		return 0, 0, err
	}
	c.emit(telemetry.SegmentsReclaimedEvent{SegmentIDs: reclaimedIDs, BytesFreed: bytesFreed})
	return len(reclaimedIDs), bytesFreed, nil
}

// Stats returns the core's aggregate counters, computed fresh from the log's
// current state rather than any telemetry subscriber's running totals.
// segments_total counts every logical segment reference across all capsules
// (physical segments plus dedup reuses); segments_unique counts distinct
// physical segments. The Prometheus dedup ratio gauge is a separate,
// event-sourced value (see metrics.Collector) and may diverge from this
// snapshot after a GC run, since reclaimed segments leave no trace in either
// counter stream.
func (c *Coordinator) Stats() types.Stats {
	segments := c.log.List()
	unique := len(segments)

	var total int
	var bytesSaved uint64
	for _, seg := range segments {
		refs := int(seg.RefCount)
		if refs == 0 {
			refs = 1 // not yet referenced by any capsule, but still one physical unit
		}
		total += refs
		if refs > 1 {
			bytesSaved += seg.LengthOnDisk * uint64(refs-1)
		}
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(unique) / float64(total)
	}
	return types.Stats{
		SegmentsTotal:  total,
		SegmentsUnique: unique,
		DedupRatio:     ratio,
		BytesSaved:     bytesSaved,
	}
}

// ListCapsules streams a lightweight summary of every capsule, closed once
// exhausted or when ctx is done.
func (c *Coordinator) ListCapsules(ctx context.Context) <-chan types.CapsuleSummary {
	return c.registry.ListCapsules(ctx)
}

// AttachTelemetry registers a new telemetry subscriber, if a hub is wired.
func (c *Coordinator) AttachTelemetry() (<-chan telemetry.Event, int, bool) {
	if c.telemetryHub == nil {
		return nil, 0, false
	}
	ch, handle := c.telemetryHub.Attach()
	return ch, handle, true
}

// DetachTelemetry removes a subscriber previously returned by
// AttachTelemetry.
func (c *Coordinator) DetachTelemetry(handle int) {
	if c.telemetryHub != nil {
		c.telemetryHub.Detach(handle)
	}
}

func (c *Coordinator) emit(ev telemetry.Event) {
	if c.telemetryHub == nil {
		return
	}
	c.telemetryHub.Emit(ev)
}
