package coordinator

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saworbit/space/internal/contentindex"
	"github.com/saworbit/space/internal/registry"
	"github.com/saworbit/space/internal/segmentlog"
	"github.com/saworbit/space/internal/spaceerr"
	"github.com/saworbit/space/internal/stage/crypto"
	"github.com/saworbit/space/internal/types"
)

type testStore struct {
	dir      string
	log      *segmentlog.Log
	registry *registry.Registry
	ci       *contentindex.ContentIndex
}

func openTestStore(t *testing.T) *testStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "coordinator-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	log, err := segmentlog.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	ci := contentindex.New(1024, 0.01, nil)
	reg, err := registry.Open(filepath.Join(dir, "space.metadata"), ci, nil)
	require.NoError(t, err)

	return &testStore{dir: dir, log: log, registry: reg, ci: ci}
}

func newTestCoordinator(t *testing.T, mode Mode) (*Coordinator, *testStore) {
	t.Helper()
	st := openTestStore(t)
	kr := crypto.NewKeyring(bytes.Repeat([]byte{0x09}, 32), nil)
	enc := crypto.NewEncryptor(kr, nil)
	var opts []Option
	if mode == Concurrent {
		opts = append(opts, WithMode(Concurrent, 4))
	}
	return New(st.log, st.registry, st.ci, enc, nil, opts...), st
}

func TestWriteReadSmallCapsuleNoEncryption(t *testing.T) {
	c, _ := newTestCoordinator(t, Sequential)
	policy := types.DefaultPolicy()

	id, err := c.WriteCapsule(context.Background(), bytes.NewReader([]byte("Hello SPACE!")), policy)
	require.NoError(t, err)

	out, err := c.ReadCapsule(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []byte("Hello SPACE!"), out)

	var summaries []types.CapsuleSummary
	for summary := range c.ListCapsules(context.Background()) {
		summaries = append(summaries, summary)
	}
	require.Len(t, summaries, 1)
	require.Equal(t, uint64(12), summaries[0].Size)
}

func TestWriteDedupHitsOnSecondWrite(t *testing.T) {
	c, _ := newTestCoordinator(t, Sequential)
	policy := types.DefaultPolicy()
	payload := bytes.Repeat([]byte{0x41}, SegmentSize)

	id1, err := c.WriteCapsule(context.Background(), bytes.NewReader(payload), policy)
	require.NoError(t, err)
	id2, err := c.WriteCapsule(context.Background(), bytes.NewReader(payload), policy)
	require.NoError(t, err)

	cap1, err := c.registry.Lookup(id1)
	require.NoError(t, err)
	cap2, err := c.registry.Lookup(id2)
	require.NoError(t, err)

	require.Equal(t, cap1.SegmentIDs, cap2.SegmentIDs)
	require.Greater(t, cap2.DedupedBytesSaved, uint64(0))
	require.Equal(t, uint32(2), c.registry.RefCount(cap1.SegmentIDs[0]))
}

func TestWriteWithEncryptionPreservesDedup(t *testing.T) {
	c, _ := newTestCoordinator(t, Sequential)
	policy := types.DefaultPolicy()
	policy.Encryption = types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256}
	payload := bytes.Repeat([]byte{0x41}, SegmentSize)

	id1, err := c.WriteCapsule(context.Background(), bytes.NewReader(payload), policy)
	require.NoError(t, err)
	id2, err := c.WriteCapsule(context.Background(), bytes.NewReader(payload), policy)
	require.NoError(t, err)

	cap1, err := c.registry.Lookup(id1)
	require.NoError(t, err)
	cap2, err := c.registry.Lookup(id2)
	require.NoError(t, err)
	require.Equal(t, cap1.SegmentIDs, cap2.SegmentIDs)

	out, err := c.ReadCapsule(context.Background(), id1)
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

// TestReadDetectsTamperedSegment flips a bit directly in the backing
// space.nvram file (bypassing the Log's API, which has no in-place write)
// to simulate on-disk corruption, then confirms the read fails closed.
func TestReadDetectsTamperedSegment(t *testing.T) {
	c, st := newTestCoordinator(t, Sequential)
	policy := types.DefaultPolicy()
	policy.Encryption = types.EncryptionPolicy{Scheme: types.EncryptionXTSAES256}

	id, err := c.WriteCapsule(context.Background(), bytes.NewReader([]byte("secret payload!!")), policy)
	require.NoError(t, err)

	cap, err := c.registry.Lookup(id)
	require.NoError(t, err)
	segID := cap.SegmentIDs[0]
	seg, err := c.log.Stat(segID)
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(st.dir, "space.nvram"), os.O_RDWR, 0o644)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, int64(seg.Offset))
	require.NoError(t, err)
	buf[0] ^= 0xFF
	_, err = f.WriteAt(buf, int64(seg.Offset))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = c.ReadCapsule(context.Background(), id)
	require.Error(t, err)
	require.True(t, spaceerr.Is(err, spaceerr.IntegrityFailure))
}

func TestDeleteAndGCReclaimsSegment(t *testing.T) {
	c, _ := newTestCoordinator(t, Sequential)
	policy := types.DefaultPolicy()
	payload := bytes.Repeat([]byte{0x42}, 1024)

	idA, err := c.WriteCapsule(context.Background(), bytes.NewReader(payload), policy)
	require.NoError(t, err)
	idB, err := c.WriteCapsule(context.Background(), bytes.NewReader(payload), policy)
	require.NoError(t, err)

	capA, err := c.registry.Lookup(idA)
	require.NoError(t, err)
	segID := capA.SegmentIDs[0]

	require.NoError(t, c.DeleteCapsule(idA))
	require.Equal(t, uint32(1), c.registry.RefCount(segID))

	require.NoError(t, c.DeleteCapsule(idB))
	require.Equal(t, uint32(0), c.registry.RefCount(segID))

	reclaimed, _, err := c.GC(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)

	_, err = c.log.Stat(segID)
	require.Error(t, err)

	idC, err := c.WriteCapsule(context.Background(), bytes.NewReader(payload), policy)
	require.NoError(t, err)
	capC, err := c.registry.Lookup(idC)
	require.NoError(t, err)
	require.NotEqual(t, segID, capC.SegmentIDs[0])
}

func TestWriteConcurrentModeMultiSegment(t *testing.T) {
	c, _ := newTestCoordinator(t, Concurrent)
	policy := types.DefaultPolicy()
	payload := make([]byte, SegmentSize*3+17)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	id, err := c.WriteCapsule(context.Background(), bytes.NewReader(payload), policy)
	require.NoError(t, err)

	out, err := c.ReadCapsule(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, payload, out)

	cap, err := c.registry.Lookup(id)
	require.NoError(t, err)
	require.Len(t, cap.SegmentIDs, 4)
}

func TestListCapsulesClosesOnContextCancellation(t *testing.T) {
	c, _ := newTestCoordinator(t, Sequential)
	policy := types.DefaultPolicy()
	for i := 0; i < 5; i++ {
		_, err := c.WriteCapsule(context.Background(), bytes.NewReader([]byte{byte(i)}), policy)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.ListCapsules(ctx)
	_, ok := <-ch
	require.True(t, ok)
	cancel()

	_, ok = <-ch
	require.False(t, ok)
}
