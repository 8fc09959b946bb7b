package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saworbit/space/internal/contentindex"
	"github.com/saworbit/space/internal/types"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir, err := os.MkdirTemp("", "registry-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	ci := contentindex.New(1024, 0.01, nil)
	r, err := Open(filepath.Join(dir, "space.metadata"), ci, nil)
	require.NoError(t, err)
	return r
}

func TestCreateLookupDeleteCapsule(t *testing.T) {
	r := openTestRegistry(t)
	policy := types.DefaultPolicy()

	c, err := r.CreateCapsule(policy, []types.SegmentId{1, 2, 2}, 100, 0, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, uint32(1), r.RefCount(1))
	require.Equal(t, uint32(2), r.RefCount(2))

	got, err := r.Lookup(c.ID)
	require.NoError(t, err)
	require.Equal(t, c.SegmentIDs, got.SegmentIDs)

	freed, err := r.DeleteCapsule(c.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []types.SegmentId{1, 2}, freed)

	_, err = r.Lookup(c.ID)
	require.Error(t, err)

	_, err = r.DeleteCapsule(c.ID)
	require.Error(t, err)
}

func TestReconcileRefcountsCorrectsDrift(t *testing.T) {
	r := openTestRegistry(t)
	policy := types.DefaultPolicy()
	_, err := r.CreateCapsule(policy, []types.SegmentId{5, 5, 6}, 10, 0, time.Unix(0, 0))
	require.NoError(t, err)

	r.mu.Lock()
	r.refcounts[5] = 99 // simulate drift
	r.mu.Unlock()

	recomputed := r.ReconcileRefcounts()
	require.Equal(t, uint32(2), recomputed[5])
	require.Equal(t, uint32(1), recomputed[6])
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "registry-test")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "space.metadata")

	ci := contentindex.New(1024, 0.01, nil)
	r, err := Open(path, ci, nil)
	require.NoError(t, err)

	hash := types.ContentHash{1, 1, 1}
	ci.Register(hash, 7)
	c, err := r.CreateCapsule(types.DefaultPolicy(), []types.SegmentId{7}, 4, 0, time.Unix(0, 0))
	require.NoError(t, err)
	require.NoError(t, r.Snapshot())

	ci2 := contentindex.New(1024, 0.01, nil)
	r2, err := Open(path, ci2, nil)
	require.NoError(t, err)
	got, err := r2.Lookup(c.ID)
	require.NoError(t, err)
	require.Equal(t, c.SegmentIDs, got.SegmentIDs)
	id, ok := ci2.Probe(hash)
	require.True(t, ok)
	require.Equal(t, types.SegmentId(7), id)
}
