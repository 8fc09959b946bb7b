package contentindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/saworbit/space/internal/types"
)

func TestProbeRegisterUnregister(t *testing.T) {
	ci := New(1024, 0.01, nil)
	hash := types.ContentHash{1, 2, 3}

	_, ok := ci.Probe(hash)
	require.False(t, ok)

	ci.Register(hash, 42)
	id, ok := ci.Probe(hash)
	require.True(t, ok)
	require.Equal(t, types.SegmentId(42), id)

	ci.Unregister(hash)
	_, ok = ci.Probe(hash)
	require.False(t, ok)
}

func TestLoadFromRebuildsFilter(t *testing.T) {
	ci := New(1024, 0.01, nil)
	snap := map[types.ContentHash]types.SegmentId{
		{9, 9, 9}: 7,
	}
	ci.LoadFrom(snap)
	id, ok := ci.Probe(types.ContentHash{9, 9, 9})
	require.True(t, ok)
	require.Equal(t, types.SegmentId(7), id)
	require.Equal(t, 1, ci.Len())
}
