package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/saworbit/space/internal/telemetry"
	"github.com/saworbit/space/internal/types"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition never became true")
}

func TestSubscribeObservesNewCapsuleEvent(t *testing.T) {
	hub := telemetry.NewHub(nil)
	reg := prometheus.NewRegistry()
	c := New(reg)
	detach := c.Subscribe(hub)
	defer detach()

	hub.Emit(telemetry.NewCapsuleEvent{
		CapsuleID:         types.NewCapsuleId(),
		LogicalSize:       4096,
		SegmentsNew:       2,
		SegmentsReuse:     1,
		DedupedBytesSaved: 512,
	})

	waitFor(t, func() bool { return testutil.ToFloat64(c.capsulesWritten) == 1 })
	require.Equal(t, float64(2), testutil.ToFloat64(c.segmentsUnique))
	require.Equal(t, float64(1), testutil.ToFloat64(c.segmentsReused))
	require.Equal(t, float64(3), testutil.ToFloat64(c.segmentsTotal))
	require.Equal(t, float64(512), testutil.ToFloat64(c.bytesSaved))
	require.InDelta(t, 2.0/3.0, testutil.ToFloat64(c.dedupRatio), 0.0001)
}

func TestSubscribeObservesLifecycleEvents(t *testing.T) {
	hub := telemetry.NewHub(nil)
	reg := prometheus.NewRegistry()
	c := New(reg)
	detach := c.Subscribe(hub)
	defer detach()

	hub.Emit(telemetry.CapsuleDeletedEvent{CapsuleID: types.NewCapsuleId()})
	hub.Emit(telemetry.SegmentsReclaimedEvent{SegmentIDs: []types.SegmentId{1, 2}, BytesFreed: 8192})
	hub.Emit(telemetry.WriteErrorEvent{Kind: "invalid_input"})

	waitFor(t, func() bool { return testutil.ToFloat64(c.capsulesDeleted) == 1 })
	waitFor(t, func() bool { return testutil.ToFloat64(c.gcReclaimed) == 2 })
	waitFor(t, func() bool { return testutil.ToFloat64(c.writeErrors.WithLabelValues("invalid_input")) == 1 })
}

func TestSubscribeStopsOnDetach(t *testing.T) {
	hub := telemetry.NewHub(nil)
	reg := prometheus.NewRegistry()
	c := New(reg)
	detach := c.Subscribe(hub)

	hub.Emit(telemetry.CapsuleDeletedEvent{CapsuleID: types.NewCapsuleId()})
	waitFor(t, func() bool { return testutil.ToFloat64(c.capsulesDeleted) == 1 })

	detach()
	hub.Emit(telemetry.CapsuleDeletedEvent{CapsuleID: types.NewCapsuleId()})
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, float64(1), testutil.ToFloat64(c.capsulesDeleted))
}
