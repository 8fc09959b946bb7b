// Package metrics exposes the capsule storage core's Prometheus collectors:
// dedup effectiveness, segment counts, and bytes saved. A Collector is wired
// up as a telemetry.Hub subscriber (Subscribe) rather than called directly
// by the coordinator, so every number it reports derives from the same
// events any other telemetry consumer sees.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/saworbit/space/internal/telemetry"
)

// Collector holds the core's registered gauges and counters.
type Collector struct {
	segmentsTotal   prometheus.Counter
	segmentsUnique  prometheus.Counter
	segmentsReused  prometheus.Counter
	dedupRatio      prometheus.Gauge
	bytesSaved      prometheus.Counter
	capsulesWritten prometheus.Counter
	capsulesDeleted prometheus.Counter
	gcReclaimed     prometheus.Counter
	writeErrors     *prometheus.CounterVec

	// uniqueCount and totalCount back the dedup ratio gauge with a running,
	// event-sourced tally, independent of any point-in-time log scan.
	uniqueCount int64
	totalCount  int64
}

// New registers the core's collectors against reg.
func New(reg prometheus.Registerer) *Collector {
	return &Collector{
		segmentsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "space_segments_total",
			Help: "space_segments_total counts every segment reference written by committed capsules: new appends plus dedup reuses.",
		}),
		segmentsUnique: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "space_segments_unique",
			Help: "space_segments_unique counts segments that required a new append, i.e. did not dedup against an existing hash.",
		}),
		segmentsReused: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "space_segments_reused",
			Help: "space_segments_reused counts segment references satisfied by an existing segment via dedup.",
		}),
		dedupRatio: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "space_dedup_ratio",
			Help: "space_dedup_ratio is the most recently computed unique/total segment reference ratio.",
		}),
		bytesSaved: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "space_bytes_saved_total",
			Help: "space_bytes_saved_total accumulates the stored (post-compression, post-encryption) bytes avoided writing to disk via dedup.",
		}),
		capsulesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "space_capsules_written_total",
			Help: "space_capsules_written_total counts successfully committed write_capsule calls.",
		}),
		capsulesDeleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "space_capsules_deleted_total",
			Help: "space_capsules_deleted_total counts successful delete_capsule calls.",
		}),
		gcReclaimed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "space_gc_segments_reclaimed_total",
			Help: "space_gc_segments_reclaimed_total counts segments whose metadata garbage collection removed; their bytes stay in the append-only log.",
		}),
		writeErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "space_write_errors_total",
				Help: "space_write_errors_total counts write_capsule failures by error kind.",
			},
			[]string{"kind"},
		),
	}
}

func (c *Collector) ObserveCapsuleWritten() { c.capsulesWritten.Inc() }

func (c *Collector) ObserveCapsuleDeleted() { c.capsulesDeleted.Inc() }

func (c *Collector) ObserveGCReclaimed(n int) { c.gcReclaimed.Add(float64(n)) }

func (c *Collector) ObserveWriteError(kind string) { c.writeErrors.WithLabelValues(kind).Inc() }

func (c *Collector) observeNewCapsule(ev telemetry.NewCapsuleEvent) {
	c.capsulesWritten.Inc()
	c.segmentsUnique.Add(float64(ev.SegmentsNew))
	c.segmentsReused.Add(float64(ev.SegmentsReuse))
	c.segmentsTotal.Add(float64(ev.SegmentsNew + ev.SegmentsReuse))
	c.bytesSaved.Add(float64(ev.DedupedBytesSaved))

	unique := atomic.AddInt64(&c.uniqueCount, int64(ev.SegmentsNew))
	total := atomic.AddInt64(&c.totalCount, int64(ev.SegmentsNew+ev.SegmentsReuse))
	if total > 0 {
		c.dedupRatio.Set(float64(unique) / float64(total))
	}
}

// Subscribe attaches the collector to hub and observes every event it emits
// in a dedicated goroutine until hub is closed or detach is called. It is
// the Collector's sole input: the coordinator never calls a Collector method
// directly, per the event-sourced design.
func (c *Collector) Subscribe(hub *telemetry.Hub) (detach func()) {
	ch, handle := hub.Attach()
	go func() {
		for ev := range ch {
			switch e := ev.(type) {
			case telemetry.NewCapsuleEvent:
				c.observeNewCapsule(e)
			case telemetry.CapsuleDeletedEvent:
				c.ObserveCapsuleDeleted()
			case telemetry.SegmentsReclaimedEvent:
				c.ObserveGCReclaimed(len(e.SegmentIDs))
			case telemetry.WriteErrorEvent:
				c.ObserveWriteError(e.Kind)
			}
		}
	}()
	return func() { hub.Detach(handle) }
}
