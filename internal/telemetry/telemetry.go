// Package telemetry implements the capsule storage core's event hub: a
// non-blocking, multi-subscriber fanout of lifecycle events. A full
// subscriber channel drops the event for that subscriber rather than
// blocking the writer, and delivery problems are logged, never surfaced as
// an operation error — per the Telemetry error kind's scope.
package telemetry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/saworbit/space/internal/types"
)

// Event is implemented by every telemetry event type the hub can emit.
type Event interface {
	EventName() string
}

// NewCapsuleEvent fires after a capsule write commits successfully.
type NewCapsuleEvent struct {
	CapsuleID         types.CapsuleId
	LogicalSize       uint64
	SegmentsNew       int
	SegmentsReuse     int
	DedupedBytesSaved uint64
}

func (NewCapsuleEvent) EventName() string { return "new_capsule" }

// WriteErrorEvent fires whenever write_capsule fails, carrying the error's
// spaceerr.Kind so a subscriber (e.g. the metrics collector) can count
// failures by kind without the core depending on any specific sink.
type WriteErrorEvent struct {
	Kind string
}

func (WriteErrorEvent) EventName() string { return "write_error" }

// CapsuleDeletedEvent fires after delete_capsule removes a capsule's
// registry entry.
type CapsuleDeletedEvent struct {
	CapsuleID types.CapsuleId
}

func (CapsuleDeletedEvent) EventName() string { return "capsule_deleted" }

// SegmentsReclaimedEvent fires after garbage collection removes the metadata
// of zero-refcount segments. Their bytes stay in the append-only log;
// BytesFreed is the sum of their on-disk lengths.
type SegmentsReclaimedEvent struct {
	SegmentIDs []types.SegmentId
	BytesFreed uint64
}

func (SegmentsReclaimedEvent) EventName() string { return "segments_reclaimed" }

const subscriberBuffer = 64

// Hub fans Event values out to attached subscribers.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	logger      *zap.Logger
}

// NewHub constructs an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subscribers: make(map[int]chan Event), logger: logger}
}

// Attach registers a new subscriber and returns its channel and a handle for
// Detach.
func (h *Hub) Attach() (<-chan Event, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subscribers[id] = ch
	return ch, id
}

// Detach removes and closes the subscriber registered under handle.
func (h *Hub) Detach(handle int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[handle]; ok {
		delete(h.subscribers, handle)
		close(ch)
	}
}

// Emit fans ev out to every attached subscriber without blocking. A
// subscriber whose buffer is full has the event dropped for it, logged at
// warn level, and processing continues.
func (h *Hub) Emit(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("telemetry: dropping event for slow subscriber",
				zap.Int("subscriber", id), zap.String("event", ev.EventName()))
		}
	}
}

// Close detaches and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
