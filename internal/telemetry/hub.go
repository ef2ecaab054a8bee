package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls this far behind starts losing envelopes.
	subscriberBuffer = 16

	dropLogInterval = 5 * time.Second
)

// Hub fans envelopes out to stream subscribers. Delivery never blocks the
// aggregator: a slow subscriber drops envelopes rather than stalling the
// snapshot loop.
type Hub struct {
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[int]chan Envelope
	nextID int

	dropped  atomic.Int64
	lastWarn atomic.Int64
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger,
		subs:   make(map[int]chan Envelope),
	}
}

// Subscribe registers a new stream consumer. The cancel function must be
// called when the consumer goes away; it closes the returned channel.
func (h *Hub) Subscribe() (<-chan Envelope, func()) {
	ch := make(chan Envelope, subscriberBuffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers env to every subscriber, dropping for any whose buffer
// is full. Drops are counted and logged at most once per interval.
func (h *Hub) Publish(env Envelope) {
	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- env:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.Unlock()

	if n := h.dropped.Load(); n > 0 && h.allowWarn(time.Now()) {
		h.logger.Warn("telemetry envelopes dropped for slow subscribers",
			zap.Int64("dropped", h.dropped.Swap(0)))
	}
}

// Subscribers reports the current stream consumer count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) allowWarn(now time.Time) bool {
	nano := now.UnixNano()
	last := h.lastWarn.Load()
	if nano-last < dropLogInterval.Nanoseconds() {
		return false
	}
	return h.lastWarn.CompareAndSwap(last, nano)
}
