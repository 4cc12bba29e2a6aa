// Package sink provides the listeners a forwarder can deliver batches to.
//
//   - Hub   fans every batch out to per-subscriber channels.
//   - Multi emits to several sinks in order.
//   - Log   writes one structured log line per batch.
package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/diagq/internal/forwarder"
	"github.com/snehjoshi/diagq/internal/node"
	"github.com/snehjoshi/diagq/internal/types"
)

// DefaultBuffer is the per-subscriber channel capacity used when NewHub is
// given a non-positive size.
const DefaultBuffer = 64

// ErrSubscriptionNotFound is returned by Unsubscribe for an unknown ID.
var ErrSubscriptionNotFound = errors.New("sink: subscription not found")

// Event is one delivered batch together with its kind label.
type Event struct {
	Kind  string      `json:"kind"`
	Batch types.Batch `json:"batch"`
}

// Subscription is a live feed of events from a Hub.
type Subscription struct {
	ID string
	C  <-chan Event

	ch      chan Event
	dropped atomic.Uint64
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Hub broadcasts emitted batches to every subscriber. A slow subscriber never
// blocks the emitter: when its buffer is full the event is dropped for that
// subscriber only. All methods are safe for concurrent use.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

// NewHub creates a Hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]*Subscription)}
}

// Subscribe registers a new subscriber. On a closed Hub the returned
// subscription's channel is already closed.
func (h *Hub) Subscribe() *Subscription {
	ch := make(chan Event, h.buffer)
	s := &Subscription{ID: node.MustNewID(), C: ch, ch: ch}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s.ID] = s
	return s
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	delete(h.subs, id)
	close(s.ch)
	return nil
}

// Emit implements forwarder.Sink.
func (h *Hub) Emit(kind string, payload types.Batch) {
	ev := Event{Kind: kind, Batch: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later Emits are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}

// Multi emits every batch to each sink in order. Nil entries are skipped.
type Multi []forwarder.Sink

// Emit implements forwarder.Sink.
func (m Multi) Emit(kind string, payload types.Batch) {
	for _, s := range m {
		if s != nil {
			s.Emit(kind, payload)
		}
	}
}

// Log writes a summary line per batch.
type Log struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Emit implements forwarder.Sink.
func (l Log) Emit(kind string, payload types.Batch) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), l.Level, "batch emitted",
		"kind", kind,
		"batch", payload.ID,
		"cycle", payload.Cycle,
		"files", len(payload.Files),
		"diagnostics", payload.DiagnosticCount(),
		"failures", len(payload.Failures),
	)
}
