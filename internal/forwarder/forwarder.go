// Package forwarder gates delivery of diagnostics batches to an external
// listener.
//
// A Forwarder starts disabled. The first listener-facing call (a diagnostics
// request, a websocket subscription, ...) activates it, and from then on every
// completed batch is handed to the sink exactly once. While disabled, Emit is
// a no-op: the batch was still computed, it is just not delivered.
package forwarder

import (
	"sync/atomic"

	"github.com/snehjoshi/diagq/internal/types"
)

// DefaultKind is the label attached to every diagnostics batch.
const DefaultKind = "diagnostics"

// Sink receives emitted batches. Implementations must not retain and mutate
// the payload; it is shared with every other sink.
type Sink interface {
	Emit(kind string, payload types.Batch)
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(kind string, payload types.Batch)

// Emit calls f(kind, payload).
func (f SinkFunc) Emit(kind string, payload types.Batch) { f(kind, payload) }

// Forwarder delivers batches to a Sink once it has been enabled.
// All methods are safe for concurrent use.
type Forwarder struct {
	sink    Sink
	kind    string
	enabled atomic.Bool
}

// New creates a disabled Forwarder. An empty kind uses DefaultKind.
func New(sink Sink, kind string) *Forwarder {
	if kind == "" {
		kind = DefaultKind
	}
	return &Forwarder{sink: sink, kind: kind}
}

// Kind returns the label attached to emitted batches.
func (f *Forwarder) Kind() string { return f.kind }

// Enabled reports whether batches are currently delivered.
func (f *Forwarder) Enabled() bool { return f.enabled.Load() }

// SetEnabled sets the gate explicitly.
func (f *Forwarder) SetEnabled(v bool) { f.enabled.Store(v) }

// Activate enables the forwarder. It returns true only for the call that
// actually flipped the gate.
func (f *Forwarder) Activate() bool {
	return f.enabled.CompareAndSwap(false, true)
}

// Emit hands batch to the sink when enabled and reports whether it did.
func (f *Forwarder) Emit(batch types.Batch) bool {
	if !f.enabled.Load() || f.sink == nil {
		return false
	}
	f.sink.Emit(f.kind, batch)
	return true
}
