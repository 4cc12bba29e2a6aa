// Package broker is the central orchestrator for diagq.
//
// All application code (HTTP handlers, WebSocket, webhook consumer) talks to
// the Broker, never directly to the work queue or the analysis engine. This
// keeps the transports thin and the coupling low.
//
// Data flow:
//
//	Edit        → Broker.UpdateDocument → Coordinator.QueueDiagnostics → Queue.Push
//	Drain loop  → Queue.Pop → Engine.ComputeDiagnostics → Batch → Forwarder.Emit
//	Forwarder   → Hub (websocket, webhooks) + Journal + Log
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/snehjoshi/diagq/internal/analysis"
	"github.com/snehjoshi/diagq/internal/config"
	"github.com/snehjoshi/diagq/internal/coordinator"
	"github.com/snehjoshi/diagq/internal/dlq"
	"github.com/snehjoshi/diagq/internal/forwarder"
	"github.com/snehjoshi/diagq/internal/journal"
	"github.com/snehjoshi/diagq/internal/metrics"
	"github.com/snehjoshi/diagq/internal/sink"
	"github.com/snehjoshi/diagq/internal/types"
	"github.com/snehjoshi/diagq/internal/workqueue"
	"github.com/snehjoshi/diagq/internal/workspace"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrUnknownFile is returned when a file is not open in the workspace.
	ErrUnknownFile = coordinator.ErrUnknownFile

	// ErrJournalDisabled is returned by RecentBatches when journal.enabled is
	// false.
	ErrJournalDisabled = errors.New("broker: journal disabled")
)

// Stats is a lightweight snapshot of broker-wide state.
type Stats struct {
	NodeID           string `json:"node_id"`
	Documents        int    `json:"documents"`
	Units            int    `json:"units"`
	Pending          int    `json:"pending"`
	InFlight         int    `json:"in_flight"`
	Cycles           uint64 `json:"cycles"`
	FailedUnits      int    `json:"failed_units"`
	Subscribers      int    `json:"subscribers"`
	ForwarderEnabled bool   `json:"forwarder_enabled"`
	ThrottleMs       int64  `json:"throttle_ms"`
}

// UnitInfo lists the open files of one unit.
type UnitInfo struct {
	Unit  types.UnitID   `json:"unit"`
	Files []types.FileID `json:"files"`
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Broker.
type Option func(*Broker)

// WithMetrics attaches a metrics.Registry so that pushes, cycles and
// deliveries are counted.
func WithMetrics(reg *metrics.Registry) Option {
	return func(b *Broker) { b.metrics = reg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// WithEngine replaces the Go type-checking engine.
func WithEngine(e analysis.Engine) Option {
	return func(b *Broker) { b.engine = e }
}

// WithSink adds a listener that receives every forwarded batch next to the
// built-in hub and journal.
func WithSink(s forwarder.Sink) Option {
	return func(b *Broker) { b.extraSinks = append(b.extraSinks, s) }
}

// ─── Broker ───────────────────────────────────────────────────────────────────

// Broker wires together the workspace, work queue, coordinator, forwarder and
// sinks into a single façade used by every transport layer.
//
// All methods are safe for concurrent use.
type Broker struct {
	cfg    *config.Config
	nodeID string

	ws       *workspace.Workspace
	queue    *workqueue.Queue[types.UnitID]
	engine   analysis.Engine
	coord    *coordinator.Coordinator
	fwd      *forwarder.Forwarder
	hub      *sink.Hub
	journal  *journal.Journal
	failures *dlq.Registry

	cancel context.CancelFunc

	// Optional integrations (set via functional options).
	metrics    *metrics.Registry
	log        *slog.Logger
	extraSinks []forwarder.Sink
}

// New creates a Broker and starts its drain loop.
func New(cfg *config.Config, nodeID string, opts ...Option) (*Broker, error) {
	b := &Broker{
		cfg:      cfg,
		nodeID:   nodeID,
		ws:       workspace.New(),
		queue:    workqueue.New[types.UnitID](cfg.Throttle()),
		failures: dlq.NewRegistry(),
		hub:      sink.NewHub(sink.DefaultBuffer),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	if b.engine == nil {
		b.engine = analysis.NewGoEngine(b.ws)
	}

	sinks := sink.Multi{b.hub, sink.Log{Logger: b.log, Level: slog.LevelDebug}}
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.JournalPath(), cfg.Journal.Retain)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		b.journal = j
		sinks = append(sinks, j)
	}
	sinks = append(sinks, b.extraSinks...)

	b.fwd = forwarder.New(sinks, cfg.Forwarder.BatchKind)
	b.fwd.SetEnabled(cfg.Forwarder.EnabledOnStart)

	copts := []coordinator.Option{
		coordinator.WithLogger(b.log),
		coordinator.WithFailures(b.failures),
		coordinator.WithAnalysisTimeout(cfg.AnalysisTimeout()),
		coordinator.WithIdleInterval(cfg.IdleInterval()),
	}
	if b.metrics != nil {
		copts = append(copts, coordinator.WithMetrics(b.metrics))
	}
	b.coord = coordinator.New(b.queue, b.engine, b.ws, b.fwd, copts...)

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.coord.Start(ctx)
	return b, nil
}

// Close stops the drain loop and releases every sink.
func (b *Broker) Close() error {
	b.coord.Stop()
	b.cancel()
	b.hub.Close()
	if b.journal != nil {
		return b.journal.Close()
	}
	return nil
}

// NodeID returns the server identity.
func (b *Broker) NodeID() string { return b.nodeID }

// Hub exposes the batch fan-out for transports that manage their own
// subscriptions (webhooks).
func (b *Broker) Hub() *sink.Hub { return b.hub }

// Stats returns a lightweight snapshot of broker state.
func (b *Broker) Stats() Stats {
	return Stats{
		NodeID:           b.nodeID,
		Documents:        b.ws.Len(),
		Units:            len(b.ws.Units()),
		Pending:          b.queue.Len(),
		InFlight:         b.queue.InFlight(),
		Cycles:           b.coord.Cycles(),
		FailedUnits:      b.failures.Len(),
		Subscribers:      b.hub.Len(),
		ForwarderEnabled: b.fwd.Enabled(),
		ThrottleMs:       b.queue.Throttle().Milliseconds(),
	}
}

// ─── Documents ────────────────────────────────────────────────────────────────

// OpenDocument adds file to unit and schedules the unit for analysis.
func (b *Broker) OpenDocument(file types.FileID, unit types.UnitID, text string) (workspace.Document, error) {
	doc, err := b.ws.Open(file, unit, text)
	if err != nil {
		return workspace.Document{}, err
	}
	if err := b.coord.QueueDiagnostics(file); err != nil {
		return workspace.Document{}, err
	}
	return doc, nil
}

// UpdateDocument replaces the text of an open file and schedules its unit.
func (b *Broker) UpdateDocument(file types.FileID, text string) (workspace.Document, error) {
	doc, err := b.ws.Update(file, text)
	if err != nil {
		return workspace.Document{}, err
	}
	if err := b.coord.QueueDiagnostics(file); err != nil {
		return workspace.Document{}, err
	}
	return doc, nil
}

// CloseDocument removes file. The remaining files of its unit are
// re-analyzed, since they may have depended on it.
func (b *Broker) CloseDocument(file types.FileID) error {
	unit, err := b.ws.Close(file)
	if err != nil {
		return err
	}
	if len(b.ws.Files(unit)) > 0 {
		b.coord.Push(unit)
	} else {
		b.queue.Forget(unit)
	}
	return nil
}

// Document returns an open file.
func (b *Broker) Document(file types.FileID) (workspace.Document, error) {
	return b.ws.Get(file)
}

// Units lists every unit with its open files.
func (b *Broker) Units() []UnitInfo {
	units := b.ws.Units()
	out := make([]UnitInfo, 0, len(units))
	for _, u := range units {
		docs := b.ws.Files(u)
		files := make([]types.FileID, len(docs))
		for i, d := range docs {
			files[i] = d.File
		}
		out = append(out, UnitInfo{Unit: u, Files: files})
	}
	return out
}

// ─── Diagnostics ──────────────────────────────────────────────────────────────

// CodeCheck analyzes the unit owning file synchronously and returns its
// results. A listener asking for diagnostics activates the forwarder.
func (b *Broker) CodeCheck(ctx context.Context, file types.FileID) ([]types.FileResult, error) {
	unit, ok := b.ws.UnitOf(file)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, file)
	}
	b.ActivateForwarder()
	return b.coord.Analyze(ctx, unit)
}

// QueueDiagnostics schedules the unit owning file.
func (b *Broker) QueueDiagnostics(file types.FileID) error {
	return b.coord.QueueDiagnostics(file)
}

// StartDiagnostics activates the forwarder and schedules every unit. It
// returns the number of units pushed.
func (b *Broker) StartDiagnostics() int {
	b.ActivateForwarder()
	return b.coord.TriggerReAnalysis()
}

// ReAnalyze schedules every unit through the ordinary throttle path.
func (b *Broker) ReAnalyze() int {
	return b.coord.TriggerReAnalysis()
}

// WaitForPendingWork blocks until every unit has been analyzed, timeout
// elapses, or ctx ends. See workqueue.Queue.WaitForPendingWork.
func (b *Broker) WaitForPendingWork(ctx context.Context, units []types.UnitID, timeout time.Duration) bool {
	return b.queue.WaitForPendingWork(ctx, units, timeout)
}

// ─── Forwarder ────────────────────────────────────────────────────────────────

// ActivateForwarder enables batch delivery. It returns true if this call
// flipped the gate.
func (b *Broker) ActivateForwarder() bool {
	if b.fwd.Activate() {
		b.log.Info("forwarder activated", "kind", b.fwd.Kind())
		return true
	}
	return false
}

// SetForwarderEnabled sets the delivery gate explicitly.
func (b *Broker) SetForwarderEnabled(v bool) {
	b.fwd.SetEnabled(v)
	b.log.Info("forwarder toggled", "enabled", v)
}

// ForwarderEnabled reports whether batches are delivered.
func (b *Broker) ForwarderEnabled() bool { return b.fwd.Enabled() }

// Subscribe opens a live batch feed and activates the forwarder.
func (b *Broker) Subscribe() *sink.Subscription {
	b.ActivateForwarder()
	return b.hub.Subscribe()
}

// Unsubscribe closes a feed opened by Subscribe.
func (b *Broker) Unsubscribe(id string) error {
	return b.hub.Unsubscribe(id)
}

// RecentBatches returns up to n journalled batches, newest first.
func (b *Broker) RecentBatches(n int) ([]journal.Record, error) {
	if b.journal == nil {
		return nil, ErrJournalDisabled
	}
	return b.journal.Recent(n)
}

// ─── Failures ─────────────────────────────────────────────────────────────────

// Failures lists units whose last analysis failed.
func (b *Broker) Failures() []dlq.Entry {
	return b.failures.List()
}

// ReplayFailures pushes every failed unit back onto the queue.
func (b *Broker) ReplayFailures() int {
	return b.failures.Replay(b.coord)
}
