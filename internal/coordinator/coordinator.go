// Package coordinator runs the single drain loop that turns ready work-queue
// keys into diagnostics batches.
//
// One drain cycle:
//
//	Pop → ComputeDiagnostics per unit → one Batch → Forwarder.Emit → Done
//
// Cycles run on one goroutine, so batches leave in cycle order. A unit whose
// analysis fails, panics or times out is reported in Batch.Failures and never
// stops the cycle or the loop.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/snehjoshi/diagq/internal/analysis"
	"github.com/snehjoshi/diagq/internal/metrics"
	"github.com/snehjoshi/diagq/internal/node"
	"github.com/snehjoshi/diagq/internal/types"
	"github.com/snehjoshi/diagq/internal/workqueue"
)

const (
	// DefaultIdleInterval is the longest the loop sleeps with nothing pending
	// before it polls the queue again.
	DefaultIdleInterval = 250 * time.Millisecond

	// DefaultAnalysisTimeout bounds one ComputeDiagnostics call.
	DefaultAnalysisTimeout = 30 * time.Second
)

var (
	// ErrUnknownFile is returned by QueueDiagnostics for a file no unit owns.
	ErrUnknownFile = errors.New("coordinator: unknown file")

	// ErrEnginePanic wraps a value recovered from a panicking engine call.
	ErrEnginePanic = errors.New("coordinator: analysis engine panicked")

	// ErrStopped is returned by Analyze once Stop has been called.
	ErrStopped = errors.New("coordinator: stopped")
)

// Resolver maps files to their owning units and lists every known unit.
type Resolver interface {
	UnitOf(file types.FileID) (types.UnitID, bool)
	Units() []types.UnitID
}

// Emitter is the delivery gate a finished batch is handed to.
type Emitter interface {
	Kind() string
	Emit(batch types.Batch) bool
}

// FailureRecorder keeps track of units whose last analysis failed.
type FailureRecorder interface {
	Record(unit types.UnitID, err error)
	Clear(unit types.UnitID) bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithFailures attaches a failed-unit registry.
func WithFailures(f FailureRecorder) Option {
	return func(c *Coordinator) { c.failures = f }
}

// WithIdleInterval bounds how long the loop sleeps when nothing is pending.
func WithIdleInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.idle = d
		}
	}
}

// WithAnalysisTimeout bounds a single ComputeDiagnostics call. Zero disables
// the bound.
func WithAnalysisTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// Coordinator drains a work queue of units into diagnostics batches.
type Coordinator struct {
	queue    *workqueue.Queue[types.UnitID]
	engine   analysis.Engine
	resolver Resolver
	fwd      Emitter
	failures FailureRecorder
	metrics  *metrics.Registry
	log      *slog.Logger
	idle     time.Duration
	timeout  time.Duration

	// cycleMu serialises RunCycle so batches are emitted in cycle order even
	// when a caller runs a cycle by hand next to the background loop.
	cycleMu sync.Mutex
	cycles  atomic.Uint64

	// engineSlot holds one token per running engine call. A call that timed
	// out keeps its token until the engine actually returns.
	engineSlot chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Coordinator. Call Start to run the drain loop in the
// background, or RunCycle to drive it by hand.
func New(q *workqueue.Queue[types.UnitID], engine analysis.Engine, resolver Resolver, fwd Emitter, opts ...Option) *Coordinator {
	c := &Coordinator{
		queue:    q,
		engine:   engine,
		resolver: resolver,
		fwd:      fwd,
		log:      slog.Default(),
		idle:     DefaultIdleInterval,
		timeout:  DefaultAnalysisTimeout,
		done:     make(chan struct{}),

		engineSlot: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "coordinator")
	return c
}

// Push enqueues unit through the throttle window.
func (c *Coordinator) Push(unit types.UnitID) {
	c.queue.Push(unit)
	if c.metrics != nil {
		c.metrics.Pushes.Inc()
	}
}

// QueueDiagnostics pushes the unit that owns file.
func (c *Coordinator) QueueDiagnostics(file types.FileID) error {
	unit, ok := c.resolver.UnitOf(file)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFile, file)
	}
	c.Push(unit)
	return nil
}

// TriggerReAnalysis pushes every known unit and returns how many were pushed.
func (c *Coordinator) TriggerReAnalysis() int {
	units := c.resolver.Units()
	c.queue.PushAll(units...)
	if c.metrics != nil {
		c.metrics.Pushes.Add(float64(len(units)))
	}
	c.log.Debug("re-analysis triggered", "units", len(units))
	return len(units)
}

// Cycles returns the number of drain cycles that processed at least one unit.
func (c *Coordinator) Cycles() uint64 { return c.cycles.Load() }

// RunCycle performs one drain cycle. It returns false when no key was ready.
// The returned batch is the one handed to the forwarder; it is returned even
// when the forwarder is disabled. Every popped key is marked Done before
// RunCycle returns.
func (c *Coordinator) RunCycle(ctx context.Context) (types.Batch, bool) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	ready := c.queue.Pop()
	if c.metrics != nil {
		c.metrics.PendingUnits.Set(float64(c.queue.Len()))
	}
	if ready.Cardinality() == 0 {
		return types.Batch{}, false
	}

	units := ready.ToSlice()
	slices.Sort(units)
	defer c.queue.Done(units...)

	batch := types.Batch{
		ID:        node.MustNewID(),
		Kind:      c.fwd.Kind(),
		Cycle:     c.cycles.Add(1),
		CreatedAt: time.Now().UTC(),
		Files:     []types.FileResult{},
	}

	var (
		merr        *multierror.Error
		interrupted []types.UnitID
	)
	for i, unit := range units {
		if c.stopping(ctx) {
			c.log.Debug("drain cycle interrupted", "cycle", batch.Cycle, "remaining", len(units)-i)
			interrupted = append(interrupted, units[i:]...)
			break
		}
		files, err := c.Analyze(ctx, unit)
		switch {
		case err == nil:
			for _, fr := range files {
				if fr.Unit == "" {
					fr.Unit = unit
				}
				if fr.Diagnostics == nil {
					fr.Diagnostics = []types.Diagnostic{}
				}
				batch.Files = append(batch.Files, fr)
			}
			c.succeeded(unit)
		case errors.Is(err, analysis.ErrUnknownUnit):
			// Every file of the unit was closed after the push.
			c.log.Debug("skipping vanished unit", "unit", unit)
			c.succeeded(unit)
			c.queue.Forget(unit)
		case c.stopping(ctx):
			// Shutdown interrupted the call; the unit did not fail.
			c.log.Debug("analysis interrupted", "unit", unit, "err", err)
			interrupted = append(interrupted, unit)
		default:
			merr = multierror.Append(merr, fmt.Errorf("unit %s: %w", unit, err))
			batch.Failures = append(batch.Failures, types.UnitFailure{Unit: unit, Error: err.Error()})
			c.failed(unit, err)
		}
	}

	// Interrupted units stay pending so waiters do not see them as done.
	c.queue.PushAll(interrupted...)

	if c.metrics != nil {
		c.metrics.Cycles.Inc()
	}
	if err := merr.ErrorOrNil(); err != nil {
		c.log.Warn("drain cycle had failures", "cycle", batch.Cycle, "failed", len(batch.Failures), "err", err)
	}

	if batch.IsEmpty() {
		return batch, true
	}
	emitted := c.fwd.Emit(batch)
	if c.metrics != nil {
		if emitted {
			c.metrics.BatchesEmitted.Inc()
		} else {
			c.metrics.BatchesSuppressed.Inc()
		}
	}
	c.log.Debug("drain cycle complete",
		"cycle", batch.Cycle, "batch", batch.ID, "units", len(units),
		"files", len(batch.Files), "diagnostics", batch.DiagnosticCount(), "emitted", emitted)
	return batch, true
}

func (c *Coordinator) succeeded(unit types.UnitID) {
	if c.metrics != nil {
		c.metrics.UnitsAnalyzed.Inc()
	}
	if c.failures != nil && c.failures.Clear(unit) {
		c.log.Info("unit recovered", "unit", unit)
	}
}

func (c *Coordinator) failed(unit types.UnitID, err error) {
	if c.metrics != nil {
		c.metrics.UnitFailures.Inc()
	}
	if c.failures != nil {
		c.failures.Record(unit, err)
	}
}

type outcome struct {
	files []types.FileResult
	err   error
}

// stopping reports whether ctx is done or Stop has been called.
func (c *Coordinator) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Analyze runs the engine for one unit under the analysis timeout. The engine
// call runs on its own goroutine so that an engine ignoring ctx cannot stall
// the caller past the timeout. Calls never overlap: Analyze first waits for
// the previous call, including one that already timed out, to return. That
// wait counts against the timeout.
func (c *Coordinator) Analyze(ctx context.Context, unit types.UnitID) ([]types.FileResult, error) {
	actx, cancel := ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, c.timeout)
	}
	defer cancel()

	select {
	case <-c.done:
		return nil, ErrStopped
	default:
	}
	select {
	case c.engineSlot <- struct{}{}:
	case <-actx.Done():
		return nil, actx.Err()
	case <-c.done:
		return nil, ErrStopped
	}

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
		}
	}()

	ch := make(chan outcome, 1)
	go func() {
		defer func() { <-c.engineSlot }()
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("%w: %v", ErrEnginePanic, r)}
			}
		}()
		files, err := c.engine.ComputeDiagnostics(actx, unit)
		ch <- outcome{files: files, err: err}
	}()

	select {
	case out := <-ch:
		return out.files, out.err
	case <-actx.Done():
		return nil, actx.Err()
	}
}

// Start launches the background drain loop. Subsequent calls are no-ops.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run(ctx)
	})
}

// Stop signals the drain loop to exit and waits for the current cycle to
// finish. Units still pending in the queue are abandoned.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		if _, worked := c.RunCycle(ctx); worked {
			continue
		}

		wait := c.idle
		if d, ok := c.queue.NextReady(); ok && d < wait {
			wait = d
		}
		if wait <= 0 {
			// A key became ready between Pop and NextReady.
			continue
		}

		if t == nil {
			t = time.NewTimer(wait)
		} else {
			t.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-c.queue.Notify():
		case <-t.C:
		}
	}
}
