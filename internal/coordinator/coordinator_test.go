package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/diagq/internal/analysis"
	"github.com/snehjoshi/diagq/internal/coordinator"
	"github.com/snehjoshi/diagq/internal/dlq"
	"github.com/snehjoshi/diagq/internal/forwarder"
	"github.com/snehjoshi/diagq/internal/metrics"
	"github.com/snehjoshi/diagq/internal/types"
	"github.com/snehjoshi/diagq/internal/workqueue"
	"github.com/snehjoshi/diagq/internal/workspace"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type collector struct {
	mu      sync.Mutex
	batches []types.Batch
	kinds   []string
}

func (c *collector) Emit(kind string, b types.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
	c.batches = append(c.batches, b)
}

func (c *collector) snapshot() []types.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Batch(nil), c.batches...)
}

// echoEngine returns one clean result per file named "<unit>.go".
func echoEngine() analysis.Engine {
	return analysis.EngineFunc(func(_ context.Context, u types.UnitID) ([]types.FileResult, error) {
		return []types.FileResult{{File: types.FileID(u) + ".go", Unit: u}}, nil
	})
}

type fixture struct {
	q    *workqueue.Queue[types.UnitID]
	ws   *workspace.Workspace
	fwd  *forwarder.Forwarder
	sink *collector
	c    *coordinator.Coordinator
}

func newFixture(t *testing.T, engine analysis.Engine, opts ...coordinator.Option) *fixture {
	t.Helper()
	f := &fixture{
		q:    workqueue.New[types.UnitID](0),
		ws:   workspace.New(),
		sink: &collector{},
	}
	f.fwd = forwarder.New(f.sink, "")
	f.fwd.SetEnabled(true)
	f.c = coordinator.New(f.q, engine, f.ws, f.fwd, opts...)
	return f
}

// ─── RunCycle ─────────────────────────────────────────────────────────────────

func TestRunCycle_NothingReady(t *testing.T) {
	f := newFixture(t, echoEngine())

	_, ok := f.c.RunCycle(context.Background())
	assert.False(t, ok)
	assert.Empty(t, f.sink.snapshot())
	assert.Equal(t, uint64(0), f.c.Cycles())
}

func TestRunCycle_OneBatchPerPop(t *testing.T) {
	f := newFixture(t, echoEngine())
	f.c.Push("a")
	f.c.Push("b")
	f.c.Push("c")

	batch, ok := f.c.RunCycle(context.Background())
	require.True(t, ok)
	assert.Len(t, batch.Files, 3)
	assert.Equal(t, uint64(1), batch.Cycle)
	assert.NotEmpty(t, batch.ID)

	got := f.sink.snapshot()
	require.Len(t, got, 1, "all keys from one pop go into exactly one batch")
	for _, u := range []types.UnitID{"a", "b", "c"} {
		fr, found := got[0].Lookup(types.FileID(u) + ".go")
		require.True(t, found, "missing result for %s", u)
		assert.Equal(t, u, fr.Unit)
		assert.NotNil(t, fr.Diagnostics)
	}
	assert.Equal(t, []string{forwarder.DefaultKind}, f.sink.kinds)
	assert.Equal(t, 0, f.q.InFlight(), "popped keys are marked done")
}

func TestRunCycle_DisabledForwarderStillComputes(t *testing.T) {
	var calls int
	engine := analysis.EngineFunc(func(_ context.Context, u types.UnitID) ([]types.FileResult, error) {
		calls++
		return []types.FileResult{{File: "x.go", Unit: u}}, nil
	})
	reg := metrics.New()
	f := newFixture(t, engine, coordinator.WithMetrics(reg))
	f.fwd.SetEnabled(false)

	f.c.Push("a")
	batch, ok := f.c.RunCycle(context.Background())
	require.True(t, ok)
	assert.Equal(t, 1, calls)
	assert.Len(t, batch.Files, 1)
	assert.Empty(t, f.sink.snapshot(), "no delivery while disabled")
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BatchesSuppressed))

	f.fwd.Activate()
	f.c.Push("a")
	_, ok = f.c.RunCycle(context.Background())
	require.True(t, ok)
	assert.Len(t, f.sink.snapshot(), 1, "next completed cycle after enabling is delivered")
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.BatchesEmitted))
}

func TestRunCycle_FailureIsolation(t *testing.T) {
	engine := analysis.EngineFunc(func(_ context.Context, u types.UnitID) ([]types.FileResult, error) {
		if u == "bad" {
			return nil, errors.New("compiler exploded")
		}
		return []types.FileResult{{File: types.FileID(u) + ".go", Unit: u}}, nil
	})
	failures := dlq.NewRegistry()
	reg := metrics.New()
	f := newFixture(t, engine, coordinator.WithFailures(failures), coordinator.WithMetrics(reg))

	f.c.Push("good")
	f.c.Push("bad")
	f.c.Push("other")

	batch, ok := f.c.RunCycle(context.Background())
	require.True(t, ok)
	assert.Len(t, batch.Files, 2)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, types.UnitID("bad"), batch.Failures[0].Unit)
	assert.Contains(t, batch.Failures[0].Error, "compiler exploded")

	e, recorded := failures.Get("bad")
	require.True(t, recorded)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(reg.UnitsAnalyzed))
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.UnitFailures))

	// The failing unit does not poison later cycles.
	f.c.Push("good")
	batch, ok = f.c.RunCycle(context.Background())
	require.True(t, ok)
	assert.Len(t, batch.Files, 1)
	assert.Empty(t, batch.Failures)
}

func TestRunCycle_RecoveryClearsFailure(t *testing.T) {
	fail := true
	engine := analysis.EngineFunc(func(_ context.Context, u types.UnitID) ([]types.FileResult, error) {
		if fail {
			return nil, errors.New("transient")
		}
		return []types.FileResult{{File: "f.go", Unit: u}}, nil
	})
	failures := dlq.NewRegistry()
	f := newFixture(t, engine, coordinator.WithFailures(failures))

	f.c.Push("u")
	f.c.RunCycle(context.Background())
	assert.Equal(t, 1, failures.Len())

	fail = false
	assert.Equal(t, 1, failures.Replay(f.q))
	f.c.RunCycle(context.Background())
	assert.Equal(t, 0, failures.Len())
}

func TestRunCycle_EnginePanicIsContained(t *testing.T) {
	engine := analysis.EngineFunc(func(_ context.Context, u types.UnitID) ([]types.FileResult, error) {
		if u == "boom" {
			panic("nil map write")
		}
		return []types.FileResult{{File: "ok.go", Unit: u}}, nil
	})
	f := newFixture(t, engine)
	f.c.Push("boom")
	f.c.Push("fine")

	batch, ok := f.c.RunCycle(context.Background())
	require.True(t, ok)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, types.UnitID("boom"), batch.Failures[0].Unit)
	assert.Contains(t, batch.Failures[0].Error, "panicked")
	assert.Len(t, batch.Files, 1)
}

func TestRunCycle_AnalysisTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	engine := analysis.EngineFunc(func(_ context.Context, u types.UnitID) ([]types.FileResult, error) {
		if u == "slow" {
			<-release // ignores ctx on purpose
		}
		return []types.FileResult{{File: "fast.go", Unit: u}}, nil
	})
	f := newFixture(t, engine, coordinator.WithAnalysisTimeout(20*time.Millisecond))
	f.c.Push("slow")
	f.c.Push("fast")

	start := time.Now()
	batch, ok := f.c.RunCycle(context.Background())
	require.True(t, ok)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, batch.Failures, 1)
	assert.Equal(t, types.UnitID("slow"), batch.Failures[0].Unit)
	assert.Contains(t, batch.Failures[0].Error, context.DeadlineExceeded.Error())
	assert.Len(t, batch.Files, 1)
}

func TestRunCycle_TimedOutCallsDoNotOverlap(t *testing.T) {
	var running, peak atomic.Int32
	engine := analysis.EngineFunc(func(_ context.Context, u types.UnitID) ([]types.FileResult, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond) // ignores ctx
		running.Add(-1)
		return []types.FileResult{{File: "x.go", Unit: u}}, nil
	})
	f := newFixture(t, engine, coordinator.WithAnalysisTimeout(10*time.Millisecond))
	f.c.Push("a")
	f.c.Push("b")
	f.c.Push("c")

	batch, ok := f.c.RunCycle(context.Background())
	require.True(t, ok)
	assert.Len(t, batch.Failures, 3)
	assert.Equal(t, int32(1), peak.Load(), "engine calls ran concurrently")

	require.Eventually(t, func() bool { return running.Load() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunCycle_CancelledCycleRecordsNoFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engine := analysis.EngineFunc(func(actx context.Context, _ types.UnitID) ([]types.FileResult, error) {
		cancel()
		return nil, actx.Err()
	})
	failures := dlq.NewRegistry()
	f := newFixture(t, engine, coordinator.WithFailures(failures))
	f.c.Push("a")
	f.c.Push("b")

	batch, ok := f.c.RunCycle(ctx)
	require.True(t, ok)
	assert.Empty(t, batch.Failures)
	assert.Equal(t, 0, failures.Len())
	assert.Empty(t, f.sink.snapshot())
	assert.Equal(t, 2, f.q.Len(), "interrupted units stay pending")
}

func TestAnalyze_AfterStop(t *testing.T) {
	f := newFixture(t, echoEngine())
	f.c.Stop()

	_, err := f.c.Analyze(context.Background(), "a")
	assert.ErrorIs(t, err, coordinator.ErrStopped)
}

func TestRunCycle_VanishedUnitIsSkipped(t *testing.T) {
	f := newFixture(t, analysis.NewGoEngine(workspace.New()))
	f.c.Push("gone")

	batch, ok := f.c.RunCycle(context.Background())
	require.True(t, ok)
	assert.True(t, batch.IsEmpty())
	assert.Empty(t, f.sink.snapshot(), "empty batches are not delivered")
	assert.Equal(t, 0, f.q.Known(), "a vanished unit is no longer tracked")
}

func TestRunCycle_CyclesIncrease(t *testing.T) {
	f := newFixture(t, echoEngine())
	for i := 0; i < 3; i++ {
		f.c.Push("a")
		_, ok := f.c.RunCycle(context.Background())
		require.True(t, ok)
	}
	got := f.sink.snapshot()
	require.Len(t, got, 3)
	for i, b := range got {
		assert.Equal(t, uint64(i+1), b.Cycle)
		if i > 0 {
			assert.Greater(t, b.ID, got[i-1].ID, "batch IDs sort in emission order")
		}
	}
}

// ─── entry points ─────────────────────────────────────────────────────────────

func TestQueueDiagnostics(t *testing.T) {
	reg := metrics.New()
	f := newFixture(t, echoEngine(), coordinator.WithMetrics(reg))
	_, err := f.ws.Open("app/a.go", "app", "package app\n")
	require.NoError(t, err)

	require.NoError(t, f.c.QueueDiagnostics("app/a.go"))
	assert.Equal(t, 1, f.q.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.Pushes))

	err = f.c.QueueDiagnostics("nowhere.go")
	assert.ErrorIs(t, err, coordinator.ErrUnknownFile)
	assert.Equal(t, 1, f.q.Len(), "unknown files push nothing")
}

func TestTriggerReAnalysis(t *testing.T) {
	f := newFixture(t, echoEngine())
	_, _ = f.ws.Open("a/x.go", "a", "package a\n")
	_, _ = f.ws.Open("b/y.go", "b", "package b\n")
	_, _ = f.ws.Open("b/z.go", "b", "package b\n")

	assert.Equal(t, 2, f.c.TriggerReAnalysis())
	assert.Equal(t, 2, f.q.Len())

	batch, ok := f.c.RunCycle(context.Background())
	require.True(t, ok)
	assert.Len(t, batch.Files, 2)
}

func TestTriggerReAnalysis_EmptyWorkspace(t *testing.T) {
	f := newFixture(t, echoEngine())
	assert.Equal(t, 0, f.c.TriggerReAnalysis())
	_, ok := f.c.RunCycle(context.Background())
	assert.False(t, ok)
}

// ─── background loop ──────────────────────────────────────────────────────────

func TestStart_DrainsInBackground(t *testing.T) {
	f := newFixture(t, echoEngine(), coordinator.WithIdleInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.c.Start(ctx)
	defer f.c.Stop()

	f.c.Push("a")
	assert.True(t, f.q.WaitForPendingWork(ctx, []types.UnitID{"a"}, 2*time.Second))
	assert.Eventually(t, func() bool { return len(f.sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStart_RespectsThrottle(t *testing.T) {
	q := workqueue.New[types.UnitID](200 * time.Millisecond)
	sink := &collector{}
	fwd := forwarder.New(sink, "")
	fwd.Activate()
	c := coordinator.New(q, echoEngine(), workspace.New(), fwd, coordinator.WithIdleInterval(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	for i := 0; i < 5; i++ {
		c.Push("a")
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, q.WaitForPendingWork(ctx, []types.UnitID{"a"}, 2*time.Second))
	assert.Len(t, sink.snapshot(), 1, "rapid pushes collapse into one analysis")
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t, echoEngine())
	f.c.Start(context.Background())
	f.c.Stop()
	f.c.Stop()
}

func TestStop_WithoutStart(t *testing.T) {
	f := newFixture(t, echoEngine())
	f.c.Stop()
}
