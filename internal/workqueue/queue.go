// Package workqueue implements a debouncing set of pending work keys.
//
// Every key maps to a single deadline (readyAt). Push is an upsert that
// restarts the key's throttle window; Pop sweeps the map and removes every key
// whose deadline has passed in the same critical section that reads it.
//
//   - Push   → O(1), never blocks beyond the lock.
//   - Pop    → O(N) sweep over pending keys, no per-key timers.
//   - Notify → buffered channel of capacity 1 that wakes the drain loop.
//
// Popped keys stay "in flight" until the consumer calls Done, which is what
// WaitForPendingWork observes.
package workqueue

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Option configures a Queue.
type Option func(*config)

type config struct {
	now func() time.Time
}

// WithClock replaces time.Now. Intended for tests that need deterministic
// throttle windows.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// Queue is a concurrency-safe, trailing-edge debounced set of work keys.
//
// Usage:
//
//	q := workqueue.New[types.UnitID](500 * time.Millisecond)
//	q.Push("app")            // from any number of producers
//	ready := q.Pop()         // from the single drain loop
//	... process ready ...
//	q.Done(ready.ToSlice()...)
//
// All methods are safe for concurrent use.
type Queue[K comparable] struct {
	throttle time.Duration
	now      func() time.Time

	mu       sync.Mutex
	pending  map[K]time.Time // key → readyAt
	inflight map[K]int       // key → pops not yet marked Done
	seen     map[K]struct{}  // keys pushed and not yet forgotten
	forgot   map[K]struct{}  // forgotten while in flight; dropped on Done

	// changed is closed and replaced whenever in-flight work completes so
	// that every waiter re-evaluates its key set.
	changed chan struct{}

	// notify is a buffered channel of capacity 1. Push sends a signal so the
	// drain loop can re-evaluate its idle wait.
	notify chan struct{}
}

// New creates a Queue whose keys become ready throttle after their most
// recent Push. A zero throttle makes pushed keys immediately poppable.
func New[K comparable](throttle time.Duration, opts ...Option) *Queue[K] {
	if throttle < 0 {
		throttle = 0
	}
	c := config{now: time.Now}
	for _, o := range opts {
		o(&c)
	}
	return &Queue[K]{
		throttle: throttle,
		now:      c.now,
		pending:  make(map[K]time.Time),
		inflight: make(map[K]int),
		seen:     make(map[K]struct{}),
		forgot:   make(map[K]struct{}),
		changed:  make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

// Throttle returns the configured debounce window.
func (q *Queue[K]) Throttle() time.Duration { return q.throttle }

// Push inserts or refreshes the pending entry for key, setting its deadline to
// now + throttle. Repeated pushes within the window collapse into one entry.
func (q *Queue[K]) Push(key K) {
	q.mu.Lock()
	q.pending[key] = q.now().Add(q.throttle)
	q.seen[key] = struct{}{}
	delete(q.forgot, key)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PushAll pushes every key under a single lock acquisition.
func (q *Queue[K]) PushAll(keys ...K) {
	if len(keys) == 0 {
		return
	}
	q.mu.Lock()
	readyAt := q.now().Add(q.throttle)
	for _, k := range keys {
		q.pending[k] = readyAt
		q.seen[k] = struct{}{}
		delete(q.forgot, k)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns every pending key whose deadline has elapsed. It
// returns an empty set, never nil, when nothing is ready. A key pushed after
// Pop has taken the lock is left for a later Pop.
func (q *Queue[K]) Pop() mapset.Set[K] {
	ready := mapset.NewSet[K]()

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for k, readyAt := range q.pending {
		if readyAt.After(now) {
			continue
		}
		delete(q.pending, k)
		q.inflight[k]++
		ready.Add(k)
	}
	return ready
}

// Done marks popped keys as processed and wakes WaitForPendingWork callers.
// Keys that are not in flight are ignored.
func (q *Queue[K]) Done(keys ...K) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, k := range keys {
		n, ok := q.inflight[k]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(q.inflight, k)
			if _, ok := q.forgot[k]; ok {
				q.dropLocked(k)
			}
		} else {
			q.inflight[k] = n - 1
		}
	}
	close(q.changed)
	q.changed = make(chan struct{})
}

// Forget drops key from the set of known keys so that a key which will never
// be pushed again does not pin memory. A pending key is left alone. An
// in-flight key is dropped once its last pop is marked Done. A later Push
// makes the key known again.
func (q *Queue[K]) Forget(key K) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.pending[key]; ok {
		return
	}
	if _, ok := q.inflight[key]; ok {
		q.forgot[key] = struct{}{}
		return
	}
	q.dropLocked(key)
}

// dropLocked removes key from the known set. MUST be called with q.mu held.
func (q *Queue[K]) dropLocked(key K) {
	delete(q.seen, key)
	delete(q.forgot, key)
}

// Known returns the number of keys pushed and not yet forgotten.
func (q *Queue[K]) Known() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}

// WaitForPendingWork blocks until every key has been popped and marked Done,
// the timeout elapses, or ctx is cancelled. It reports whether the work
// completed. A key that is unknown on entry yields false immediately; a key
// forgotten while waiting counts as complete. A timeout of zero or less
// checks the current state without waiting.
func (q *Queue[K]) WaitForPendingWork(ctx context.Context, keys []K, timeout time.Duration) bool {
	if len(keys) == 0 {
		return true
	}

	var timer *time.Timer
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
	}

	for first := true; ; first = false {
		q.mu.Lock()
		known, busy := q.stateLocked(keys)
		changed := q.changed
		q.mu.Unlock()

		if first && !known {
			return false
		}
		if !busy {
			return true
		}
		if timer == nil {
			return false
		}

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// stateLocked reports whether every key is known and whether any of them is
// still pending or in flight. MUST be called with q.mu held.
func (q *Queue[K]) stateLocked(keys []K) (known, busy bool) {
	known = true
	for _, k := range keys {
		if _, ok := q.seen[k]; !ok {
			known = false
			continue
		}
		if _, ok := q.pending[k]; ok {
			busy = true
		}
		if _, ok := q.inflight[k]; ok {
			busy = true
		}
	}
	return known, busy
}

// NextReady returns how long until the earliest pending key becomes ready.
// The duration is zero when a key is already ready. ok is false when nothing
// is pending.
func (q *Queue[K]) NextReady() (d time.Duration, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	for _, readyAt := range q.pending {
		if !ok || readyAt.Before(earliest) {
			earliest = readyAt
			ok = true
		}
	}
	if !ok {
		return 0, false
	}
	d = earliest.Sub(q.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// Notify returns the channel signalled on every push.
func (q *Queue[K]) Notify() <-chan struct{} { return q.notify }

// Len returns the number of pending (not yet popped) keys.
func (q *Queue[K]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight returns the number of popped keys not yet marked Done.
func (q *Queue[K]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}
