// Package dlq tracks units whose most recent analysis failed.
//
// A failed unit is the re-analysis equivalent of a dead-lettered message: its
// last delivered diagnostics are stale until a later cycle succeeds. The
// registry is fed by the coordinator and offers:
//
//   - List:   inspect failed units, most recent failure first.
//   - Replay: push every failed unit back onto the work queue.
//   - Clear:  drop a unit once its analysis succeeds again.
package dlq

import (
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/diagq/internal/types"
)

// Entry describes the failure history of one unit.
type Entry struct {
	Unit        types.UnitID `json:"unit"`
	LastError   string       `json:"last_error"`
	Attempts    int          `json:"attempts"`
	FirstFailed int64        `json:"first_failed"` // UTC milliseconds
	LastFailed  int64        `json:"last_failed"`  // UTC milliseconds
}

// Pusher is the part of the work queue Replay needs.
type Pusher interface {
	Push(unit types.UnitID)
}

// Registry records failed units. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	entries map[types.UnitID]*Entry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[types.UnitID]*Entry)}
}

// Record notes a failed analysis of unit.
func (r *Registry) Record(unit types.UnitID, err error) {
	now := time.Now().UnixMilli()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[unit]
	if !ok {
		e = &Entry{Unit: unit, FirstFailed: now}
		r.entries[unit] = e
	}
	e.Attempts++
	e.LastError = msg
	e.LastFailed = now
}

// Clear forgets unit. It reports whether the unit was recorded.
func (r *Registry) Clear(unit types.UnitID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[unit]
	delete(r.entries, unit)
	return ok
}

// Get returns the entry for unit.
func (r *Registry) Get(unit types.UnitID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[unit]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all entries, most recently failed first.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastFailed != out[j].LastFailed {
			return out[i].LastFailed > out[j].LastFailed
		}
		return out[i].Unit < out[j].Unit
	})
	return out
}

// Len returns the number of failed units.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Replay pushes every failed unit back onto q and returns how many were
// pushed. Entries stay recorded until their next successful analysis.
func (r *Registry) Replay(q Pusher) int {
	r.mu.Lock()
	units := make([]types.UnitID, 0, len(r.entries))
	for u := range r.entries {
		units = append(units, u)
	}
	r.mu.Unlock()

	for _, u := range units {
		q.Push(u)
	}
	return len(units)
}
