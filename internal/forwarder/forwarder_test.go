package forwarder_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/diagq/internal/forwarder"
	"github.com/snehjoshi/diagq/internal/types"
)

type recorder struct {
	mu    sync.Mutex
	kinds []string
	ids   []string
}

func (r *recorder) Emit(kind string, b types.Batch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.ids = append(r.ids, b.ID)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func TestForwarder_StartsDisabled(t *testing.T) {
	rec := &recorder{}
	f := forwarder.New(rec, "")

	assert.False(t, f.Enabled())
	assert.False(t, f.Emit(types.Batch{ID: "b1"}))
	assert.Equal(t, 0, rec.count())
}

func TestForwarder_EmitAfterActivate(t *testing.T) {
	rec := &recorder{}
	f := forwarder.New(rec, "")

	assert.True(t, f.Activate())
	assert.True(t, f.Emit(types.Batch{ID: "b1"}))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, forwarder.DefaultKind, rec.kinds[0])
	assert.Equal(t, "b1", rec.ids[0])
}

func TestForwarder_ActivateFlipsOnce(t *testing.T) {
	f := forwarder.New(&recorder{}, "diag")

	var wg sync.WaitGroup
	var mu sync.Mutex
	flips := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Activate() {
				mu.Lock()
				flips++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, flips)
	assert.True(t, f.Enabled())
}

func TestForwarder_SetEnabledFalseSuppresses(t *testing.T) {
	rec := &recorder{}
	f := forwarder.New(rec, "custom")
	f.SetEnabled(true)
	f.Emit(types.Batch{ID: "1"})
	f.SetEnabled(false)
	f.Emit(types.Batch{ID: "2"})

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "custom", rec.kinds[0])
}

func TestForwarder_SinkFunc(t *testing.T) {
	var got string
	f := forwarder.New(forwarder.SinkFunc(func(kind string, b types.Batch) { got = kind + ":" + b.ID }), "k")
	f.Activate()
	f.Emit(types.Batch{ID: "x"})
	assert.Equal(t, "k:x", got)
}

func TestForwarder_NilSink(t *testing.T) {
	f := forwarder.New(nil, "")
	f.Activate()
	assert.False(t, f.Emit(types.Batch{ID: "x"}))
}
