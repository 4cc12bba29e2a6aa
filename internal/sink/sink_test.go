package sink_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/diagq/internal/forwarder"
	"github.com/snehjoshi/diagq/internal/sink"
	"github.com/snehjoshi/diagq/internal/types"
)

func batch(id string) types.Batch {
	return types.Batch{
		ID:    id,
		Cycle: 1,
		Files: []types.FileResult{{
			File:        "a.go",
			Unit:        "app",
			Diagnostics: []types.Diagnostic{{Message: "undefined: Helper"}},
		}},
	}
}

func TestHub_FanOut(t *testing.T) {
	h := sink.NewHub(4)
	s1 := h.Subscribe()
	s2 := h.Subscribe()
	assert.Equal(t, 2, h.Len())
	assert.NotEqual(t, s1.ID, s2.ID)

	h.Emit("diagnostics", batch("b1"))

	for _, s := range []*sink.Subscription{s1, s2} {
		ev := <-s.C
		assert.Equal(t, "diagnostics", ev.Kind)
		assert.Equal(t, "b1", ev.Batch.ID)
	}
}

func TestHub_DropsWhenFull(t *testing.T) {
	h := sink.NewHub(1)
	s := h.Subscribe()

	h.Emit("k", batch("b1"))
	h.Emit("k", batch("b2"))
	h.Emit("k", batch("b3"))

	assert.Equal(t, uint64(2), s.Dropped())
	ev := <-s.C
	assert.Equal(t, "b1", ev.Batch.ID, "the oldest buffered event is kept")
}

func TestHub_Unsubscribe(t *testing.T) {
	h := sink.NewHub(1)
	s := h.Subscribe()

	require.NoError(t, h.Unsubscribe(s.ID))
	_, open := <-s.C
	assert.False(t, open)
	assert.Equal(t, 0, h.Len())

	assert.ErrorIs(t, h.Unsubscribe(s.ID), sink.ErrSubscriptionNotFound)
	h.Emit("k", batch("b1")) // no subscribers, no panic
}

func TestHub_Close(t *testing.T) {
	h := sink.NewHub(0)
	s := h.Subscribe()
	h.Close()
	h.Close()

	_, open := <-s.C
	assert.False(t, open)

	late := h.Subscribe()
	_, open = <-late.C
	assert.False(t, open, "subscribing to a closed hub yields a closed channel")
}

func TestMulti(t *testing.T) {
	var order []string
	m := sink.Multi{
		forwarder.SinkFunc(func(string, types.Batch) { order = append(order, "first") }),
		nil,
		forwarder.SinkFunc(func(string, types.Batch) { order = append(order, "second") }),
	}
	m.Emit("k", batch("b1"))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	l := sink.Log{Logger: slog.New(slog.NewJSONHandler(&buf, nil)), Level: slog.LevelInfo}

	l.Emit("diagnostics", batch("b1"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "batch emitted", rec["msg"])
	assert.Equal(t, "b1", rec["batch"])
	assert.Equal(t, float64(1), rec["diagnostics"])
}

func TestHub_AsForwarderSink(t *testing.T) {
	h := sink.NewHub(2)
	s := h.Subscribe()
	f := forwarder.New(h, "")

	assert.False(t, f.Emit(batch("suppressed")))
	f.Activate()
	assert.True(t, f.Emit(batch("delivered")))

	ev := <-s.C
	assert.Equal(t, "delivered", ev.Batch.ID)
	assert.Equal(t, forwarder.DefaultKind, ev.Kind)
	assert.Empty(t, s.C)
}
