// Package websocket streams diagnostics batches to WebSocket clients.
//
// Clients open a WebSocket connection to:
//
//	GET /ws
//
// Opening the stream activates the forwarder. Every delivered batch is pushed
// as one frame; a client that falls behind loses batches rather than slowing
// the drain loop.
//
// Server → client frame:
//
//	{"type":"batch","kind":"diagnostics","batch":{"id":"<ULID>","cycle":3,"files":[...]}}
//
// Client → server control frames:
//
//	{"type":"reanalyze"}
//	{"type":"queue","file":"app/a.go"}
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/diagq/internal/sink"
	"github.com/snehjoshi/diagq/internal/types"
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Source is the part of the broker the stream needs.
type Source interface {
	Subscribe() *sink.Subscription
	Unsubscribe(id string) error
	ReAnalyze() int
	QueueDiagnostics(file types.FileID) error
}

// Handler serves the batch stream. It is mounted by the HTTP server.
type Handler struct {
	Broker Source
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type  string       `json:"type"` // "batch" | "error"
	Kind  string       `json:"kind,omitempty"`
	Batch *types.Batch `json:"batch,omitempty"`
	Error string       `json:"error,omitempty"`
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type string       `json:"type"` // "reanalyze" | "queue"
	File types.FileID `json:"file,omitempty"`
}

// ServeHTTP upgrades the connection and starts the push loop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := h.Broker.Subscribe()
	defer func() { _ = h.Broker.Unsubscribe(sub.ID) }()
	slog.Debug("websocket stream opened", "sub", sub.ID, "remote", r.RemoteAddr)

	// Read control frames from the client on their own goroutine. done stops
	// the reader once the push loop has returned.
	controlCh := make(chan clientFrame, 16)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(controlCh)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cf clientFrame
			if jsonErr := json.Unmarshal(raw, &cf); jsonErr != nil {
				continue
			}
			select {
			case controlCh <- cf:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return

		case cf, ok := <-controlCh:
			if !ok {
				return // client disconnected
			}
			if err := h.control(cf); err != nil {
				if writeErr := writeFrame(conn, serverFrame{Type: "error", Error: err.Error()}); writeErr != nil {
					return
				}
			}

		case ev, ok := <-sub.C:
			if !ok {
				return // hub closed
			}
			batch := ev.Batch
			if err := writeFrame(conn, serverFrame{Type: "batch", Kind: ev.Kind, Batch: &batch}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) control(cf clientFrame) error {
	switch cf.Type {
	case "reanalyze":
		h.Broker.ReAnalyze()
		return nil
	case "queue":
		return h.Broker.QueueDiagnostics(cf.File)
	default:
		return fmt.Errorf("unknown frame type %q", cf.Type)
	}
}

func writeFrame(conn *gorillaws.Conn, f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(gorillaws.TextMessage, data)
}
