// Package http provides the HTTP transport layer for diagq.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET    /health
//	POST   /documents
//	PUT    /documents/{file...}
//	DELETE /documents/{file...}
//	GET    /units
//	POST   /codecheck/{file...}
//	POST   /diagnostics
//	POST   /reanalyze
//	POST   /wait
//	GET    /failures
//	POST   /failures/replay
//	GET    /batches
//	GET    /forwarder
//	PUT    /forwarder
//	GET    /ws
//	POST   /subscriptions
//	GET    /subscriptions
//	DELETE /subscriptions/{id}
//	GET    /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/snehjoshi/diagq/internal/broker"
	"github.com/snehjoshi/diagq/internal/config"
	"github.com/snehjoshi/diagq/internal/consumer"
	"github.com/snehjoshi/diagq/internal/metrics"
	transportws "github.com/snehjoshi/diagq/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with diagq route wiring.
type Server struct {
	inner   *http.Server
	limiter *RateLimiter
}

// New builds a Server from a Broker. reg may be nil, in which case neither
// /metrics nor request instrumentation is mounted.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(b *broker.Broker, cm *consumer.Manager, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{broker: b, consumer: cm}
	ws := &transportws.Handler{Broker: b}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /health", h.health)

	// Documents
	mux.HandleFunc("POST /documents", h.openDocument)
	mux.HandleFunc("PUT /documents/{file...}", h.updateDocument)
	mux.HandleFunc("DELETE /documents/{file...}", h.closeDocument)
	mux.HandleFunc("GET /units", h.listUnits)

	// Diagnostics
	mux.HandleFunc("POST /codecheck/{file...}", h.codeCheck)
	mux.HandleFunc("POST /diagnostics", h.startDiagnostics)
	mux.HandleFunc("POST /reanalyze", h.reanalyze)
	mux.HandleFunc("POST /wait", h.wait)

	// Failed units
	mux.HandleFunc("GET /failures", h.listFailures)
	mux.HandleFunc("POST /failures/replay", h.replayFailures)

	// Delivery
	mux.HandleFunc("GET /batches", h.recentBatches)
	mux.HandleFunc("GET /forwarder", h.getForwarder)
	mux.HandleFunc("PUT /forwarder", h.setForwarder)
	mux.Handle("GET /ws", ws)

	// Webhook subscriptions
	mux.HandleFunc("POST /subscriptions", h.createSubscription)
	mux.HandleFunc("GET /subscriptions", h.listSubscriptions)
	mux.HandleFunc("DELETE /subscriptions/{id}", h.deleteSubscription)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	limiter := NewRateLimiter(float64(cfg.Producers.MaxRate), cfg.Producers.Burst)

	// Build middleware chain: CORS → body limit → metrics → logging → auth → rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		MetricsMiddleware(reg),
		LoggingMiddleware,
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		limiter.Middleware,
	)

	return &Server{
		inner: &http.Server{
			Handler:     handler,
			ReadTimeout: 15 * time.Second,
			// POST /wait may block up to maxWaitTimeout.
			WriteTimeout: maxWaitTimeout + 15*time.Second,
			IdleTimeout:  120 * time.Second,
		},
		limiter: limiter,
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.limiter.Close()
	return s.inner.Shutdown(ctx)
}

// Close releases background resources without a graceful drain. Tests use it
// instead of Shutdown.
func (s *Server) Close() {
	s.limiter.Close()
}
