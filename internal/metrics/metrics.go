// Package metrics holds the Prometheus instruments for diagq.
//
// Every Registry owns its own prometheus.Registry rather than registering on
// the global default, so tests and multiple servers in one process never
// collide on metric names.
//
// # Metric families
//
//	diagq_pushes_total                     units pushed onto the work queue
//	diagq_cycles_total                     drain cycles that processed ≥1 unit
//	diagq_units_analyzed_total{outcome}    ok | failed
//	diagq_batches_total{result}            emitted | suppressed
//	diagq_pending_units                    gauge, units waiting in the queue
//	diagq_analysis_duration_seconds        histogram per unit
//	diagq_http_requests_total{method,path,status}
//	diagq_http_request_duration_seconds{method,path}
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all diagq application metrics.
type Registry struct {
	reg *prometheus.Registry

	Pushes            prometheus.Counter
	Cycles            prometheus.Counter
	UnitsAnalyzed     prometheus.Counter
	UnitFailures      prometheus.Counter
	BatchesEmitted    prometheus.Counter
	BatchesSuppressed prometheus.Counter
	PendingUnits      prometheus.Gauge
	AnalysisDuration  prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates a Registry with every instrument registered, plus the Go
// runtime and process collectors.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	units := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diagq_units_analyzed_total",
		Help: "Units analyzed by the coordinator, by outcome.",
	}, []string{"outcome"})
	batches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diagq_batches_total",
		Help: "Delivery batches produced by drain cycles, by forwarding result.",
	}, []string{"result"})

	r.Pushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diagq_pushes_total",
		Help: "Units pushed onto the re-analysis queue.",
	})
	r.Cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "diagq_cycles_total",
		Help: "Drain cycles that processed at least one unit.",
	})
	r.UnitsAnalyzed = units.WithLabelValues("ok")
	r.UnitFailures = units.WithLabelValues("failed")
	r.BatchesEmitted = batches.WithLabelValues("emitted")
	r.BatchesSuppressed = batches.WithLabelValues("suppressed")
	r.PendingUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "diagq_pending_units",
		Help: "Units waiting for their throttle window to elapse.",
	})
	r.AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "diagq_analysis_duration_seconds",
		Help:    "Time spent in the analysis engine per unit.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	r.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "diagq_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "path", "status"})
	r.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "diagq_http_request_duration_seconds",
		Help:    "HTTP request latency by method and route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	r.reg.MustRegister(
		r.Pushes, r.Cycles, units, batches, r.PendingUnits, r.AnalysisDuration,
		r.HTTPRequests, r.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler returns an http.Handler serving the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
