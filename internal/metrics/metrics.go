// Package metrics holds the Prometheus collectors of the query core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "duck_analytics"

// Metrics are the collectors shared by the query service and tracker.
type Metrics struct {
	Registry prometheus.Gatherer
	// Registerer accepts collectors owned by other packages, such as the
	// cache store instrumentation.
	Registerer prometheus.Registerer

	QueriesTotal       *prometheus.CounterVec
	ComputeDuration    *prometheus.HistogramVec
	CacheDegraded      prometheus.Counter
	RollupQueries      *prometheus.CounterVec
	AsyncSubmitted     *prometheus.CounterVec
	AsyncFinished      *prometheus.CounterVec
	AsyncRunning       prometheus.Gauge
	StatusesSwept      *prometheus.CounterVec
	EngineBreakerState *prometheus.GaugeVec
}

// New registers every collector on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWith(reg, reg)
}

// NewWith registers every collector on reg.
func NewWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registry:   gatherer,
		Registerer: reg,
		QueriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Query requests by kind and refresh decision.",
		}, []string{"kind", "decision"}),
		ComputeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compute_duration_seconds",
			Help:      "Time spent executing compiled plans.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"kind", "mode"}),
		CacheDegraded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_degraded_total",
			Help:      "Requests that recomputed because the cache store failed.",
		}),
		RollupQueries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_queries_total",
			Help:      "Compiled web queries by source path.",
		}, []string{"kind", "path"}),
		AsyncSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_submitted_total",
			Help:      "Async submissions by outcome (created or coalesced).",
		}, []string{"outcome"}),
		AsyncFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_finished_total",
			Help:      "Async computations by terminal outcome.",
		}, []string{"outcome"}),
		AsyncRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "async_running",
			Help:      "Async computations currently executing.",
		}),
		StatusesSwept: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "statuses_swept_total",
			Help:      "Statuses removed as expired or failed by the pickup watchdog.",
		}, []string{"reason"}),
		EngineBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_breaker_state",
			Help:      "Execution engine circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"engine"}),
	}
}
