package cache

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StoreMetrics are the collectors shared by instrumented stores.
type StoreMetrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	valueSize *prometheus.HistogramVec
}

// NewStoreMetrics registers the cache store collectors on reg.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	f := promauto.With(reg)
	return &StoreMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duck_analytics",
			Name:      "cache_requests_total",
			Help:      "Cache store requests by backend, method and outcome.",
		}, []string{"backend", "method", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "duck_analytics",
			Name:      "cache_request_duration_seconds",
			Help:      "Time spent in cache store requests.",
			// 16us to 1s.
			Buckets: prometheus.ExponentialBuckets(0.000016, 4, 8),
		}, []string{"backend", "method"}),
		valueSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "duck_analytics",
			Name:      "cache_value_size_bytes",
			Help:      "Size of cached results.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 7),
		}, []string{"backend"}),
	}
}

type instrumented struct {
	Store
	name    string
	metrics *StoreMetrics
}

// Instrument wraps s so each request is counted and timed under name.
func Instrument(name string, s Store, m *StoreMetrics) Store {
	return &instrumented{Store: s, name: name, metrics: m}
}

func (i *instrumented) observe(method string, start time.Time, err error, outcome string) {
	i.metrics.duration.WithLabelValues(i.name, method).Observe(time.Since(start).Seconds())
	if err != nil {
		outcome = "error"
	}
	i.metrics.requests.WithLabelValues(i.name, method, outcome).Inc()
}

func (i *instrumented) Get(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	e, err := i.Store.Get(ctx, key)
	outcome := "hit"
	if e == nil {
		outcome = "miss"
	}
	i.observe("get", start, err, outcome)
	return e, err
}

func (i *instrumented) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	start := time.Now()
	err := i.Store.Set(ctx, key, e, ttl)
	i.observe("set", start, err, "ok")
	if err == nil {
		i.metrics.valueSize.WithLabelValues(i.name).Observe(float64(len(e.Results)))
	}
	return err
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := i.Store.Delete(ctx, key)
	i.observe("delete", start, err, "ok")
	return err
}
