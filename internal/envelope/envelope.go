// Package envelope wraps query results with cache, timing and debug
// metadata without changing the result payload.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/schema"
)

// Calculation triggers recorded on freshly computed results.
const (
	TriggerClient    = "client"
	TriggerInsight   = "insight"
	TriggerDashboard = "dashboard"
	TriggerAsync     = "async"
)

// CacheMeta is the freshness metadata of a cached envelope.
type CacheMeta struct {
	CacheKey                 string
	IsCached                 bool
	LastRefresh              time.Time
	CacheTargetAge           time.Time
	NextAllowedClientRefresh time.Time
	CalculationTrigger       string
	Timezone                 string
	QueryStatus              *domain.QueryStatus
}

// Timing is one measured phase of a request.
type Timing struct {
	K string  `json:"k"`
	T float64 `json:"t"`
}

// Debug carries the physical query text, the compiler's explanation and raw
// error text. It is only ever attached under debug or explain.
type Debug struct {
	Query   string
	Explain []string
	Error   string
}

// Envelope is a result of type T, optionally with cache metadata. Without
// cache metadata it encodes as a raw envelope.
type Envelope[T any] struct {
	Results T
	Cache   *CacheMeta
	Timings []Timing
	Debug   *Debug
}

// Cached reports whether the envelope carries cache metadata.
func (e Envelope[T]) Cached() bool { return e.Cache != nil }

// Wrap builds an envelope for result. A nil meta produces a raw envelope.
func Wrap[T any](result T, meta *CacheMeta, timings []Timing, debug *Debug) Envelope[T] {
	return Envelope[T]{Results: result, Cache: meta, Timings: timings, Debug: debug}
}

// WrapError inlines err into an envelope when debug output was requested.
// Without debug the error is returned unchanged and no envelope is built.
func WrapError[T any](err error, meta *CacheMeta, timings []Timing, debug *Debug) (Envelope[T], error) {
	if debug == nil {
		return Envelope[T]{}, err
	}
	d := *debug
	d.Error = err.Error()
	var zero T
	return Envelope[T]{Results: zero, Cache: meta, Timings: timings, Debug: &d}, nil
}

// As narrows an envelope of any result to the concrete result type T.
func As[T schema.Result](e Envelope[schema.Result]) (Envelope[T], error) {
	var out Envelope[T]
	if e.Results != nil {
		r, ok := e.Results.(T)
		if !ok {
			var zero T
			return out, fmt.Errorf("result is %T, not %T", e.Results, zero)
		}
		out.Results = r
	}
	out.Cache, out.Timings, out.Debug = e.Cache, e.Timings, e.Debug
	return out, nil
}

type wire struct {
	Results                  any                 `json:"results"`
	CacheKey                 *string             `json:"cache_key,omitempty"`
	IsCached                 *bool               `json:"is_cached,omitempty"`
	LastRefresh              *time.Time          `json:"last_refresh,omitempty"`
	CacheTargetAge           *time.Time          `json:"cache_target_age,omitempty"`
	NextAllowedClientRefresh *time.Time          `json:"next_allowed_client_refresh,omitempty"`
	CalculationTrigger       *string             `json:"calculation_trigger,omitempty"`
	Timezone                 *string             `json:"timezone,omitempty"`
	QueryStatus              *domain.QueryStatus `json:"query_status,omitempty"`
	Timings                  []Timing            `json:"timings,omitempty"`
	Query                    *string             `json:"query,omitempty"`
	Explain                  []string            `json:"explain,omitempty"`
	Error                    *string             `json:"error,omitempty"`
}

// MarshalJSON flattens the result next to its metadata.
func (e Envelope[T]) MarshalJSON() ([]byte, error) {
	w := wire{Results: e.Results, Timings: e.Timings}
	if m := e.Cache; m != nil {
		w.CacheKey = &m.CacheKey
		w.IsCached = &m.IsCached
		w.LastRefresh = &m.LastRefresh
		w.CacheTargetAge = &m.CacheTargetAge
		w.NextAllowedClientRefresh = &m.NextAllowedClientRefresh
		w.CalculationTrigger = &m.CalculationTrigger
		w.Timezone = &m.Timezone
		w.QueryStatus = m.QueryStatus
	}
	if d := e.Debug; d != nil {
		w.Query = &d.Query
		w.Explain = d.Explain
		if d.Error != "" {
			w.Error = &d.Error
		}
	}
	return json.Marshal(w)
}
