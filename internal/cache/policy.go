package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/schema"
)

// RefreshPolicy is the caller's rule for trusting the cache and choosing
// between synchronous and asynchronous computation.
type RefreshPolicy string

// Refresh policies.
const (
	PolicyBlocking               RefreshPolicy = "blocking"
	PolicyForceBlocking          RefreshPolicy = "force_blocking"
	PolicyAsync                  RefreshPolicy = "async"
	PolicyAsyncExceptOnCacheMiss RefreshPolicy = "async_except_on_cache_miss"
	PolicyForceAsync             RefreshPolicy = "force_async"
	PolicyLazyAsync              RefreshPolicy = "lazy_async"
	PolicyForceCache             RefreshPolicy = "force_cache"
)

// Policies lists every refresh policy.
var Policies = []RefreshPolicy{
	PolicyBlocking, PolicyForceBlocking, PolicyAsync, PolicyAsyncExceptOnCacheMiss,
	PolicyForceAsync, PolicyLazyAsync, PolicyForceCache,
}

// ParsePolicy validates a policy name. The empty string means blocking.
func ParsePolicy(s string) (RefreshPolicy, error) {
	if s == "" {
		return PolicyBlocking, nil
	}
	for _, p := range Policies {
		if string(p) == s {
			return p, nil
		}
	}
	return "", domain.ErrValidation("unknown refresh policy %q", s)
}

// IsForce reports whether the policy asks to bypass a fresh entry.
func (p RefreshPolicy) IsForce() bool {
	return p == PolicyForceBlocking || p == PolicyForceAsync
}

// Decision is the action chosen for one request.
type Decision string

// Decisions.
const (
	ServeCached        Decision = "serve_cached"
	RecomputeSync      Decision = "recompute_sync"
	RecomputeAsync     Decision = "recompute_async"
	CacheMissNoCompute Decision = "cache_miss"
)

// Entry is one cached result with its freshness metadata.
type Entry struct {
	Kind                     schema.Kind     `json:"kind"`
	Results                  json.RawMessage `json:"results"`
	LastRefresh              time.Time       `json:"last_refresh"`
	CacheTargetAge           time.Time       `json:"cache_target_age"`
	NextAllowedClientRefresh time.Time       `json:"next_allowed_client_refresh"`
	Timezone                 string          `json:"timezone"`
	Timings                  json.RawMessage `json:"timings,omitempty"`
}

// Fresh reports whether e may be served by a non-lazy policy at now.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Before(e.CacheTargetAge)
}

// Recompute cadences by query shape. Uncacheable kinds have none.
const (
	CadenceMinute  = time.Minute
	CadenceHour    = 15 * time.Minute
	CadenceDay     = time.Hour
	CadenceWeek    = 6 * time.Hour
	CadenceMonth   = 12 * time.Hour
	CadenceWeb     = 15 * time.Minute
	CadenceDefault = time.Hour
)

// DefaultLazyFactor widens the lazy_async bound relative to the cadence.
const DefaultLazyFactor = 3.0

// Freshness computes staleness bounds and applies refresh policies.
type Freshness struct {
	// LazyFactor multiplies the cadence for lazy_async. It must exceed 1.
	LazyFactor float64
}

// DefaultFreshness uses DefaultLazyFactor.
var DefaultFreshness = Freshness{LazyFactor: DefaultLazyFactor}

// Validate rejects a lazy bound that is not wider than the blocking bound.
func (f Freshness) Validate() error {
	if f.LazyFactor <= 1 {
		return fmt.Errorf("lazy factor must be greater than 1, got %v", f.LazyFactor)
	}
	return nil
}

// Cadence returns how long a result of q stays fresh.
func Cadence(q schema.Query) time.Duration {
	eff := q.Effective()
	switch b := eff.Body().(type) {
	case *schema.TrendsQuery:
		return intervalCadence(b.Interval)
	case *schema.StickinessQuery:
		return intervalCadence(b.Interval)
	case *schema.LifecycleQuery:
		return intervalCadence(b.Interval)
	case *schema.RetentionQuery:
		return intervalCadence(b.RetentionFilter.PeriodInterval())
	case *schema.WebOverviewQuery, *schema.WebStatsTableQuery:
		return CadenceWeb
	default:
		return CadenceDefault
	}
}

func intervalCadence(i schema.Interval) time.Duration {
	switch i.OrDefault() {
	case schema.IntervalMinute:
		return CadenceMinute
	case schema.IntervalHour:
		return CadenceHour
	case schema.IntervalWeek:
		return CadenceWeek
	case schema.IntervalMonth:
		return CadenceMonth
	default:
		return CadenceDay
	}
}

// ClientRefreshInterval is the minimum age before a client-triggered
// forced refresh is honored.
func ClientRefreshInterval(cadence time.Duration) time.Duration {
	if cadence <= CadenceHour {
		return time.Minute
	}
	return 3 * time.Minute
}

// NewEntry stamps freshness metadata on a result computed at now.
func NewEntry(q schema.Query, results json.RawMessage, now time.Time, timezone string) *Entry {
	cadence := Cadence(q)
	return &Entry{
		Kind:                     q.Effective().Kind(),
		Results:                  results,
		LastRefresh:              now,
		CacheTargetAge:           now.Add(cadence),
		NextAllowedClientRefresh: now.Add(ClientRefreshInterval(cadence)),
		Timezone:                 timezone,
	}
}

// LazyBound is the instant after which lazy_async stops serving e.
func (f Freshness) LazyBound(e *Entry) time.Time {
	cadence := e.CacheTargetAge.Sub(e.LastRefresh)
	return e.LastRefresh.Add(time.Duration(float64(cadence) * f.LazyFactor))
}

// Retention is how long a store should keep e. It always covers the lazy
// bound so lazy_async can find stale entries.
func (f Freshness) Retention(e *Entry, now time.Time) time.Duration {
	ttl := f.LazyBound(e).Sub(now)
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// Decide picks the action for policy given the cached entry, which is nil
// on a miss. A client-triggered forced refresh before the entry's
// next_allowed_client_refresh is served from cache.
func (f Freshness) Decide(e *Entry, policy RefreshPolicy, now time.Time, clientTriggered bool) Decision {
	fresh := e.Fresh(now)
	if policy.IsForce() && clientTriggered && e != nil && now.Before(e.NextAllowedClientRefresh) {
		return ServeCached
	}
	switch policy {
	case PolicyForceBlocking:
		return RecomputeSync
	case PolicyAsync:
		if fresh {
			return ServeCached
		}
		return RecomputeAsync
	case PolicyAsyncExceptOnCacheMiss:
		switch {
		case fresh:
			return ServeCached
		case e == nil:
			return RecomputeSync
		default:
			return RecomputeAsync
		}
	case PolicyForceAsync:
		return RecomputeAsync
	case PolicyLazyAsync:
		if e != nil && now.Before(f.LazyBound(e)) {
			return ServeCached
		}
		return RecomputeAsync
	case PolicyForceCache:
		if fresh {
			return ServeCached
		}
		return CacheMissNoCompute
	default:
		if fresh {
			return ServeCached
		}
		return RecomputeSync
	}
}

// Decide applies DefaultFreshness.
func Decide(e *Entry, policy RefreshPolicy, now time.Time, clientTriggered bool) Decision {
	return DefaultFreshness.Decide(e, policy, now, clientTriggered)
}
