package cache

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-analytics/internal/schema"
)

var refreshedAt = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func dailyEntry(t *testing.T) *Entry {
	t.Helper()
	return NewEntry(parse(t, pageviews), json.RawMessage(`[]`), refreshedAt, "UTC")
}

func TestDecide_RefreshPolicyTable(t *testing.T) {
	t.Parallel()

	fresh := refreshedAt.Add(10 * time.Minute)
	stale := refreshedAt.Add(2 * time.Hour)

	tests := []struct {
		policy      RefreshPolicy
		whenFresh   Decision
		whenMissing Decision
		whenStale   Decision
	}{
		{PolicyBlocking, ServeCached, RecomputeSync, RecomputeSync},
		{PolicyForceBlocking, RecomputeSync, RecomputeSync, RecomputeSync},
		{PolicyAsync, ServeCached, RecomputeAsync, RecomputeAsync},
		{PolicyAsyncExceptOnCacheMiss, ServeCached, RecomputeSync, RecomputeAsync},
		{PolicyForceAsync, RecomputeAsync, RecomputeAsync, RecomputeAsync},
		{PolicyLazyAsync, ServeCached, RecomputeAsync, ServeCached},
		{PolicyForceCache, ServeCached, CacheMissNoCompute, CacheMissNoCompute},
	}
	require.Len(t, tests, len(Policies))
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			t.Parallel()
			e := dailyEntry(t)
			assert.Equal(t, tt.whenFresh, Decide(e, tt.policy, fresh, false), "fresh")
			assert.Equal(t, tt.whenMissing, Decide(nil, tt.policy, fresh, false), "missing")
			assert.Equal(t, tt.whenStale, Decide(e, tt.policy, stale, false), "stale")
		})
	}
}

func TestDecide_LazyBoundIsWider(t *testing.T) {
	t.Parallel()
	e := dailyEntry(t)

	assert.Equal(t, refreshedAt.Add(time.Hour), e.CacheTargetAge)
	assert.Equal(t, refreshedAt.Add(3*time.Hour), DefaultFreshness.LazyBound(e))

	justStale := e.CacheTargetAge
	assert.Equal(t, RecomputeSync, Decide(e, PolicyBlocking, justStale, false))
	assert.Equal(t, ServeCached, Decide(e, PolicyLazyAsync, justStale, false))
	assert.Equal(t, RecomputeAsync, Decide(e, PolicyLazyAsync, refreshedAt.Add(3*time.Hour), false))

	assert.GreaterOrEqual(t, DefaultFreshness.Retention(e, refreshedAt), 3*time.Hour)
}

func TestDecide_ClientRefreshThrottle(t *testing.T) {
	t.Parallel()
	e := dailyEntry(t)
	soon := refreshedAt.Add(30 * time.Second)
	later := refreshedAt.Add(5 * time.Minute)

	assert.Equal(t, ServeCached, Decide(e, PolicyForceBlocking, soon, true))
	assert.Equal(t, ServeCached, Decide(e, PolicyForceAsync, soon, true))
	assert.Equal(t, RecomputeSync, Decide(e, PolicyForceBlocking, soon, false), "server-triggered refresh is not throttled")
	assert.Equal(t, RecomputeSync, Decide(e, PolicyForceBlocking, later, true))
	assert.Equal(t, RecomputeSync, Decide(nil, PolicyForceBlocking, soon, true))
}

func TestFreshness_Validate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultFreshness.Validate())
	assert.Error(t, Freshness{LazyFactor: 1}.Validate())
	assert.Error(t, Freshness{LazyFactor: 0.5}.Validate())
}

func TestCadence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{`{"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "a"}], "interval": "minute"}`, CadenceMinute},
		{`{"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "a"}], "interval": "hour"}`, CadenceHour},
		{`{"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "a"}]}`, CadenceDay},
		{`{"kind": "StickinessQuery", "series": [{"kind": "EventsNode", "event": "a"}], "interval": "week"}`, CadenceWeek},
		{`{"kind": "LifecycleQuery", "series": [{"kind": "EventsNode", "event": "a"}], "interval": "month"}`, CadenceMonth},
		{`{"kind": "WebOverviewQuery"}`, CadenceWeb},
		{`{"kind": "HogQLQuery", "query": "select 1"}`, CadenceDefault},
		{`{"kind": "InsightVizNode", "source": {"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "a"}], "interval": "hour"}}`, CadenceHour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Cadence(parse(t, tt.raw)), tt.raw)
	}

	// Schema listings are computed per request and never enter the cache.
	assert.False(t, parse(t, `{"kind": "DatabaseSchemaQuery"}`).Cacheable())
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlocking, p)

	p, err = ParsePolicy("lazy_async")
	require.NoError(t, err)
	assert.Equal(t, PolicyLazyAsync, p)

	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)
	assert.Equal(t, schema.KindTrends, dailyEntry(t).Kind)
}
