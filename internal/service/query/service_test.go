package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-analytics/internal/cache"
	"duck-analytics/internal/db"
	"duck-analytics/internal/db/repository"
	"duck-analytics/internal/domain"
	"duck-analytics/internal/engine"
	"duck-analytics/internal/metrics"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
	"duck-analytics/internal/tenant"
	"duck-analytics/internal/tracker"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

const (
	trendsQuery = `{"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "pageview"}],
		"interval": "day", "dateRange": {"date_from": "-7d"}}`
	hogqlQuery = `{"kind": "HogQLQuery",
		"query": "select event, count() as c from events group by event order by event"}`
)

// countingEngine wraps the real engine so tests can count statements,
// inject failures and hold computations open.
type countingEngine struct {
	inner domain.ExecutionEngine
	calls atomic.Int64

	mu    sync.Mutex
	fails []error
	gate  chan struct{}
}

func (e *countingEngine) Run(ctx context.Context, sql string, progress domain.ProgressFunc) (*domain.Rows, error) {
	e.calls.Add(1)
	e.mu.Lock()
	gate := e.gate
	var fail error
	if len(e.fails) > 0 {
		fail, e.fails = e.fails[0], e.fails[1:]
	}
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	return e.inner.Run(ctx, sql, progress)
}

func (e *countingEngine) failNext(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fails = append(e.fails, errs...)
}

// failingStore is a cache store whose backend is down.
type failingStore struct{}

func (failingStore) Get(context.Context, string) (*cache.Entry, error) {
	return nil, &domain.CacheError{Op: "get", Err: errors.New("connection refused")}
}

func (failingStore) Set(context.Context, string, *cache.Entry, time.Duration) error {
	return &domain.CacheError{Op: "set", Err: errors.New("connection refused")}
}

func (failingStore) Delete(context.Context, string) error { return nil }
func (failingStore) Close() error                         { return nil }

type harness struct {
	svc     *Service
	engine  *countingEngine
	raw     *engine.Engine
	clock   *quartz.Mock
	tracker *tracker.Tracker
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	store cache.Store
	teams domain.TeamDirectory
}

func withStore(s cache.Store) harnessOption {
	return func(c *harnessConfig) { c.store = s }
}

func withTeams(d domain.TeamDirectory) harnessOption {
	return func(c *harnessConfig) { c.teams = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := quartz.NewMock(t)
	clock.Set(testNow)

	hc := harnessConfig{store: cache.NewMemory(cache.MemoryConfig{}, clock), teams: tenant.NewLax()}
	for _, o := range opts {
		o(&hc)
	}

	m := metrics.New()
	raw, err := engine.Open(context.Background(), engine.Config{Threads: 1}, m, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	writeDB, _ := db.OpenTestSQLite(t)
	tr, err := tracker.New(repository.NewQueryStatusRepo(writeDB), tracker.Config{Workers: 4}, clock, m, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, tr.Close(ctx))
	})

	eng := &countingEngine{inner: raw}
	svc, err := New(hc.teams, registry.New(nil, logger), eng, hc.store, tr,
		Config{MaxSyncAttempts: 2}, clock, m, logger)
	require.NoError(t, err)

	h := &harness{svc: svc, engine: eng, raw: raw, clock: clock, tracker: tr}
	h.seedEvents(t, 1, "pageview", 3)
	h.seedEvents(t, 1, "signup", 1)
	return h
}

func (h *harness) seedEvents(t *testing.T, team int64, event string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ts := testNow.Add(-time.Duration(i+1) * 24 * time.Hour)
		_, err := h.raw.DB().ExecContext(context.Background(), `INSERT INTO analytics.events
			(team_id, uuid, event, "timestamp", distinct_id, properties) VALUES (?, ?, ?, ?, ?, '{}')`,
			team, fmt.Sprintf("%d-%s-%d", team, event, i), event, ts, fmt.Sprintf("user-%d", i))
		require.NoError(t, err)
	}
}

func parse(t *testing.T, raw string) schema.Query {
	t.Helper()
	q, err := schema.Parse([]byte(raw))
	require.NoError(t, err)
	return q
}

func (h *harness) exec(t *testing.T, req Request) *Response {
	t.Helper()
	resp, err := h.svc.Execute(context.Background(), req)
	require.NoError(t, err)
	return resp
}

func (h *harness) waitCompleted(t *testing.T, team int64, id string) *domain.QueryStatus {
	t.Helper()
	var s *domain.QueryStatus
	require.Eventually(t, func() bool {
		got, err := h.svc.GetStatus(context.Background(), team, id)
		if err != nil || !got.Complete {
			return false
		}
		s = got
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return s
}

func resultsJSON(t *testing.T, resp *Response) string {
	t.Helper()
	require.NotNil(t, resp.Envelope)
	raw, err := json.Marshal(resp.Envelope.Results)
	require.NoError(t, err)
	return string(raw)
}

func TestExecute_RefreshPolicyScenarios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		policy  cache.RefreshPolicy
		fresh   cache.Decision
		missing cache.Decision
	}{
		{cache.PolicyBlocking, cache.ServeCached, cache.RecomputeSync},
		{cache.PolicyForceBlocking, cache.RecomputeSync, cache.RecomputeSync},
		{cache.PolicyAsync, cache.ServeCached, cache.RecomputeAsync},
		{cache.PolicyAsyncExceptOnCacheMiss, cache.ServeCached, cache.RecomputeSync},
		{cache.PolicyForceAsync, cache.RecomputeAsync, cache.RecomputeAsync},
		{cache.PolicyLazyAsync, cache.ServeCached, cache.RecomputeAsync},
		{cache.PolicyForceCache, cache.ServeCached, cache.CacheMissNoCompute},
	}
	for _, tc := range tests {
		for _, state := range []string{"fresh", "missing"} {
			want := tc.missing
			if state == "fresh" {
				want = tc.fresh
			}
			t.Run(string(tc.policy)+"/"+state, func(t *testing.T) {
				t.Parallel()
				h := newHarness(t)
				q := parse(t, trendsQuery)
				if state == "fresh" {
					h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceBlocking})
				}
				before := h.engine.calls.Load()

				resp := h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: tc.policy})
				assert.Equal(t, want, resp.Decision)
				assert.NotEmpty(t, resp.CacheKey)

				switch want {
				case cache.ServeCached:
					require.NotNil(t, resp.Envelope)
					assert.True(t, resp.Envelope.Cache.IsCached)
					assert.Equal(t, before, h.engine.calls.Load())
				case cache.RecomputeSync:
					require.NotNil(t, resp.Envelope)
					assert.False(t, resp.Envelope.Cache.IsCached)
					assert.Equal(t, "client", resp.Envelope.Cache.CalculationTrigger)
					assert.Greater(t, h.engine.calls.Load(), before)
				case cache.RecomputeAsync:
					assert.Nil(t, resp.Envelope)
					require.NotNil(t, resp.Status)
					s := h.waitCompleted(t, 1, resp.Status.ID)
					assert.False(t, s.Error)
					assert.Equal(t, resp.CacheKey, s.CacheKey)
					assert.Greater(t, h.engine.calls.Load(), before)
				case cache.CacheMissNoCompute:
					assert.True(t, resp.Miss)
					assert.Nil(t, resp.Envelope)
					assert.Equal(t, before, h.engine.calls.Load())
				}
			})
		}
	}
}

func TestExecute_StaleEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := parse(t, trendsQuery)
	h.exec(t, Request{TeamID: 1, Query: q})

	// Daily trends refresh hourly; lazy_async tolerates three cadences.
	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, cache.ServeCached, h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyLazyAsync}).Decision)
	assert.Equal(t, cache.CacheMissNoCompute, h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceCache}).Decision)

	resp := h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyAsyncExceptOnCacheMiss})
	require.Equal(t, cache.RecomputeAsync, resp.Decision, "stale but present entries refresh in the background")
	h.waitCompleted(t, 1, resp.Status.ID)

	resp = h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceCache})
	assert.Equal(t, cache.ServeCached, resp.Decision, "the async refresh wrote the cache")
}

func TestExecute_ForceCacheThenForceBlocking(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := parse(t, trendsQuery)

	miss := h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceCache})
	assert.True(t, miss.Miss)
	raw, err := json.Marshal(miss)
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"cache_key": %q}`, miss.CacheKey), string(raw))

	computed := h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceBlocking})
	require.NotNil(t, computed.Envelope)
	assert.Equal(t, miss.CacheKey, computed.CacheKey)
	trends, err := resultOf[schema.TrendsResult](computed)
	require.NoError(t, err)
	require.Len(t, trends, 1)
	assert.Equal(t, "pageview", trends[0].Label)
	assert.InDelta(t, 3, trends[0].Count, 1e-9)

	cached := h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceCache})
	require.NotNil(t, cached.Envelope)
	assert.True(t, cached.Envelope.Cache.IsCached)
	assert.Equal(t, resultsJSON(t, computed), resultsJSON(t, cached))
}

func resultOf[T schema.Result](resp *Response) (T, error) {
	var zero T
	if resp.Envelope == nil {
		return zero, errors.New("no envelope")
	}
	r, ok := resp.Envelope.Results.(T)
	if !ok {
		return zero, fmt.Errorf("result is %T", resp.Envelope.Results)
	}
	return r, nil
}

func TestExecute_BlockingIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := parse(t, trendsQuery)

	first := h.exec(t, Request{TeamID: 1, Query: q})
	second := h.exec(t, Request{TeamID: 1, Query: q})
	assert.False(t, first.Envelope.Cache.IsCached)
	assert.True(t, second.Envelope.Cache.IsCached)
	assert.Equal(t, resultsJSON(t, first), resultsJSON(t, second))
	assert.Equal(t, first.Envelope.Cache.LastRefresh, second.Envelope.Cache.LastRefresh)
}

func TestExecuteAs_TypedAccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	env, resp, err := ExecuteAs[schema.TabularResult](context.Background(), h.svc, Request{TeamID: 1, Query: parse(t, hogqlQuery)})
	require.NoError(t, err)
	assert.Equal(t, cache.RecomputeSync, resp.Decision)
	assert.Equal(t, []string{"event", "c"}, env.Results.Columns)
	require.Len(t, env.Results.Results, 2)

	_, _, err = ExecuteAs[schema.TrendsResult](context.Background(), h.svc, Request{TeamID: 1, Query: parse(t, hogqlQuery)})
	require.Error(t, err)
}

func TestExecute_AsyncSubmittersCoalesce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := parse(t, hogqlQuery)

	gate := make(chan struct{})
	h.engine.mu.Lock()
	h.engine.gate = gate
	h.engine.mu.Unlock()

	const callers = 50
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.svc.Execute(context.Background(), Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyAsync})
			if assert.NoError(t, err) && assert.NotNil(t, resp.Status) {
				ids[i] = resp.Status.ID
			}
		}()
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	close(gate)
	s := h.waitCompleted(t, 1, ids[0])
	assert.False(t, s.Error)
	assert.Equal(t, 1, s.Attempts)
	assert.Equal(t, int64(1), h.engine.calls.Load(), "one computation for every caller")
	assert.NotEmpty(t, s.Results)

	resp := h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyAsync})
	assert.Equal(t, cache.ServeCached, resp.Decision)
}

func TestExecute_SyncCallersShareOneComputation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := parse(t, hogqlQuery)

	gate := make(chan struct{})
	h.engine.mu.Lock()
	h.engine.gate = gate
	h.engine.mu.Unlock()

	const callers = 10
	results := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := h.svc.Execute(context.Background(), Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceBlocking})
			if assert.NoError(t, err) {
				raw, _ := json.Marshal(resp.Envelope.Results)
				results[i] = string(raw)
			}
		}()
	}
	require.Eventually(t, func() bool { return h.engine.calls.Load() >= 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Less(t, h.engine.calls.Load(), int64(callers), "waiting callers join the running computation")
	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestExecute_TenantIsolation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := parse(t, hogqlQuery)

	one := h.exec(t, Request{TeamID: 1, Query: q})
	two := h.exec(t, Request{TeamID: 2, Query: q})
	assert.NotEqual(t, one.CacheKey, two.CacheKey)
	assert.False(t, two.Envelope.Cache.IsCached, "team 2 never reads team 1's entry")

	tab, err := resultOf[schema.TabularResult](two)
	require.NoError(t, err)
	assert.Empty(t, tab.Results, "team 2 has no events")

	async := h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceAsync})
	h.waitCompleted(t, 1, async.Status.ID)
	_, err = h.svc.GetStatus(context.Background(), 2, async.Status.ID)
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
	_, err = h.svc.Cancel(context.Background(), 2, async.Status.ID)
	require.ErrorAs(t, err, &notFound)
}

func TestExecute_CacheUnavailableDegrades(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withStore(failingStore{}))
	q := parse(t, hogqlQuery)

	resp := h.exec(t, Request{TeamID: 1, Query: q})
	assert.Equal(t, cache.RecomputeSync, resp.Decision)
	require.NotNil(t, resp.Envelope)

	resp = h.exec(t, Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceCache})
	assert.True(t, resp.Miss, "force_cache treats an unavailable cache as a miss")
}

func TestExecute_EngineErrorsOnlyInlineUnderDebug(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := parse(t, hogqlQuery)
	binder := &domain.EngineError{Message: `Binder Error: column "secret_col" not found`}

	h.engine.failNext(binder)
	_, err := h.svc.Execute(context.Background(), Request{TeamID: 1, Query: q})
	require.Error(t, err)
	assert.Equal(t, "engine_error", domain.ErrorCode(err))
	assert.Equal(t, "query execution failed", domain.PublicMessage(err))

	debug := true
	h.engine.failNext(binder)
	resp, err := h.svc.Execute(context.Background(), Request{TeamID: 1, Query: q, Modifiers: &schema.Modifiers{Debug: &debug}})
	require.NoError(t, err)
	require.NotNil(t, resp.Envelope)
	require.NotNil(t, resp.Envelope.Debug)
	assert.Contains(t, resp.Envelope.Debug.Error, "secret_col")
	assert.Contains(t, resp.Envelope.Debug.Query, "analytics.events")
	assert.NotEmpty(t, resp.Envelope.Debug.Explain)

	ok := h.exec(t, Request{TeamID: 1, Query: q})
	assert.Nil(t, ok.Envelope.Debug, "no debug output unless requested")
}

func TestExecute_RetriesTransientEngineErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := parse(t, hogqlQuery)

	h.engine.failNext(&domain.EngineError{Message: "connection reset", Transient: true})
	resp := h.exec(t, Request{TeamID: 1, Query: q})
	require.NotNil(t, resp.Envelope)
	assert.Equal(t, int64(2), h.engine.calls.Load())

	h.engine.failNext(
		&domain.EngineError{Message: "connection reset", Transient: true},
		&domain.EngineError{Message: "connection reset", Transient: true},
	)
	_, err := h.svc.Execute(context.Background(), Request{TeamID: 1, Query: q, RefreshPolicy: cache.PolicyForceBlocking})
	require.Error(t, err, "attempts are bounded")
}

func TestExecute_AsyncFailureRecordedOnStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.engine.failNext(&domain.EngineError{Message: "Binder Error: nope"})

	resp := h.exec(t, Request{TeamID: 1, Query: parse(t, hogqlQuery), RefreshPolicy: cache.PolicyForceAsync})
	s := h.waitCompleted(t, 1, resp.Status.ID)
	assert.True(t, s.Error)
	require.NotNil(t, s.ErrorMessage)
	assert.Equal(t, "query execution failed", *s.ErrorMessage)
}

func TestExecute_CancelRunningComputation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	gate := make(chan struct{})
	defer close(gate)
	h.engine.mu.Lock()
	h.engine.gate = gate
	h.engine.mu.Unlock()

	resp := h.exec(t, Request{TeamID: 1, Query: parse(t, hogqlQuery), RefreshPolicy: cache.PolicyForceAsync})
	require.Eventually(t, func() bool { return h.engine.calls.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	outcome, err := h.svc.Cancel(context.Background(), 1, resp.Status.ID)
	require.NoError(t, err)
	assert.Equal(t, tracker.Cancelled, outcome)
	s := h.waitCompleted(t, 1, resp.Status.ID)
	assert.Equal(t, domain.CancelledMessage, *s.ErrorMessage)

	outcome, err = h.svc.Cancel(context.Background(), 1, resp.Status.ID)
	require.NoError(t, err)
	assert.Equal(t, tracker.AlreadyTerminal, outcome)
}

func TestExecute_ValidationAndCompileErrorsAreSynchronous(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, policy := range cache.Policies {
		_, err := h.svc.Execute(context.Background(), Request{TeamID: 1,
			Query: parse(t, `{"kind": "HogQLQuery", "query": "select * from no_such_table"}`), RefreshPolicy: policy})
		require.Error(t, err, policy)
		assert.Equal(t, "compile_error", domain.ErrorCode(err), policy)
	}

	_, err := h.svc.Execute(context.Background(), Request{TeamID: 1, Query: parse(t, hogqlQuery), RefreshPolicy: "sometimes"})
	assert.Equal(t, "validation_error", domain.ErrorCode(err))

	_, err = h.svc.Execute(context.Background(), Request{TeamID: 1})
	assert.Equal(t, "validation_error", domain.ErrorCode(err))
	assert.Zero(t, h.engine.calls.Load())
}

func TestExecute_FiltersOverrideChangesKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	q := parse(t, trendsQuery)

	plain := h.exec(t, Request{TeamID: 1, Query: q})
	from := "-1d"
	narrowed := h.exec(t, Request{TeamID: 1, Query: q, FiltersOverride: &schema.DashboardFilter{DateFrom: &from}})
	assert.NotEqual(t, plain.CacheKey, narrowed.CacheKey)
	assert.False(t, narrowed.Envelope.Cache.IsCached)
}

func TestExecute_DatabaseSchemaIsRaw(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.exec(t, Request{TeamID: 1, Query: parse(t, `{"kind": "DatabaseSchemaQuery"}`), RefreshPolicy: cache.PolicyForceCache})
	require.NotNil(t, resp.Envelope)
	assert.False(t, resp.Envelope.Cached())
	assert.Empty(t, resp.CacheKey)
	assert.Zero(t, h.engine.calls.Load())

	res, err := resultOf[schema.DatabaseSchemaResult](resp)
	require.NoError(t, err)
	assert.Contains(t, res.Tables, registry.TableEvents)

	tables, err := h.svc.GetDatabaseSchema(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, tables, registry.TableEvents)
}

func TestExecute_TeamSettingsApply(t *testing.T) {
	t.Parallel()
	dir, err := tenant.Parse([]byte(`
apiVersion: duck-analytics/v1
kind: TeamList
teams:
  - id: 1
    name: Main
    timezone: Europe/Berlin
`))
	require.NoError(t, err)
	h := newHarness(t, withTeams(dir))

	resp := h.exec(t, Request{TeamID: 1, Query: parse(t, trendsQuery)})
	assert.Equal(t, "Europe/Berlin", resp.Envelope.Cache.Timezone)

	_, err = h.svc.Execute(context.Background(), Request{TeamID: 9, Query: parse(t, trendsQuery)})
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestExecute_TeamSettingsChangeTheKey(t *testing.T) {
	t.Parallel()
	dir := tenant.NewLax()
	h := newHarness(t, withTeams(dir))
	filtered := parse(t, `{"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "pageview"}],
		"interval": "day", "dateRange": {"date_from": "-7d"}, "filterTestAccounts": true}`)

	utc := h.exec(t, Request{TeamID: 1, Query: filtered})
	require.False(t, utc.Envelope.Cache.IsCached)
	assert.True(t, h.exec(t, Request{TeamID: 1, Query: filtered}).Envelope.Cache.IsCached)

	dir.Put(domain.Team{ID: 1, Timezone: "America/New_York"})
	ny := h.exec(t, Request{TeamID: 1, Query: filtered})
	assert.NotEqual(t, utc.CacheKey, ny.CacheKey)
	assert.False(t, ny.Envelope.Cache.IsCached, "a result bucketed in UTC is not served after a timezone change")
	assert.Equal(t, "America/New_York", ny.Envelope.Cache.Timezone)

	dir.Put(domain.Team{ID: 1, Timezone: "America/New_York",
		TestAccountFilters: json.RawMessage(`[{"type": "event", "key": "$host", "operator": "is_not", "value": "localhost"}]`)})
	internal := h.exec(t, Request{TeamID: 1, Query: filtered})
	assert.NotEqual(t, ny.CacheKey, internal.CacheKey)
	assert.False(t, internal.Envelope.Cache.IsCached)

	// Queries that do not filter test accounts keep their key.
	plain := parse(t, trendsQuery)
	before := h.exec(t, Request{TeamID: 1, Query: plain})
	dir.Put(domain.Team{ID: 1, Timezone: "America/New_York",
		TestAccountFilters: json.RawMessage(`[{"type": "event", "key": "$host", "operator": "is_not", "value": "127.0.0.1"}]`)})
	after := h.exec(t, Request{TeamID: 1, Query: plain})
	assert.Equal(t, before.CacheKey, after.CacheKey)
	assert.True(t, after.Envelope.Cache.IsCached)
}
