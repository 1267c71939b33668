// Package query executes analytics queries for a team: it compiles them,
// consults the results cache under the request's refresh policy and either
// serves, recomputes synchronously or hands the computation to the async
// tracker.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"duck-analytics/internal/cache"
	"duck-analytics/internal/compiler"
	"duck-analytics/internal/domain"
	"duck-analytics/internal/envelope"
	"duck-analytics/internal/metrics"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
	"duck-analytics/internal/tenant"
	"duck-analytics/internal/tracker"
)

// Config bounds synchronous computation.
type Config struct {
	// SyncTimeout bounds a synchronous recompute, shared by every caller
	// waiting on the same cache key.
	SyncTimeout time.Duration
	// MaxSyncAttempts includes the first attempt. Only transient engine
	// errors are retried.
	MaxSyncAttempts int
	RetryBackoff    time.Duration
	Freshness       cache.Freshness
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SyncTimeout:     60 * time.Second,
		MaxSyncAttempts: 2,
		RetryBackoff:    100 * time.Millisecond,
		Freshness:       cache.DefaultFreshness,
	}
}

// Service is the query entry point shared by the HTTP API and the CLI.
type Service struct {
	teams   domain.TeamDirectory
	catalog compiler.Catalog
	engine  domain.ExecutionEngine
	store   cache.Store
	tracker *tracker.Tracker
	clock   quartz.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config

	flight singleflight.Group
}

// New wires a Service. clock and logger may be nil.
func New(
	teams domain.TeamDirectory,
	catalog compiler.Catalog,
	engine domain.ExecutionEngine,
	store cache.Store,
	tr *tracker.Tracker,
	cfg Config,
	clock quartz.Clock,
	m *metrics.Metrics,
	logger *slog.Logger,
) (*Service, error) {
	def := DefaultConfig()
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = def.SyncTimeout
	}
	if cfg.MaxSyncAttempts <= 0 {
		cfg.MaxSyncAttempts = def.MaxSyncAttempts
	}
	if cfg.Freshness.LazyFactor == 0 {
		cfg.Freshness = def.Freshness
	}
	if err := cfg.Freshness.Validate(); err != nil {
		return nil, err
	}
	if teams == nil || catalog == nil || engine == nil || store == nil || tr == nil || m == nil {
		return nil, fmt.Errorf("query service: missing dependency")
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		teams:   teams,
		catalog: catalog,
		engine:  engine,
		store:   store,
		tracker: tr,
		clock:   clock,
		metrics: m,
		logger:  logger.With("component", "query"),
		cfg:     cfg,
	}, nil
}

// Request is one query execution.
type Request struct {
	TeamID            int64
	Query             schema.Query
	Modifiers         *schema.Modifiers
	RefreshPolicy     cache.RefreshPolicy
	ClientQueryID     string
	FiltersOverride   *schema.DashboardFilter
	VariablesOverride map[string]schema.HogQLVariable
	InsightID         *int64
	DashboardID       *int64
	Explain           bool
	// ClientTriggered marks a user-initiated refresh, which is throttled by
	// the entry's next_allowed_client_refresh.
	ClientTriggered bool
}

// Response is the outcome of Execute. Exactly one of Envelope, Status or
// Miss describes it.
type Response struct {
	Decision cache.Decision
	CacheKey string
	Envelope *envelope.Envelope[schema.Result]
	// Status is set when the computation was handed to the tracker.
	Status *domain.QueryStatus
	// Miss is set when force_cache found nothing to serve.
	Miss bool
}

// MarshalJSON encodes a served result as its envelope and the other
// outcomes as {cache_key, query_status}.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Envelope != nil {
		return json.Marshal(r.Envelope)
	}
	return json.Marshal(struct {
		CacheKey    string              `json:"cache_key"`
		QueryStatus *domain.QueryStatus `json:"query_status,omitempty"`
	}{r.CacheKey, r.Status})
}

// ExecuteAs runs req and narrows the served result to T. Responses without
// results return the zero envelope and no error.
func ExecuteAs[T schema.Result](ctx context.Context, s *Service, req Request) (envelope.Envelope[T], *Response, error) {
	resp, err := s.Execute(ctx, req)
	if err != nil {
		return envelope.Envelope[T]{}, nil, err
	}
	if resp.Envelope == nil {
		return envelope.Envelope[T]{}, resp, nil
	}
	env, err := envelope.As[T](*resp.Envelope)
	return env, resp, err
}

// prepared is a compiled request.
type prepared struct {
	req     Request
	query   schema.Query
	plan    *compiler.Plan
	tz      string
	debug   *envelope.Debug
	timings []envelope.Timing
}

// Execute runs req under its refresh policy. Validation and compile errors
// are returned for every policy.
func (s *Service) Execute(ctx context.Context, req Request) (*Response, error) {
	policy, err := cache.ParsePolicy(string(req.RefreshPolicy))
	if err != nil {
		return nil, err
	}
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	kind := string(p.plan.Kind)

	if !p.query.Cacheable() {
		s.metrics.QueriesTotal.WithLabelValues(kind, "uncached").Inc()
		c, err := s.compute(ctx, p, nil, "uncached")
		if err != nil {
			return s.failed(err, p, nil)
		}
		env := envelope.Wrap(c.result, nil, p.timingsOrNil(), p.debug)
		return &Response{Decision: cache.RecomputeSync, Envelope: &env}, nil
	}

	key, err := cache.Key(req.TeamID, req.Query, p.plan.Modifiers, cache.Overrides{
		Filters:      req.FiltersOverride,
		Variables:    req.VariablesOverride,
		Timezone:     p.plan.Timezone,
		TestAccounts: p.plan.TestAccountFilters,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	entry, cached := s.lookup(ctx, key, p.plan.Kind)
	decision := s.cfg.Freshness.Decide(entry, policy, now, req.ClientTriggered)
	s.metrics.QueriesTotal.WithLabelValues(kind, string(decision)).Inc()
	s.logger.Debug("refresh decision", "team_id", req.TeamID, "cache_key", key,
		"policy", policy, "decision", decision, "kind", kind)

	resp := &Response{Decision: decision, CacheKey: key}
	switch decision {
	case cache.ServeCached:
		env := envelope.Wrap(cached, s.meta(key, entry, true, ""), p.timingsOrNil(), p.debug)
		resp.Envelope = &env
	case cache.RecomputeSync:
		c, err := s.recompute(ctx, p, key)
		if err != nil {
			return s.failed(err, p, &envelope.CacheMeta{CacheKey: key, Timezone: p.tz})
		}
		p.timings = append(p.timings, envelope.Timing{K: "execute", T: c.elapsed.Seconds()})
		env := envelope.Wrap(c.result, s.meta(key, c.entry, false, trigger(req)), p.timingsOrNil(), p.debug)
		resp.Envelope = &env
	case cache.RecomputeAsync:
		status, err := s.submit(ctx, p, key)
		if err != nil {
			return nil, err
		}
		resp.Status = status
	case cache.CacheMissNoCompute:
		resp.Miss = true
	}
	return resp, nil
}

func (s *Service) prepare(ctx context.Context, req Request) (*prepared, error) {
	if req.Query.IsZero() {
		return nil, domain.ErrValidation("query is required")
	}
	team, err := s.teams.Team(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}
	tz := team.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.ErrValidation("team %d timezone %q: %v", team.ID, tz, err)
	}
	teamMods, err := tenant.DecodeModifiers(team.Modifiers)
	if err != nil {
		return nil, err
	}
	testAccounts, err := tenant.DecodeFilters(team.TestAccountFilters)
	if err != nil {
		return nil, err
	}

	q, err := schema.ApplyOverrides(req.Query, req.FiltersOverride, req.VariablesOverride)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	plan, err := compiler.Compile(ctx, req.TeamID, q, req.Modifiers, s.catalog, compiler.Options{
		Now:                s.clock.Now(),
		Timezone:           loc,
		TeamModifiers:      teamMods,
		TestAccountFilters: testAccounts,
		Explain:            req.Explain,
	})
	if err != nil {
		return nil, err
	}

	p := &prepared{req: req, query: q, plan: plan, tz: tz}
	if plan.Modifiers.Timings {
		p.timings = []envelope.Timing{{K: "compile", T: time.Since(start).Seconds()}}
	}
	if plan.Debug != nil {
		p.debug = &envelope.Debug{Query: plan.Debug.SQL, Explain: plan.Debug.Explanation}
	}
	if len(plan.Statements) > 0 {
		path := "raw"
		if plan.UsedPreaggregatedTables {
			path = "rollup"
		}
		s.metrics.RollupQueries.WithLabelValues(string(plan.Kind), path).Inc()
	}
	return p, nil
}

func (p *prepared) timingsOrNil() []envelope.Timing {
	if !p.plan.Modifiers.Timings {
		return nil
	}
	return p.timings
}

// lookup reads key from the cache. A store failure or an entry that cannot
// be decoded as kind degrades to a miss.
func (s *Service) lookup(ctx context.Context, key string, kind schema.Kind) (*cache.Entry, schema.Result) {
	entry, err := s.store.Get(ctx, key)
	if err != nil {
		s.metrics.CacheDegraded.Inc()
		s.logger.Warn("cache read failed, treating as miss", "cache_key", key, "error", err)
		return nil, nil
	}
	if entry == nil {
		return nil, nil
	}
	if entry.Kind != kind {
		s.logger.Warn("cached entry has a different kind", "cache_key", key, "want", kind, "got", entry.Kind)
		return nil, nil
	}
	result, err := schema.DecodeResult(kind, entry.Results)
	if err != nil {
		s.logger.Warn("cached entry is unreadable", "cache_key", key, "error", err)
		return nil, nil
	}
	return entry, result
}

func (s *Service) meta(key string, e *cache.Entry, cached bool, trigger string) *envelope.CacheMeta {
	return &envelope.CacheMeta{
		CacheKey:                 key,
		IsCached:                 cached,
		LastRefresh:              e.LastRefresh,
		CacheTargetAge:           e.CacheTargetAge,
		NextAllowedClientRefresh: e.NextAllowedClientRefresh,
		CalculationTrigger:       trigger,
		Timezone:                 e.Timezone,
	}
}

func trigger(req Request) string {
	switch {
	case req.DashboardID != nil:
		return envelope.TriggerDashboard
	case req.InsightID != nil:
		return envelope.TriggerInsight
	default:
		return envelope.TriggerClient
	}
}

// failed inlines err into an envelope under debug and returns it otherwise.
func (s *Service) failed(err error, p *prepared, meta *envelope.CacheMeta) (*Response, error) {
	env, werr := envelope.WrapError[schema.Result](err, meta, p.timingsOrNil(), p.debug)
	if werr != nil {
		return nil, werr
	}
	resp := &Response{Decision: cache.RecomputeSync, Envelope: &env}
	if meta != nil {
		resp.CacheKey = meta.CacheKey
	}
	return resp, nil
}

// computed is one freshly computed result and its cache entry.
type computed struct {
	result  schema.Result
	raw     json.RawMessage
	entry   *cache.Entry
	elapsed time.Duration
}

// recompute computes p synchronously. Concurrent callers for the same key
// share one computation that is bounded by SyncTimeout and outlives any
// single caller's cancellation.
func (s *Service) recompute(ctx context.Context, p *prepared, key string) (*computed, error) {
	ch := s.flight.DoChan(key, func() (any, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SyncTimeout)
		defer cancel()
		return s.computeWithRetry(runCtx, p, key)
	})
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.ErrTimeout("query did not finish before the request deadline")
		}
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*computed), nil
	}
}

func (s *Service) computeWithRetry(ctx context.Context, p *prepared, key string) (*computed, error) {
	for attempt := 1; ; attempt++ {
		c, err := s.computeAndStore(ctx, p, key, nil, "sync")
		if err == nil {
			return c, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.ErrTimeout("query exceeded the synchronous timeout of %s", s.cfg.SyncTimeout)
		}
		var engineErr *domain.EngineError
		if attempt >= s.cfg.MaxSyncAttempts || !errors.As(err, &engineErr) || !engineErr.Transient {
			return nil, err
		}
		s.logger.Info("retrying transient engine failure", "cache_key", key, "attempt", attempt, "error", err)
		if err := s.wait(ctx, time.Duration(attempt)*s.cfg.RetryBackoff); err != nil {
			return nil, domain.ErrTimeout("query exceeded the synchronous timeout of %s", s.cfg.SyncTimeout)
		}
	}
}

func (s *Service) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := s.clock.NewTimer(d, "query", "retry")
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// computeAndStore computes p and writes the result under key. A failed
// cache write is logged and does not fail the computation.
func (s *Service) computeAndStore(ctx context.Context, p *prepared, key string, progress domain.ProgressFunc, mode string) (*computed, error) {
	c, err := s.compute(ctx, p, progress, mode)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	c.entry = cache.NewEntry(p.query, c.raw, now, p.tz)
	if err := s.store.Set(ctx, key, c.entry, s.cfg.Freshness.Retention(c.entry, now)); err != nil {
		s.metrics.CacheDegraded.Inc()
		s.logger.Warn("cache write failed", "cache_key", key, "error", err)
	}
	return c, nil
}

// compute runs every statement of the plan and assembles the typed result.
// Statements are independent and run concurrently.
func (s *Service) compute(ctx context.Context, p *prepared, progress domain.ProgressFunc, mode string) (*computed, error) {
	start := time.Now()
	rows := make([]*domain.Rows, len(p.plan.Statements))
	g, gctx := errgroup.WithContext(ctx)
	for i, stmt := range p.plan.Statements {
		g.Go(func() error {
			r, err := s.engine.Run(gctx, stmt.SQL, progress)
			if err != nil {
				return err
			}
			rows[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("query execution failed", "team_id", p.req.TeamID, "kind", p.plan.Kind, "mode", mode, "error", err)
		return nil, err
	}
	result, err := p.plan.Assemble(rows)
	if err != nil {
		return nil, fmt.Errorf("assemble %s: %w", p.plan.Kind, err)
	}
	result, raw, err := schema.Normalize(p.plan.Kind, result)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", p.plan.Kind, err)
	}
	elapsed := time.Since(start)
	s.metrics.ComputeDuration.WithLabelValues(string(p.plan.Kind), mode).Observe(elapsed.Seconds())
	return &computed{result: result, raw: raw, elapsed: elapsed}, nil
}

// submit hands p to the tracker. The tracker retries transient failures,
// so each Work call is a single attempt.
func (s *Service) submit(ctx context.Context, p *prepared, key string) (*domain.QueryStatus, error) {
	return s.tracker.Submit(ctx, tracker.SubmitRequest{
		TeamID:        p.req.TeamID,
		CacheKey:      key,
		QueryKind:     string(p.plan.Kind),
		ClientQueryID: p.req.ClientQueryID,
		InsightID:     p.req.InsightID,
		DashboardID:   p.req.DashboardID,
		Debug:         p.debug != nil,
		Work: func(ctx context.Context, progress domain.ProgressFunc) (json.RawMessage, error) {
			c, err := s.computeAndStore(ctx, p, key, progress, "async")
			if err != nil {
				return nil, err
			}
			return c.entry.Results, nil
		},
	})
}

// GetStatus returns an async status owned by teamID.
func (s *Service) GetStatus(ctx context.Context, teamID int64, id string) (*domain.QueryStatus, error) {
	return s.tracker.Poll(ctx, teamID, id)
}

// Cancel interrupts an async computation owned by teamID.
func (s *Service) Cancel(ctx context.Context, teamID int64, id string) (tracker.CancelOutcome, error) {
	return s.tracker.Cancel(ctx, teamID, id)
}

// GetDatabaseSchema lists every table visible to teamID.
func (s *Service) GetDatabaseSchema(ctx context.Context, teamID int64) (map[string]registry.TableDescription, error) {
	if _, err := s.teams.Team(ctx, teamID); err != nil {
		return nil, err
	}
	return s.catalog.Tables(ctx, teamID), nil
}
