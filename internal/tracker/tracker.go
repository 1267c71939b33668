// Package tracker runs asynchronous query computations and records their
// lifecycle in the status store.
//
// At most one status per (team, cache key) is in flight. The status store's
// partial unique index is the claim: concurrent submitters that lose the
// insert race receive the winner's status instead of starting a second
// computation.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/metrics"
)

// Work computes the results of one status. It must honor ctx.
type Work func(ctx context.Context, progress domain.ProgressFunc) (json.RawMessage, error)

// SubmitRequest describes one async computation.
type SubmitRequest struct {
	TeamID        int64
	CacheKey      string
	QueryKind     string
	ClientQueryID string
	InsightID     *int64
	DashboardID   *int64
	// Debug records raw error text on failure instead of the public message.
	Debug bool
	Work  Work
}

// CancelOutcome reports what Cancel did.
type CancelOutcome string

// Cancel outcomes.
const (
	Cancelled       CancelOutcome = "cancelled"
	AlreadyTerminal CancelOutcome = "already_terminal"
)

// Config bounds the tracker.
type Config struct {
	Workers int
	// QueueSize bounds computations waiting for a free worker.
	QueueSize        int
	PickupTimeout    time.Duration
	ExecutionTimeout time.Duration
	// Expiry is how long a status stays readable after submission.
	Expiry       time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	// SweepSchedule is the cron spec of the expiry sweep and pickup watchdog.
	SweepSchedule string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:          8,
		QueueSize:        256,
		PickupTimeout:    time.Minute,
		ExecutionTimeout: 10 * time.Minute,
		Expiry:           30 * time.Minute,
		MaxAttempts:      3,
		RetryBackoff:     200 * time.Millisecond,
		SweepSchedule:    "@every 1m",
	}
}

// Tracker owns the async worker pool.
type Tracker struct {
	repo    domain.QueryStatusRepository
	cfg     Config
	clock   quartz.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	pool    *ants.Pool
	cron    *cron.Cron

	cancels sync.Map // status id -> context.CancelFunc
	running sync.WaitGroup
}

// New creates a tracker. Start must be called to run the sweep.
func New(repo domain.QueryStatusRepository, cfg Config, clock quartz.Clock, m *metrics.Metrics, logger *slog.Logger) (*Tracker, error) {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.PickupTimeout <= 0 {
		cfg.PickupTimeout = def.PickupTimeout
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = def.ExecutionTimeout
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = def.Expiry
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = def.SweepSchedule
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracker")

	t := &Tracker{
		repo:    repo,
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: m,
		cron:    cron.New(),
	}
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithMaxBlockingTasks(cfg.QueueSize),
		ants.WithPanicHandler(func(p any) {
			logger.Error("async worker panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	t.pool = pool
	if _, err := t.cron.AddFunc(cfg.SweepSchedule, func() {
		if err := t.Sweep(context.Background()); err != nil {
			t.logger.Warn("status sweep failed", "error", err)
		}
	}); err != nil {
		pool.Release()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	return t, nil
}

// Start begins the periodic sweep.
func (t *Tracker) Start() {
	t.cron.Start()
}

// Close stops the sweep, cancels running computations and waits for the
// workers to return or ctx to end.
func (t *Tracker) Close(ctx context.Context) error {
	<-t.cron.Stop().Done()
	t.cancels.Range(func(_, v any) bool {
		v.(context.CancelFunc)()
		return true
	})
	done := make(chan struct{})
	go func() {
		t.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.pool.Release()
	return nil
}

// Submit starts req unless an equivalent computation is already in flight,
// in which case the existing status is returned.
func (t *Tracker) Submit(ctx context.Context, req SubmitRequest) (*domain.QueryStatus, error) {
	if req.Work == nil {
		return nil, domain.ErrValidation("submit requires work")
	}
	for attempt := 0; attempt < 3; attempt++ {
		now := t.clock.Now()
		created, err := t.repo.Create(ctx, &domain.QueryStatus{
			TeamID:         req.TeamID,
			InsightID:      req.InsightID,
			DashboardID:    req.DashboardID,
			CacheKey:       req.CacheKey,
			ClientQueryID:  req.ClientQueryID,
			QueryKind:      req.QueryKind,
			StartTime:      now,
			ExpirationTime: now.Add(t.cfg.Expiry),
		})
		if err == nil {
			t.metrics.AsyncSubmitted.WithLabelValues("created").Inc()
			t.dispatch(created, req)
			return created, nil
		}
		var conflict *domain.ConflictError
		if !errors.As(err, &conflict) {
			return nil, fmt.Errorf("create query status: %w", err)
		}

		existing, err := t.repo.GetInFlight(ctx, req.TeamID, req.CacheKey)
		var notFound *domain.NotFoundError
		switch {
		case errors.As(err, &notFound):
			// The in-flight status finished between the insert and the read.
			continue
		case err != nil:
			return nil, fmt.Errorf("load in-flight status: %w", err)
		}
		if reason := t.abandoned(existing, now); reason != "" {
			t.logger.Warn("replacing abandoned status", "status_id", existing.ID, "reason", reason)
			if _, err := t.repo.Fail(ctx, existing.ID, reason, now); err != nil {
				return nil, fmt.Errorf("fail abandoned status: %w", err)
			}
			continue
		}
		t.metrics.AsyncSubmitted.WithLabelValues("coalesced").Inc()
		return existing, nil
	}
	return nil, domain.ErrConflict("query %q is being resubmitted concurrently", req.CacheKey)
}

// abandoned reports why an in-flight status can no longer finish, or "".
func (t *Tracker) abandoned(s *domain.QueryStatus, now time.Time) string {
	switch {
	case s.State(now) == domain.QueryStateExpired:
		return "Query expired before completion"
	case s.PickupTime == nil && now.Sub(s.StartTime) > t.cfg.PickupTimeout:
		return pickupTimeoutMessage(t.cfg.PickupTimeout)
	case s.PickupTime != nil && now.Sub(*s.PickupTime) > t.cfg.ExecutionTimeout+t.cfg.PickupTimeout:
		return "Query worker stopped responding"
	}
	return ""
}

func pickupTimeoutMessage(d time.Duration) string {
	return fmt.Sprintf("Query was not picked up within %s", d)
}

// dispatch queues s without blocking the submitter. Time spent waiting for
// a worker counts against the pickup timeout.
func (t *Tracker) dispatch(s *domain.QueryStatus, req SubmitRequest) {
	t.running.Add(1)
	go func() {
		err := t.pool.Submit(func() {
			defer t.running.Done()
			t.run(s, req)
		})
		if err != nil {
			t.running.Done()
			t.logger.Warn("worker pool rejected computation", "status_id", s.ID, "error", err)
			t.finish(s.ID, "rejected", func(ctx context.Context, at time.Time) (bool, error) {
				return t.repo.Fail(ctx, s.ID, "Query queue is full", at)
			})
		}
	}()
}

func (t *Tracker) run(s *domain.QueryStatus, req SubmitRequest) {
	now := t.clock.Now()
	if now.Sub(s.StartTime) > t.cfg.PickupTimeout {
		t.finish(s.ID, "pickup_timeout", func(ctx context.Context, at time.Time) (bool, error) {
			return t.repo.Fail(ctx, s.ID, pickupTimeoutMessage(t.cfg.PickupTimeout), at)
		})
		return
	}
	claimed, err := t.repo.MarkPickedUp(context.Background(), s.ID, now)
	if err != nil {
		t.logger.Error("pickup failed", "status_id", s.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ExecutionTimeout)
	t.cancels.Store(s.ID, cancel)
	defer t.cancels.Delete(s.ID)
	defer cancel()

	t.metrics.AsyncRunning.Inc()
	defer t.metrics.AsyncRunning.Dec()

	progress := func(p domain.QueryProgress) {
		if err := t.repo.UpdateProgress(context.Background(), s.ID, p); err != nil {
			t.logger.Debug("progress update failed", "status_id", s.ID, "error", err)
		}
	}

	for attempt := 1; ; attempt++ {
		if err := t.repo.IncrementAttempts(context.Background(), s.ID); err != nil {
			t.logger.Warn("attempt counter update failed", "status_id", s.ID, "error", err)
		}
		results, err := req.Work(ctx, progress)
		if err == nil {
			t.finish(s.ID, "completed", func(ctx context.Context, at time.Time) (bool, error) {
				return t.repo.Complete(ctx, s.ID, results, at)
			})
			return
		}

		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			t.finish(s.ID, "cancelled", func(ctx context.Context, at time.Time) (bool, error) {
				return t.repo.Fail(ctx, s.ID, domain.CancelledMessage, at)
			})
			return
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			t.finish(s.ID, "timeout", func(ctx context.Context, at time.Time) (bool, error) {
				return t.repo.Fail(ctx, s.ID, fmt.Sprintf("Query exceeded the execution timeout of %s", t.cfg.ExecutionTimeout), at)
			})
			return
		}

		if attempt >= t.cfg.MaxAttempts || !isTransient(err) {
			t.logger.Warn("async query failed", "status_id", s.ID, "attempt", attempt, "error", err)
			msg := domain.PublicMessage(err)
			if req.Debug {
				msg = err.Error()
			}
			t.finish(s.ID, "failed", func(ctx context.Context, at time.Time) (bool, error) {
				return t.repo.Fail(ctx, s.ID, msg, at)
			})
			return
		}

		t.logger.Info("retrying transient failure", "status_id", s.ID, "attempt", attempt, "error", err)
		t.wait(ctx, time.Duration(attempt)*t.cfg.RetryBackoff)
	}
}

// wait sleeps for d on the tracker clock or until ctx ends. The next
// attempt observes ctx.Err().
func (t *Tracker) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := t.clock.NewTimer(d, "tracker", "retry")
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// finish applies a guarded terminal transition. A false result means the
// status had already reached a terminal state.
func (t *Tracker) finish(id, outcome string, update func(ctx context.Context, at time.Time) (bool, error)) {
	changed, err := update(context.Background(), t.clock.Now())
	if err != nil {
		t.logger.Error("terminal status update failed", "status_id", id, "outcome", outcome, "error", err)
		return
	}
	if changed {
		t.metrics.AsyncFinished.WithLabelValues(outcome).Inc()
	}
}

func isTransient(err error) bool {
	var engine *domain.EngineError
	if errors.As(err, &engine) {
		return engine.Transient
	}
	var timeout *domain.TimeoutError
	return errors.As(err, &timeout)
}

// Poll returns the status owned by teamID. Expired statuses are reported as
// not found.
func (t *Tracker) Poll(ctx context.Context, teamID int64, id string) (*domain.QueryStatus, error) {
	s, err := t.repo.Get(ctx, teamID, id)
	if err != nil {
		return nil, err
	}
	if s.State(t.clock.Now()) == domain.QueryStateExpired {
		return nil, domain.ErrNotFound("query status %q not found", id)
	}
	return s, nil
}

// Cancel interrupts a submitted or running computation and marks it failed.
// Cancelling a completed or failed status changes nothing.
func (t *Tracker) Cancel(ctx context.Context, teamID int64, id string) (CancelOutcome, error) {
	s, err := t.Poll(ctx, teamID, id)
	if err != nil {
		return "", err
	}
	if s.Complete {
		return AlreadyTerminal, nil
	}
	changed, err := t.repo.Fail(ctx, id, domain.CancelledMessage, t.clock.Now())
	if err != nil {
		return "", fmt.Errorf("cancel status: %w", err)
	}
	if cancel, ok := t.cancels.Load(id); ok {
		cancel.(context.CancelFunc)()
	}
	if !changed {
		return AlreadyTerminal, nil
	}
	t.metrics.AsyncFinished.WithLabelValues("cancelled").Inc()
	t.logger.Info("query cancelled", "status_id", id, "team_id", teamID)
	return Cancelled, nil
}

// Sweep fails statuses no worker picked up in time and deletes expired ones.
func (t *Tracker) Sweep(ctx context.Context) error {
	now := t.clock.Now()
	stale, err := t.repo.ListStalePending(ctx, now.Add(-t.cfg.PickupTimeout))
	if err != nil {
		return fmt.Errorf("list stale statuses: %w", err)
	}
	for _, s := range stale {
		changed, err := t.repo.Fail(ctx, s.ID, pickupTimeoutMessage(t.cfg.PickupTimeout), now)
		if err != nil {
			return fmt.Errorf("fail stale status %s: %w", s.ID, err)
		}
		if changed {
			t.metrics.StatusesSwept.WithLabelValues("pickup_timeout").Inc()
		}
	}
	deleted, err := t.repo.DeleteExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("delete expired statuses: %w", err)
	}
	t.metrics.StatusesSwept.WithLabelValues("expired").Add(float64(deleted))
	if deleted > 0 || len(stale) > 0 {
		t.logger.Info("status sweep", "expired", deleted, "pickup_timeouts", len(stale))
	}
	return nil
}
