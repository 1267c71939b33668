// Package app wires the query core from configuration: engine, results
// cache, table registry, tenant directory, async tracker and query service.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/quartz"

	"duck-analytics/internal/cache"
	"duck-analytics/internal/config"
	"duck-analytics/internal/db/repository"
	"duck-analytics/internal/engine"
	"duck-analytics/internal/metrics"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/service/query"
	"duck-analytics/internal/tenant"
	"duck-analytics/internal/tracker"
)

// Deps holds what main() must provide: configuration, the SQLite pools and
// the logger. Clock and Metrics may be nil.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sql.DB
	ReadDB  *sql.DB
	Logger  *slog.Logger
	Clock   quartz.Clock
	Metrics *metrics.Metrics
}

// App is the fully wired query core.
type App struct {
	Query    *query.Service
	Tables   *Tables
	Teams    *tenant.Directory
	Registry *registry.Registry
	Engine   *engine.Engine
	Store    cache.Store
	Tracker  *tracker.Tracker
	Metrics  *metrics.Metrics

	logger *slog.Logger
}

// New wires every component. Persisted tenant tables are loaded and their
// physical tables restored before the tracker starts accepting work.
func New(ctx context.Context, deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New()
	}
	clock := deps.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}

	eng, err := engine.Open(ctx, engine.Config{
		Path:        cfg.DuckDBPath,
		Threads:     cfg.EngineThreads,
		MemoryLimit: cfg.EngineMemoryLimit,
	}, m, logger)
	if err != nil {
		return nil, err
	}
	a := &App{Engine: eng, Metrics: m, logger: logger.With("component", "app")}

	// === Tables ===
	tableRepo := repository.NewTableDefinitionRepo(deps.WriteDB)
	a.Registry = registry.New(tableRepo, logger)
	if err := a.Registry.Load(ctx); err != nil {
		return nil, a.abort(err)
	}
	a.Tables = NewTables(a.Registry, eng, logger)
	if err := restorePhysicalTables(ctx, tableRepo, a.Tables, logger); err != nil {
		a.logger.Warn("restore physical tables failed", "error", err)
	}

	// === Tenants ===
	a.Teams, err = loadTeams(ctx, cfg.TeamsFile, a.Tables, logger)
	if err != nil {
		return nil, a.abort(err)
	}

	// === Results cache ===
	store, err := openStore(ctx, cfg.Cache, clock)
	if err != nil {
		return nil, a.abort(err)
	}
	a.Store = cache.Instrument(cfg.Cache.Backend, store, cache.NewStoreMetrics(m.Registerer))

	// === Async tracker ===
	statusRepo := repository.NewQueryStatusRepo(deps.WriteDB)
	a.Tracker, err = tracker.New(statusRepo, tracker.Config{
		Workers:          cfg.Tracker.Workers,
		QueueSize:        cfg.Tracker.QueueSize,
		PickupTimeout:    cfg.Tracker.PickupTimeout,
		ExecutionTimeout: cfg.Tracker.ExecutionTimeout,
		Expiry:           cfg.Tracker.StatusExpiry,
		MaxAttempts:      cfg.Tracker.MaxAttempts,
		SweepSchedule:    cfg.Tracker.SweepSchedule,
	}, clock, m, logger)
	if err != nil {
		return nil, a.abort(err)
	}

	// === Query service ===
	qcfg := query.DefaultConfig()
	qcfg.SyncTimeout = cfg.SyncTimeout
	qcfg.MaxSyncAttempts = cfg.MaxSyncAttempts
	qcfg.Freshness = cache.Freshness{LazyFactor: cfg.Cache.LazyFactor}
	a.Query, err = query.New(a.Teams, a.Registry, eng, a.Store, a.Tracker, qcfg, clock, m, logger)
	if err != nil {
		return nil, a.abort(err)
	}

	a.Tracker.Start()
	return a, nil
}

// openStore selects the configured cache backend. Redis must answer a ping
// before the server starts.
func openStore(ctx context.Context, cfg config.CacheConfig, clock quartz.Clock) (cache.Store, error) {
	switch cfg.Backend {
	case config.CacheRedis:
		r := cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("redis cache %s: %w", cfg.RedisAddr, err)
		}
		return r, nil
	case config.CacheBadger:
		b, err := cache.OpenBadger(cfg.BadgerDir)
		if err != nil {
			return nil, fmt.Errorf("badger cache: %w", err)
		}
		return b, nil
	default:
		return cache.NewMemory(cache.MemoryConfig{Shards: cfg.Shards, Size: cfg.Size}, clock), nil
	}
}

func (a *App) abort(err error) error {
	if cerr := a.Close(context.Background()); cerr != nil {
		a.logger.Warn("cleanup after failed start", "error", cerr)
	}
	return err
}

// Close drains the tracker and releases the cache and engine.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Tracker != nil {
		if err := a.Tracker.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close tracker: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	return errors.Join(errs...)
}
