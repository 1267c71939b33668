// Package engine executes compiled plans against an embedded DuckDB.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // register the duckdb driver
	"github.com/sony/gobreaker/v2"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/metrics"
)

var _ domain.ExecutionEngine = (*Engine)(nil)

// Config configures the embedded engine.
type Config struct {
	// Path is the database file. Empty opens an in-memory database.
	Path        string
	Threads     int
	MemoryLimit string
	// AllowExternalAccess keeps file and network readers enabled. Tests that
	// load fixtures from disk set it; servers leave it off.
	AllowExternalAccess bool
	// BreakerFailures opens the breaker after this many consecutive
	// transient failures.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Engine runs physical SQL. Transient failures trip a circuit breaker so a
// struggling engine sheds load instead of queueing more work.
type Engine struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker[*domain.Rows]
	logger  *slog.Logger
}

// Open opens DuckDB, creates the physical schemas and locks the
// configuration.
func Open(ctx context.Context, cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")

	db, err := sql.Open("duckdb", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	e := New(db, cfg, m, logger)
	if err := e.configure(ctx, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}
	return e, nil
}

// New wraps an already opened DuckDB handle.
func New(db *sql.DB, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	e := &Engine{db: db, logger: logger}
	e.breaker = gobreaker.NewCircuitBreaker[*domain.Rows](gobreaker.Settings{
		Name:    "duckdb",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only engine trouble counts against the breaker. Bad SQL and
		// cancelled requests do not.
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("engine breaker state changed", "from", from.String(), "to", to.String())
			if m != nil {
				m.EngineBreakerState.WithLabelValues(name).Set(float64(to))
			}
		},
	})
	return e
}

func (e *Engine) configure(ctx context.Context, cfg Config) error {
	var stmts []string
	if cfg.Threads > 0 {
		stmts = append(stmts, fmt.Sprintf("SET threads = %d", cfg.Threads))
	}
	if cfg.MemoryLimit != "" {
		stmts = append(stmts, fmt.Sprintf("SET memory_limit = '%s'", strings.ReplaceAll(cfg.MemoryLimit, "'", "''")))
	}
	stmts = append(stmts, SchemaDDL()...)
	if !cfg.AllowExternalAccess {
		stmts = append(stmts, "SET enable_external_access = false", "SET lock_configuration = true")
	}
	for _, stmt := range stmts {
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("configure engine (%s): %w", stmt, err)
		}
	}
	return nil
}

// DB exposes the handle for fixtures and schema management.
func (e *Engine) DB() *sql.DB { return e.db }

// Close closes the database.
func (e *Engine) Close() error { return e.db.Close() }

// Run executes sqlText and returns normalized rows.
func (e *Engine) Run(ctx context.Context, sqlText string, progress domain.ProgressFunc) (*domain.Rows, error) {
	start := time.Now()
	rows, err := e.breaker.Execute(func() (*domain.Rows, error) {
		return e.query(ctx, sqlText)
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if progress != nil {
		progress(domain.QueryProgress{
			RowsRead:    int64(len(rows.Values)),
			TimeElapsed: elapsed.Seconds(),
		})
	}
	e.logger.Debug("query executed", "rows", len(rows.Values), "elapsed", elapsed)
	return rows, nil
}

func (e *Engine) query(ctx context.Context, sqlText string) (*domain.Rows, error) {
	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	out := &domain.Rows{Columns: cols, Types: make([]string, len(types))}
	for i, t := range types {
		out.Types[i] = t.DatabaseTypeName()
	}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			vals[i] = normalize(out.Types[i], v)
		}
		out.Values = append(out.Values, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// transientHints mark engine failures worth retrying.
var transientHints = []string{"out of memory", "io error", "interrupt", "could not set lock", "connection"}

func isTransient(err error) bool {
	var engine *domain.EngineError
	if errors.As(err, &engine) {
		return engine.Transient
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range transientHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// classify maps driver and breaker errors onto domain errors.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.ErrTimeout("query exceeded its deadline")
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &domain.EngineError{Message: "execution engine is unavailable", Transient: true, Err: err}
	}
	return &domain.EngineError{Message: err.Error(), Transient: isTransient(err), Err: err}
}
