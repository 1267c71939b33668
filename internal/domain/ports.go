package domain

import (
	"context"
	"encoding/json"
	"time"
)

// QueryStatusRepository persists async status records. Every read and write
// is scoped by team id.
type QueryStatusRepository interface {
	// Create inserts a new in-flight status. It returns a ConflictError when
	// the team already has an in-flight status for the same cache key.
	Create(ctx context.Context, s *QueryStatus) (*QueryStatus, error)
	Get(ctx context.Context, teamID int64, id string) (*QueryStatus, error)
	GetInFlight(ctx context.Context, teamID int64, cacheKey string) (*QueryStatus, error)
	// MarkPickedUp claims a submitted status. It reports false when the
	// status was already claimed or completed.
	MarkPickedUp(ctx context.Context, id string, at time.Time) (bool, error)
	UpdateProgress(ctx context.Context, id string, p QueryProgress) error
	// Complete and Fail only modify statuses that are not yet complete and
	// report whether a row changed.
	Complete(ctx context.Context, id string, results json.RawMessage, at time.Time) (bool, error)
	Fail(ctx context.Context, id string, message string, at time.Time) (bool, error)
	IncrementAttempts(ctx context.Context, id string) error
	ListStalePending(ctx context.Context, submittedBefore time.Time) ([]QueryStatus, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// TableDefinition is the persisted form of a tenant-registered table.
type TableDefinition struct {
	TeamID     int64
	Name       string
	Definition json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TableDefinitionRepository persists tenant table registrations.
type TableDefinitionRepository interface {
	Upsert(ctx context.Context, d *TableDefinition) error
	Delete(ctx context.Context, teamID int64, name string) error
	List(ctx context.Context) ([]TableDefinition, error)
}

// Rows is the tabular output of the execution engine.
type Rows struct {
	Columns []string
	Types   []string
	Values  [][]any
}

// ProgressFunc receives partial progress from the execution engine.
type ProgressFunc func(QueryProgress)

// ExecutionEngine runs compiled physical SQL.
type ExecutionEngine interface {
	Run(ctx context.Context, sql string, progress ProgressFunc) (*Rows, error)
}

// Team holds per-tenant settings the query core consults.
type Team struct {
	ID       int64
	Name     string
	Timezone string
	// Modifiers holds the tenant's default query modifiers as JSON.
	Modifiers json.RawMessage
	// TestAccountFilters holds the property filters applied when a query
	// sets filterTestAccounts, as JSON.
	TestAccountFilters json.RawMessage
}

// TeamDirectory resolves tenant settings.
type TeamDirectory interface {
	Team(ctx context.Context, id int64) (*Team, error)
}
