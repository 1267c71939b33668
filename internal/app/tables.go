package app

import (
	"context"
	"fmt"
	"log/slog"

	"duck-analytics/internal/engine"
	"duck-analytics/internal/registry"
)

// Tables registers tenant tables and keeps their physical storage in the
// engine in step with the registry.
type Tables struct {
	registry *registry.Registry
	engine   *engine.Engine
	logger   *slog.Logger
}

// NewTables creates a Tables.
func NewTables(reg *registry.Registry, eng *engine.Engine, logger *slog.Logger) *Tables {
	return &Tables{registry: reg, engine: eng, logger: logger.With("component", "tables")}
}

// Register adds desc to the registry and creates its physical table when it
// has one. A table whose storage cannot be created is removed again.
func (t *Tables) Register(ctx context.Context, teamID int64, desc registry.TableDescription) error {
	if err := t.registry.Register(ctx, teamID, desc); err != nil {
		return err
	}
	if err := t.ensurePhysical(ctx, teamID, desc.Name); err != nil {
		if uerr := t.registry.Unregister(ctx, teamID, desc.Name); uerr != nil {
			t.logger.Warn("rollback table registration", "team_id", teamID, "table", desc.Name, "error", uerr)
		}
		return err
	}
	return nil
}

// Unregister removes a tenant table. Physical data is kept so a later
// registration under the same name sees it again.
func (t *Tables) Unregister(ctx context.Context, teamID int64, name string) error {
	return t.registry.Unregister(ctx, teamID, name)
}

func (t *Tables) ensurePhysical(ctx context.Context, teamID int64, name string) error {
	desc, err := t.registry.Resolve(ctx, teamID, name)
	if err != nil {
		return err
	}
	if desc.Physical == "" || desc.System {
		return nil
	}
	ddl, err := engine.TableDDL(*desc)
	if err != nil {
		return err
	}
	if _, err := t.engine.DB().ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create physical table for %q: %w", name, err)
	}
	return nil
}
