package app

import (
	"context"
	"fmt"
	"log/slog"

	"duck-analytics/internal/domain"
)

// restorePhysicalTables recreates the storage of persisted tenant tables. An
// in-memory engine loses it on restart, so this runs at startup. Failures are
// logged per table and do not stop the server.
func restorePhysicalTables(ctx context.Context, repo domain.TableDefinitionRepository, tables *Tables, logger *slog.Logger) error {
	defs, err := repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list table definitions: %w", err)
	}
	restored := 0
	for _, def := range defs {
		if err := tables.ensurePhysical(ctx, def.TeamID, def.Name); err != nil {
			logger.Warn("restore physical table", "team_id", def.TeamID, "table", def.Name, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		logger.Info("restored tenant tables", "count", restored)
	}
	return nil
}
