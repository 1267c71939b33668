package app

import (
	"context"
	"log/slog"

	"duck-analytics/internal/tenant"
)

// loadTeams builds the tenant directory. Without a teams file every team id
// is accepted with UTC defaults; with one, only the listed teams exist and
// their tables are registered.
func loadTeams(ctx context.Context, path string, tables *Tables, logger *slog.Logger) (*tenant.Directory, error) {
	if path == "" {
		logger.Info("no teams file configured, accepting every team id")
		return tenant.NewLax(), nil
	}
	dir, err := tenant.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := dir.Seed(ctx, tables, logger); err != nil {
		return nil, err
	}
	logger.Info("teams loaded", "path", path, "teams", len(dir.IDs()))
	return dir, nil
}
