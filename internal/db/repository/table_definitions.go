package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"duck-analytics/internal/domain"
)

var _ domain.TableDefinitionRepository = (*TableDefinitionRepo)(nil)

// TableDefinitionRepo persists tenant-registered tables.
type TableDefinitionRepo struct {
	db *sql.DB
}

// NewTableDefinitionRepo creates a TableDefinitionRepo.
func NewTableDefinitionRepo(db *sql.DB) *TableDefinitionRepo {
	return &TableDefinitionRepo{db: db}
}

// Upsert inserts or replaces the definition of (team, name).
func (r *TableDefinitionRepo) Upsert(ctx context.Context, d *domain.TableDefinition) error {
	if d == nil || d.Name == "" {
		return domain.ErrValidation("table definition name is required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO table_definitions (team_id, name, definition)
		VALUES (?, ?, ?)
		ON CONFLICT (team_id, name) DO UPDATE
		SET definition = excluded.definition, updated_at = CURRENT_TIMESTAMP
	`, d.TeamID, d.Name, string(d.Definition))
	return mapDBError(err)
}

// Delete removes the definition of (team, name).
func (r *TableDefinitionRepo) Delete(ctx context.Context, teamID int64, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM table_definitions WHERE team_id = ? AND name = ?`, teamID, name)
	if err != nil {
		return mapDBError(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound("table %q not found", name)
	}
	return nil
}

// List returns every stored definition ordered by team and name.
func (r *TableDefinitionRepo) List(ctx context.Context) ([]domain.TableDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT team_id, name, definition, created_at, updated_at
		FROM table_definitions ORDER BY team_id, name
	`)
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var out []domain.TableDefinition
	for rows.Next() {
		var (
			d   domain.TableDefinition
			raw string
		)
		if err := rows.Scan(&d.TeamID, &d.Name, &raw, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Definition = json.RawMessage(raw)
		out = append(out, d)
	}
	return out, rows.Err()
}
