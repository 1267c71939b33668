package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"duck-analytics/internal/domain"
)

var _ domain.QueryStatusRepository = (*QueryStatusRepo)(nil)

// QueryStatusRepo stores async query statuses in SQLite. The partial unique
// index on (team_id, cache_key) WHERE complete = 0 is the claim record that
// coalesces concurrent submissions.
type QueryStatusRepo struct {
	db *sql.DB
}

// NewQueryStatusRepo creates a QueryStatusRepo on the write pool.
func NewQueryStatusRepo(db *sql.DB) *QueryStatusRepo {
	return &QueryStatusRepo{db: db}
}

const statusColumns = `id, team_id, insight_id, dashboard_id, cache_key, client_query_id, query_kind,
	complete, error, error_message, start_time, pickup_time, end_time, expiration_time,
	query_progress, results, attempts`

// Create inserts a new in-flight status.
func (r *QueryStatusRepo) Create(ctx context.Context, s *domain.QueryStatus) (*domain.QueryStatus, error) {
	if s == nil {
		return nil, domain.ErrValidation("query status is required")
	}
	if s.ID == "" {
		s.ID = domain.NewID()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO query_statuses (id, team_id, insight_id, dashboard_id, cache_key, client_query_id,
		                            query_kind, start_time, expiration_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.TeamID, nullInt(s.InsightID), nullInt(s.DashboardID), s.CacheKey, s.ClientQueryID,
		s.QueryKind, utc(s.StartTime), utc(s.ExpirationTime))
	if err != nil {
		if mapped := mapDBError(err); isConflict(mapped) {
			return nil, domain.ErrConflict("query %q already in flight for team %d", s.CacheKey, s.TeamID)
		}
		return nil, mapDBError(err)
	}
	return r.getOne(ctx, `SELECT `+statusColumns+` FROM query_statuses WHERE id = ?`, s.ID)
}

// Get returns a status owned by teamID.
func (r *QueryStatusRepo) Get(ctx context.Context, teamID int64, id string) (*domain.QueryStatus, error) {
	s, err := r.getOne(ctx, `SELECT `+statusColumns+` FROM query_statuses WHERE team_id = ? AND id = ?`, teamID, id)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound("query status %q not found", id)
		}
		return nil, err
	}
	return s, nil
}

// GetInFlight returns the incomplete status for (teamID, cacheKey).
func (r *QueryStatusRepo) GetInFlight(ctx context.Context, teamID int64, cacheKey string) (*domain.QueryStatus, error) {
	s, err := r.getOne(ctx, `SELECT `+statusColumns+` FROM query_statuses
		WHERE team_id = ? AND cache_key = ? AND complete = 0`, teamID, cacheKey)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrNotFound("no in-flight query for %q", cacheKey)
		}
		return nil, err
	}
	return s, nil
}

// MarkPickedUp claims a submitted status.
func (r *QueryStatusRepo) MarkPickedUp(ctx context.Context, id string, at time.Time) (bool, error) {
	return r.execChanged(ctx, `
		UPDATE query_statuses SET pickup_time = ?
		WHERE id = ? AND complete = 0 AND pickup_time IS NULL
	`, utc(at), id)
}

// UpdateProgress records partial engine progress on an incomplete status.
func (r *QueryStatusRepo) UpdateProgress(ctx context.Context, id string, p domain.QueryProgress) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE query_statuses SET query_progress = ? WHERE id = ? AND complete = 0
	`, string(raw), id)
	return mapDBError(err)
}

// Complete stores results on an incomplete status.
func (r *QueryStatusRepo) Complete(ctx context.Context, id string, results json.RawMessage, at time.Time) (bool, error) {
	return r.execChanged(ctx, `
		UPDATE query_statuses SET complete = 1, error = 0, results = ?, end_time = ?
		WHERE id = ? AND complete = 0
	`, string(results), utc(at), id)
}

// Fail marks an incomplete status as failed.
func (r *QueryStatusRepo) Fail(ctx context.Context, id string, message string, at time.Time) (bool, error) {
	return r.execChanged(ctx, `
		UPDATE query_statuses SET complete = 1, error = 1, error_message = ?, end_time = ?
		WHERE id = ? AND complete = 0
	`, message, utc(at), id)
}

// IncrementAttempts counts one engine attempt.
func (r *QueryStatusRepo) IncrementAttempts(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE query_statuses SET attempts = attempts + 1 WHERE id = ? AND complete = 0
	`, id)
	return mapDBError(err)
}

// ListStalePending returns statuses submitted before the cutoff that no
// worker has picked up.
func (r *QueryStatusRepo) ListStalePending(ctx context.Context, submittedBefore time.Time) ([]domain.QueryStatus, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+statusColumns+` FROM query_statuses
		WHERE complete = 0 AND pickup_time IS NULL AND start_time < ?
		ORDER BY start_time`, utc(submittedBefore))
	if err != nil {
		return nil, mapDBError(err)
	}
	defer rows.Close()

	var out []domain.QueryStatus
	for rows.Next() {
		s, err := scanStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DeleteExpired removes statuses whose expiration passed before the cutoff.
func (r *QueryStatusRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM query_statuses WHERE expiration_time < ?`, utc(before))
	if err != nil {
		return 0, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func (r *QueryStatusRepo) execChanged(ctx context.Context, stmt string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return false, mapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *QueryStatusRepo) getOne(ctx context.Context, stmt string, args ...any) (*domain.QueryStatus, error) {
	s, err := scanStatus(r.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		return nil, mapDBError(err)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStatus(row scanner) (*domain.QueryStatus, error) {
	var (
		s                     domain.QueryStatus
		insightID, dashboard  sql.NullInt64
		complete, failed      int64
		errorMessage          sql.NullString
		pickupTime, endTime   sql.NullTime
		progressJSON, results sql.NullString
	)
	err := row.Scan(
		&s.ID, &s.TeamID, &insightID, &dashboard, &s.CacheKey, &s.ClientQueryID, &s.QueryKind,
		&complete, &failed, &errorMessage, &s.StartTime, &pickupTime, &endTime, &s.ExpirationTime,
		&progressJSON, &results, &s.Attempts,
	)
	if err != nil {
		return nil, err
	}

	s.Complete = complete == 1
	s.Error = failed == 1
	s.StartTime = s.StartTime.UTC()
	s.ExpirationTime = s.ExpirationTime.UTC()
	if insightID.Valid {
		v := insightID.Int64
		s.InsightID = &v
	}
	if dashboard.Valid {
		v := dashboard.Int64
		s.DashboardID = &v
	}
	if errorMessage.Valid {
		msg := errorMessage.String
		s.ErrorMessage = &msg
	}
	if pickupTime.Valid {
		t := pickupTime.Time.UTC()
		s.PickupTime = &t
	}
	if endTime.Valid {
		t := endTime.Time.UTC()
		s.EndTime = &t
	}
	if progressJSON.Valid && progressJSON.String != "" {
		var p domain.QueryProgress
		if err := json.Unmarshal([]byte(progressJSON.String), &p); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
		s.QueryProgress = &p
	}
	if results.Valid && results.String != "" {
		s.Results = json.RawMessage(results.String)
	}
	return &s, nil
}
