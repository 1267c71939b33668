package domain

import (
	"encoding/json"
	"time"
)

// QueryState is the lifecycle state of an asynchronous computation.
type QueryState string

// Query status lifecycle states.
const (
	QueryStateSubmitted QueryState = "submitted"
	QueryStatePickedUp  QueryState = "picked_up"
	QueryStateCompleted QueryState = "completed"
	QueryStateFailed    QueryState = "failed"
	QueryStateExpired   QueryState = "expired"
)

// CancelledMessage is recorded as error_message on cancelled statuses.
const CancelledMessage = "Query cancelled"

// QueryProgress is the partial progress reported by the execution engine.
type QueryProgress struct {
	RowsRead           int64   `json:"rows_read"`
	BytesRead          int64   `json:"bytes_read"`
	EstimatedRowsTotal int64   `json:"estimated_rows_total"`
	TimeElapsed        float64 `json:"time_elapsed"`
	ActiveCPUTime      float64 `json:"active_cpu_time"`
}

// QueryStatus identifies one asynchronous execution.
type QueryStatus struct {
	ID             string          `json:"id"`
	TeamID         int64           `json:"team_id"`
	InsightID      *int64          `json:"insight_id,omitempty"`
	DashboardID    *int64          `json:"dashboard_id,omitempty"`
	CacheKey       string          `json:"cache_key"`
	ClientQueryID  string          `json:"client_query_id,omitempty"`
	QueryKind      string          `json:"query_kind"`
	Complete       bool            `json:"complete"`
	Error          bool            `json:"error"`
	ErrorMessage   *string         `json:"error_message"`
	StartTime      time.Time       `json:"start_time"`
	PickupTime     *time.Time      `json:"pickup_time"`
	EndTime        *time.Time      `json:"end_time"`
	ExpirationTime time.Time       `json:"expiration_time"`
	QueryProgress  *QueryProgress  `json:"query_progress"`
	Results        json.RawMessage `json:"results,omitempty"`
	Attempts       int             `json:"attempts"`
}

// State derives the lifecycle state at instant now.
func (s *QueryStatus) State(now time.Time) QueryState {
	switch {
	case now.After(s.ExpirationTime):
		return QueryStateExpired
	case s.Complete && s.Error:
		return QueryStateFailed
	case s.Complete:
		return QueryStateCompleted
	case s.PickupTime != nil:
		return QueryStatePickedUp
	default:
		return QueryStateSubmitted
	}
}
