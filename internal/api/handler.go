// Package api serves the query core over HTTP. Every route is scoped to a
// team and checks the caller's team claims before touching the service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"duck-analytics/internal/cache"
	"duck-analytics/internal/domain"
	"duck-analytics/internal/middleware"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
	"duck-analytics/internal/service/query"
	"duck-analytics/internal/tracker"
)

const maxBodyBytes = 1 << 20

// QueryService is the query core as seen by the HTTP layer.
type QueryService interface {
	Execute(ctx context.Context, req query.Request) (*query.Response, error)
	GetStatus(ctx context.Context, teamID int64, id string) (*domain.QueryStatus, error)
	Cancel(ctx context.Context, teamID int64, id string) (tracker.CancelOutcome, error)
	GetDatabaseSchema(ctx context.Context, teamID int64) (map[string]registry.TableDescription, error)
}

// TableRegistry manages team-owned tables.
type TableRegistry interface {
	Register(ctx context.Context, teamID int64, desc registry.TableDescription) error
	Unregister(ctx context.Context, teamID int64, name string) error
}

// Handler holds the HTTP handlers.
type Handler struct {
	queries QueryService
	tables  TableRegistry
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(queries QueryService, tables TableRegistry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{queries: queries, tables: tables, logger: logger.With("component", "api")}
}

// Routes mounts the team-scoped routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/environments/{team_id}", func(r chi.Router) {
		r.Use(h.teamAccess)
		r.Post("/query", h.executeQuery)
		r.Get("/query/{id}", h.getQueryStatus)
		r.Delete("/query/{id}", h.cancelQuery)
		r.Get("/schema", h.getSchema)
		r.Post("/tables", h.registerTable)
		r.Delete("/tables/{name}", h.unregisterTable)
	})
}

type teamKey struct{}

// teamAccess parses {team_id} and rejects callers without a claim on it.
func (h *Handler) teamAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		teamID, err := strconv.ParseInt(chi.URLParam(r, "team_id"), 10, 64)
		if err != nil || teamID <= 0 {
			h.writeError(w, r, domain.ErrValidation("team id must be a positive integer"))
			return
		}
		p, ok := domain.PrincipalFromContext(r.Context())
		if !ok || !p.CanAccess(teamID) {
			h.writeError(w, r, domain.ErrAccessDenied("no access to team %d", teamID))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), teamKey{}, teamID)))
	})
}

func teamFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(teamKey{}).(int64)
	return id
}

func requestID(r *http.Request) string {
	return middleware.RequestIDFromContext(r.Context())
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query             json.RawMessage                 `json:"query"`
	Modifiers         *schema.Modifiers               `json:"modifiers,omitempty"`
	Refresh           string                          `json:"refresh,omitempty"`
	ClientQueryID     string                          `json:"client_query_id,omitempty"`
	FiltersOverride   *schema.DashboardFilter         `json:"filters_override,omitempty"`
	VariablesOverride map[string]schema.HogQLVariable `json:"variables_override,omitempty"`
	InsightID         *int64                          `json:"insight_id,omitempty"`
	DashboardID       *int64                          `json:"dashboard_id,omitempty"`
	Explain           bool                            `json:"explain,omitempty"`
	// ClientTriggered marks a manual refresh from the UI.
	ClientTriggered bool `json:"client_triggered,omitempty"`
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return domain.ErrValidation("read request body: %v", err)
	}
	if len(data) > maxBodyBytes {
		return domain.ErrValidation("request body exceeds %d bytes", maxBodyBytes)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.ErrValidation("invalid request body: %v", err)
	}
	return nil
}

func (h *Handler) executeQuery(w http.ResponseWriter, r *http.Request) {
	var body QueryRequest
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if len(body.Query) == 0 {
		h.writeError(w, r, domain.ErrValidation("query is required"))
		return
	}
	q, err := schema.Parse(body.Query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.queries.Execute(r.Context(), query.Request{
		TeamID:            teamFrom(r),
		Query:             q,
		Modifiers:         body.Modifiers,
		RefreshPolicy:     cache.RefreshPolicy(body.Refresh),
		ClientQueryID:     body.ClientQueryID,
		FiltersOverride:   body.FiltersOverride,
		VariablesOverride: body.VariablesOverride,
		InsightID:         body.InsightID,
		DashboardID:       body.DashboardID,
		Explain:           body.Explain,
		ClientTriggered:   body.ClientTriggered,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if resp.Status != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

func (h *Handler) getQueryStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.queries.GetStatus(r.Context(), teamFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query_status": s})
}

func (h *Handler) cancelQuery(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.queries.Cancel(r.Context(), teamFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

func (h *Handler) getSchema(w http.ResponseWriter, r *http.Request) {
	tables, err := h.queries.GetDatabaseSchema(r.Context(), teamFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]registry.TableDescription, 0, len(names))
	for _, name := range names {
		out = append(out, tables[name])
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": out})
}

func (h *Handler) registerTable(w http.ResponseWriter, r *http.Request) {
	var desc registry.TableDescription
	if err := decodeBody(r, &desc); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.tables.Register(r.Context(), teamFrom(r), desc); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/environments/%d/schema", teamFrom(r)))
	writeJSON(w, http.StatusCreated, desc)
}

func (h *Handler) unregisterTable(w http.ResponseWriter, r *http.Request) {
	if err := h.tables.Unregister(r.Context(), teamFrom(r), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
