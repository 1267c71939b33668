package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-analytics/internal/cache"
	"duck-analytics/internal/domain"
	"duck-analytics/internal/envelope"
	"duck-analytics/internal/middleware"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
	"duck-analytics/internal/service/query"
	"duck-analytics/internal/tracker"
)

type fakeQueries struct {
	mu      sync.Mutex
	last    query.Request
	resp    *query.Response
	err     error
	status  *domain.QueryStatus
	outcome tracker.CancelOutcome
	tables  map[string]registry.TableDescription
}

func (f *fakeQueries) Execute(_ context.Context, req query.Request) (*query.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	return f.resp, f.err
}

func (f *fakeQueries) GetStatus(_ context.Context, teamID int64, id string) (*domain.QueryStatus, error) {
	if f.status == nil || f.status.TeamID != teamID || f.status.ID != id {
		return nil, domain.ErrNotFound("query status %q not found", id)
	}
	return f.status, nil
}

func (f *fakeQueries) Cancel(_ context.Context, teamID int64, id string) (tracker.CancelOutcome, error) {
	if f.status == nil || f.status.TeamID != teamID || f.status.ID != id {
		return "", domain.ErrNotFound("query status %q not found", id)
	}
	return f.outcome, f.err
}

func (f *fakeQueries) GetDatabaseSchema(context.Context, int64) (map[string]registry.TableDescription, error) {
	return f.tables, f.err
}

type fakeTables struct {
	registered []registry.TableDescription
	err        error
}

func (f *fakeTables) Register(_ context.Context, _ int64, desc registry.TableDescription) error {
	if f.err != nil {
		return f.err
	}
	f.registered = append(f.registered, desc)
	return nil
}

func (f *fakeTables) Unregister(_ context.Context, _ int64, name string) error {
	if name == "missing" {
		return domain.ErrNotFound("table %q not found", name)
	}
	return f.err
}

func newServer(t *testing.T, q *fakeQueries, tables *fakeTables, p *domain.ContextPrincipal) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if p != nil {
		principal := *p
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(domain.WithPrincipal(r.Context(), principal)))
			})
		})
	}
	NewHandler(q, tables, slog.New(slog.NewTextHandler(io.Discard, nil))).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

var teamOne = &domain.ContextPrincipal{Subject: "ana", Teams: []int64{1}}

const hogqlBody = `{"query":{"kind":"HogQLQuery","query":"select 1"},"refresh":"blocking","client_query_id":"abc"}`

func TestExecuteQuery_ServesEnvelope(t *testing.T) {
	t.Parallel()
	env := envelope.Wrap[schema.Result](schema.TabularResult{Columns: []string{"x"}, Results: [][]any{{1}}},
		&envelope.CacheMeta{CacheKey: "k1", IsCached: true, Timezone: "UTC"}, nil, nil)
	q := &fakeQueries{resp: &query.Response{Decision: cache.ServeCached, CacheKey: "k1", Envelope: &env}}
	srv := newServer(t, q, &fakeTables{}, teamOne)

	resp, body := do(t, srv, http.MethodPost, "/api/environments/1/query", hogqlBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "k1", body["cache_key"])
	assert.Equal(t, true, body["is_cached"])
	results, ok := body["results"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"x"}, results["columns"])

	assert.Equal(t, int64(1), q.last.TeamID)
	assert.Equal(t, cache.RefreshPolicy("blocking"), q.last.RefreshPolicy)
	assert.Equal(t, "abc", q.last.ClientQueryID)
	assert.Equal(t, schema.KindHogQL, q.last.Query.Kind())
}

func TestExecuteQuery_AsyncReturnsAccepted(t *testing.T) {
	t.Parallel()
	status := &domain.QueryStatus{ID: "q1", TeamID: 1, CacheKey: "k2"}
	q := &fakeQueries{resp: &query.Response{Decision: cache.RecomputeAsync, CacheKey: "k2", Status: status}}
	srv := newServer(t, q, &fakeTables{}, teamOne)

	resp, body := do(t, srv, http.MethodPost, "/api/environments/1/query", hogqlBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "k2", body["cache_key"])
	require.Contains(t, body, "query_status")
}

func TestExecuteQuery_RejectsBadInput(t *testing.T) {
	t.Parallel()
	srv := newServer(t, &fakeQueries{}, &fakeTables{}, teamOne)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"not json", `{`, "validation_error"},
		{"unknown field", `{"query":{"kind":"HogQLQuery","query":"select 1"},"bogus":1}`, "validation_error"},
		{"missing query", `{"refresh":"blocking"}`, "validation_error"},
		{"unknown kind", `{"query":{"kind":"NopeQuery"}}`, "validation_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, srv, http.MethodPost, "/api/environments/1/query", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, body["code"])
			assert.NotEmpty(t, body["request_id"])
		})
	}
}

func TestExecuteQuery_MapsServiceErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"compile", domain.ErrCompile(domain.CompileTableNotFound, "unknown table %q", "nope"), http.StatusBadRequest, "compile_error", `unknown table "nope"`},
		{"timeout", domain.ErrTimeout("query timed out"), http.StatusGatewayTimeout, "timeout", "query timed out"},
		{"engine", &domain.EngineError{Message: "Binder Error: secret detail"}, http.StatusInternalServerError, "engine_error", "query execution failed"},
		{"transient engine", &domain.EngineError{Message: "busy", Transient: true}, http.StatusServiceUnavailable, "engine_error", "query execution failed"},
		{"not found", domain.ErrNotFound("team 1 not found"), http.StatusNotFound, "not_found", "team 1 not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, &fakeQueries{err: tc.err}, &fakeTables{}, teamOne)
			resp, body := do(t, srv, http.MethodPost, "/api/environments/1/query", hogqlBody)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, body["code"])
			assert.Contains(t, body["message"], tc.message)
		})
	}
}

func TestTeamAccess(t *testing.T) {
	t.Parallel()
	q := &fakeQueries{tables: map[string]registry.TableDescription{}}

	srv := newServer(t, q, &fakeTables{}, teamOne)
	resp, body := do(t, srv, http.MethodGet, "/api/environments/2/schema", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access_denied", body["code"])

	resp, body = do(t, srv, http.MethodGet, "/api/environments/abc/schema", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", body["code"])

	anonymous := newServer(t, q, &fakeTables{}, nil)
	resp, _ = do(t, anonymous, http.MethodGet, "/api/environments/1/schema", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	admin := newServer(t, q, &fakeTables{}, &domain.ContextPrincipal{Subject: "ops", AllTeams: true})
	resp, _ = do(t, admin, http.MethodGet, "/api/environments/2/schema", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueryStatusAndCancel(t *testing.T) {
	t.Parallel()
	q := &fakeQueries{
		status:  &domain.QueryStatus{ID: "q1", TeamID: 1},
		outcome: tracker.Cancelled,
	}
	srv := newServer(t, q, &fakeTables{}, &domain.ContextPrincipal{Subject: "ana", Teams: []int64{1, 2}})

	resp, body := do(t, srv, http.MethodGet, "/api/environments/1/query/q1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status, ok := body["query_status"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "q1", status["id"])

	resp, _ = do(t, srv, http.MethodGet, "/api/environments/2/query/q1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "statuses are team scoped")

	resp, body = do(t, srv, http.MethodDelete, "/api/environments/1/query/q1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["outcome"])
}

func TestSchema_SortedTables(t *testing.T) {
	t.Parallel()
	q := &fakeQueries{tables: map[string]registry.TableDescription{
		"sessions": {Name: "sessions", Kind: registry.KindRaw},
		"events":   {Name: "events", Kind: registry.KindRaw},
	}}
	srv := newServer(t, q, &fakeTables{}, teamOne)

	resp, body := do(t, srv, http.MethodGet, "/api/environments/1/schema", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tables, ok := body["tables"].([]any)
	require.True(t, ok)
	require.Len(t, tables, 2)
	assert.Equal(t, "events", tables[0].(map[string]any)["name"])
	assert.Equal(t, "sessions", tables[1].(map[string]any)["name"])
}

func TestTables_RegisterAndUnregister(t *testing.T) {
	t.Parallel()
	tables := &fakeTables{}
	srv := newServer(t, &fakeQueries{}, tables, teamOne)

	resp, body := do(t, srv, http.MethodPost, "/api/environments/1/tables",
		`{"name":"signups","kind":"view","fields":[{"name":"n","type":"integer"}],
		  "defining_query":{"kind":"HogQLQuery","query":"select count() as n from events where event = 'signup'"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "/api/environments/1/schema", resp.Header.Get("Location"))
	require.Len(t, tables.registered, 1)
	assert.Equal(t, registry.KindView, tables.registered[0].Kind)
	require.NotNil(t, tables.registered[0].DefiningQuery)

	resp, _ = do(t, srv, http.MethodDelete, "/api/environments/1/tables/signups", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, srv, http.MethodDelete, "/api/environments/1/tables/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])
}

func TestTables_RegisterConflict(t *testing.T) {
	t.Parallel()
	tables := &fakeTables{err: domain.ErrConflict("table %q is a system table", "events")}
	srv := newServer(t, &fakeQueries{}, tables, teamOne)

	resp, body := do(t, srv, http.MethodPost, "/api/environments/1/tables", `{"name":"events","kind":"view"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", body["code"])
}
