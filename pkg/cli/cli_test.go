package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the CLI at an empty config dir and clears env overrides.
// Tests using it cannot run in parallel because of t.Setenv.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("DUCK_CONFIG_DIR", t.TempDir())
	t.Setenv("DUCK_HOST", "")
	t.Setenv("DUCK_TOKEN", "")
	t.Setenv("DUCK_OUTPUT", "")
	t.Setenv("DUCK_TEAM", "")
}

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func fakeServer(t *testing.T, status int, response string, got *recorded) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.auth = r.Header.Get("Authorization")
		if r.Body != nil {
			data, _ := io.ReadAll(r.Body)
			if len(data) > 0 {
				_ = json.Unmarshal(data, &got.body)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

const tabularEnvelope = `{
	"results": {"columns": ["event", "count"], "types": ["String", "UInt64"], "results": [["signup", 12], ["login", 7]], "hasMore": false},
	"cache_key": "cache_abc",
	"is_cached": true
}`

func TestQueryRun_HogQLRendersTable(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusOK, tabularEnvelope, &got)

	code, out, errOut := runCLI(t, "", "--host", srv.URL+"/", "--token", "tok", "--team", "2",
		"query", "run", "--hogql", "select event, count() from events group by event", "--refresh", "blocking")
	require.Equal(t, 0, code, errOut)

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/environments/2/query", got.path)
	assert.Equal(t, "Bearer tok", got.auth)
	assert.Equal(t, "blocking", got.body["refresh"])
	q, ok := got.body["query"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "HogQLQuery", q["kind"])

	assert.Contains(t, out, "event")
	assert.Contains(t, out, "signup")
	assert.Contains(t, out, "12")
	assert.Contains(t, errOut, "2 rows")
	assert.Contains(t, errOut, "cached")
}

func TestQueryRun_StdinAndJSONOutput(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusOK, tabularEnvelope, &got)

	code, out, _ := runCLI(t, `{"kind": "EventsQuery", "select": ["event"]}`,
		"--host", srv.URL, "--team", "1", "-o", "json", "query", "run", "--client-query-id", "abc")
	require.Equal(t, 0, code)

	assert.Equal(t, "abc", got.body["client_query_id"])
	q := got.body["query"].(map[string]any)
	assert.Equal(t, "EventsQuery", q["kind"])

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &body))
	assert.Equal(t, "cache_abc", body["cache_key"])
}

func TestQueryRun_FromFile(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusOK, tabularEnvelope, &got)
	path := filepath.Join(t.TempDir(), "q.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"kind": "HogQLQuery", "query": "select 1"}`), 0o600))

	code, _, errOut := runCLI(t, "", "--host", srv.URL, "--team", "1", "query", "run", "-f", path)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "select 1", got.body["query"].(map[string]any)["query"])
}

func TestQueryRun_Queued(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusAccepted, `{"results": null, "query_status": {"id": "q-1", "complete": false}}`, &got)

	code, out, _ := runCLI(t, "", "--host", srv.URL, "--team", "1", "query", "run", "--hogql", "select 1", "--refresh", "force_async")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "query q-1 queued")
}

func TestQueryRun_Rejects(t *testing.T) {
	isolate(t)

	code, _, errOut := runCLI(t, "", "--team", "1", "query", "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no query given")

	code, _, errOut = runCLI(t, "not json", "--team", "1", "query", "run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not valid JSON")

	code, _, errOut = runCLI(t, "", "query", "run", "--hogql", "select 1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no team selected")

	code, _, errOut = runCLI(t, "", "--team", "1", "-o", "yaml", "query", "run", "--hogql", "select 1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unsupported output format")
}

func TestAPIError_Table(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusBadRequest, `{"code": "compile_error", "message": "table \"nope\" not found", "request_id": "r-9"}`, &got)

	code, _, errOut := runCLI(t, "", "--host", srv.URL, "--team", "1", "query", "run", "--hogql", "select * from nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "compile_error")
	assert.Contains(t, errOut, "HTTP 400")
	assert.Contains(t, errOut, "r-9")
}

func TestAPIError_JSON(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusForbidden, `{"code": "access_denied", "message": "access denied"}`, &got)

	code, _, errOut := runCLI(t, "", "--host", srv.URL, "--team", "9", "-o", "json", "schema")
	assert.Equal(t, 1, code)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(errOut), &body))
	assert.Equal(t, "access_denied", body["code"])
	assert.InDelta(t, 403, body["http_status"], 0)
}

func TestAPIError_NonJSONBody(t *testing.T) {
	t.Parallel()
	err := decodeAPIError(http.StatusBadGateway, []byte("upstream down\n"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "upstream down", apiErr.Message)

	err = decodeAPIError(http.StatusBadGateway, nil)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}

func TestQueryStatusAndCancel(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusOK, `{"query_status": {"id": "q-1", "query_kind": "HogQLQuery", "complete": true, "error": true, "error_message": "query timed out", "attempts": 2, "start_time": "2026-01-01T00:00:00Z"}}`, &got)

	code, out, _ := runCLI(t, "", "--host", srv.URL, "--team", "4", "query", "status", "q-1")
	require.Equal(t, 0, code)
	assert.Equal(t, "/api/environments/4/query/q-1", got.path)
	assert.Contains(t, out, "error")
	assert.Contains(t, out, "query timed out")

	srv = fakeServer(t, http.StatusOK, `{"outcome": "cancelled"}`, &got)
	code, out, _ = runCLI(t, "", "--host", srv.URL, "--team", "4", "query", "cancel", "q-1")
	require.Equal(t, 0, code)
	assert.Equal(t, http.MethodDelete, got.method)
	assert.Equal(t, "query q-1: cancelled\n", out)
}

func TestSchema(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusOK, `{"tables": [{"name": "events", "kind": "events", "fields": [{"name": "event", "type": "string"}, {"name": "timestamp", "type": "datetime"}]}]}`, &got)

	code, out, _ := runCLI(t, "", "--host", srv.URL, "--team", "1", "schema")
	require.Equal(t, 0, code)
	assert.Equal(t, "/api/environments/1/schema", got.path)
	assert.Contains(t, out, "events")
	assert.Contains(t, out, "timestamp datetime")
}

func TestTablesRegisterAndDrop(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusCreated, `{}`, &got)
	path := filepath.Join(t.TempDir(), "charges.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: charges\nkind: data_warehouse\nfields:\n  - name: amount\n    type: float\n"), 0o600))

	code, out, errOut := runCLI(t, "", "--host", srv.URL, "--team", "3", "tables", "register", "-f", path)
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "/api/environments/3/tables", got.path)
	assert.Equal(t, "charges", got.body["name"])
	fields := got.body["fields"].([]any)
	assert.Equal(t, "float", fields[0].(map[string]any)["type"])
	assert.Contains(t, out, "charges registered for team 3")

	srv = fakeServer(t, http.StatusNoContent, ``, &got)
	code, _, _ = runCLI(t, "", "--host", srv.URL, "--team", "3", "-q", "tables", "drop", "charges")
	require.Equal(t, 0, code)
	assert.Equal(t, "/api/environments/3/tables/charges", got.path)
}

func TestProfiles(t *testing.T) {
	isolate(t)
	var got recorded
	srv := fakeServer(t, http.StatusOK, `{"tables": []}`, &got)

	code, _, errOut := runCLI(t, "", "config", "set-profile", "staging", "--host", srv.URL, "--token", "abcdefghijklmnop", "--team", "5")
	require.Equal(t, 0, code, errOut)
	code, _, _ = runCLI(t, "", "config", "use-profile", "staging")
	require.Equal(t, 0, code)

	code, _, _ = runCLI(t, "", "schema")
	require.Equal(t, 0, code)
	assert.Equal(t, "/api/environments/5/schema", got.path)
	assert.Equal(t, "Bearer abcdefghijklmnop", got.auth)

	// Environment beats the profile.
	t.Setenv("DUCK_TEAM", "6")
	code, _, _ = runCLI(t, "", "schema")
	require.Equal(t, 0, code)
	assert.Equal(t, "/api/environments/6/schema", got.path)

	code, out, _ := runCLI(t, "", "config", "show")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "staging")
	assert.Contains(t, out, "mnop")
	assert.NotContains(t, out, "abcdefghijklmnop")

	code, _, errOut = runCLI(t, "", "config", "use-profile", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "does not exist")
}

func TestFormatValue(t *testing.T) {
	t.Parallel()
	assert.Empty(t, formatValue(nil))
	assert.Equal(t, "12", formatValue(float64(12)))
	assert.Equal(t, "0.25", formatValue(0.25))
	assert.Equal(t, "true", formatValue(true))
	assert.Equal(t, `["a","b"]`, formatValue([]any{"a", "b"}))
	assert.Equal(t, `{"k":1}`, formatValue(map[string]any{"k": 1}))
}

func TestVersion(t *testing.T) {
	isolate(t)
	code, out, _ := runCLI(t, "", "version")
	require.Equal(t, 0, code)
	assert.True(t, strings.HasPrefix(out, "duck dev"))
}
