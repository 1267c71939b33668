package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialAddr(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		":9000":              "localhost:9000",
		"0.0.0.0:9000":       "localhost:9000",
		"[::]:9000":          "localhost:9000",
		"10.1.2.3:9000":      "10.1.2.3:9000",
		"[::1]:9000":         "[::1]:9000",
		"  analytics:443\t":  "analytics:443",
		"":                   "localhost:8080",
		"\n":                 "localhost:8080",
		"analytics.internal": "analytics.internal",
	}
	for in, want := range tests {
		t.Run(strings.TrimSpace(in), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, want, dialAddr(in))
		})
	}
}

func TestExampleQueryCommand(t *testing.T) {
	t.Parallel()

	plain := exampleQueryCommand("0.0.0.0:8080", false)
	assert.True(t, strings.HasPrefix(plain, "curl -X POST http://localhost:8080/api/environments/1/query "), plain)

	secure := exampleQueryCommand(":8443", true)
	assert.Contains(t, secure, "https://localhost:8443/api/environments/1/query")

	// The body is a valid query request.
	_, body, ok := strings.Cut(plain, "-d '")
	require.True(t, ok)
	var req struct {
		Query struct {
			Kind  string `json:"kind"`
			Query string `json:"query"`
		} `json:"query"`
	}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSuffix(body, "'")), &req))
	assert.Equal(t, "HogQLQuery", req.Query.Kind)
	assert.Equal(t, "select 1", req.Query.Query)
}
