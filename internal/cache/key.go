// Package cache derives per-tenant result cache keys, decides freshness
// under the request refresh policies and stores cached results.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"duck-analytics/internal/schema"
)

const keyPrefix = "cache_"

// Overrides are the request and tenant inputs outside the query body that
// change what a query computes and therefore take part in its key.
type Overrides struct {
	Filters   *schema.DashboardFilter
	Variables map[string]schema.HogQLVariable
	// Timezone is the zone the plan was compiled in. Empty means UTC.
	Timezone string
	// TestAccounts are the tenant test account filters the plan applied.
	TestAccounts schema.Properties
}

type keyDocument struct {
	TeamID       int64                           `json:"team_id"`
	Query        json.RawMessage                 `json:"query"`
	Modifiers    schema.ResolvedModifiers        `json:"modifiers"`
	Timezone     string                          `json:"timezone"`
	TestAccounts *schema.Properties              `json:"test_account_filters,omitempty"`
	Filters      *schema.DashboardFilter         `json:"filters_override,omitempty"`
	Variables    map[string]schema.HogQLVariable `json:"variables_override,omitempty"`
}

// Key returns the cache key of q for teamID. Structurally identical queries
// share a key regardless of field order or the order of AND/OR group
// members; ordered lists such as series stay order sensitive. The team id is
// both hashed and used as a visible prefix. The tenant timezone and applied
// test account filters are hashed so a settings change never serves a result
// computed under the old settings.
func Key(teamID int64, q schema.Query, mods schema.ResolvedModifiers, ov Overrides) (string, error) {
	canon, err := q.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("canonical query: %w", err)
	}
	doc := keyDocument{TeamID: teamID, Query: canon, Modifiers: mods, Timezone: ov.Timezone}
	if doc.Timezone == "" {
		doc.Timezone = "UTC"
	}
	if !ov.TestAccounts.IsEmpty() {
		doc.TestAccounts = &ov.TestAccounts
	}
	if !ov.Filters.IsEmpty() {
		doc.Filters = ov.Filters
	}
	if len(ov.Variables) > 0 {
		doc.Variables = ov.Variables
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode cache key document: %w", err)
	}
	raw, err = schema.Canonicalize(raw)
	if err != nil {
		return "", fmt.Errorf("canonical cache key document: %w", err)
	}
	sum := sha256.Sum256(raw)
	return keyPrefix + strconv.FormatInt(teamID, 10) + "_" + hex.EncodeToString(sum[:]), nil
}

// TeamOf returns the team id encoded in a cache key.
func TeamOf(key string) (int64, bool) {
	rest, ok := strings.CutPrefix(key, keyPrefix)
	if !ok {
		return 0, false
	}
	team, _, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(team, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
