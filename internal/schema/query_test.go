package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-analytics/internal/domain"
)

const trendsJSON = `{
	"kind": "TrendsQuery",
	"series": [{"kind": "EventsNode", "event": "$pageview", "math": "dau"}],
	"interval": "day",
	"dateRange": {"date_from": "-7d"},
	"properties": {"type": "AND", "values": [
		{"type": "event", "key": "$browser", "operator": "exact", "value": "Chrome"},
		{"type": "person", "key": "email", "operator": "icontains", "value": "@example.com"}
	]},
	"modifiers": {"debug": true},
	"response": {"results": []}
}`

func TestParse_Trends(t *testing.T) {
	t.Parallel()

	q, err := Parse([]byte(trendsJSON))
	require.NoError(t, err)
	assert.Equal(t, KindTrends, q.Kind())

	body, ok := q.Body().(*TrendsQuery)
	require.True(t, ok)
	require.Len(t, body.Series, 1)
	assert.Equal(t, "$pageview", *body.Series[0].Events.Event)
	assert.Equal(t, MathDAU, body.Series[0].Common().MathOrDefault())
	require.NotNil(t, body.Properties.Group)
	assert.Len(t, body.Properties.Leaves(), 2)
	assert.True(t, q.Modifiers().Resolve().Debug)
}

func TestParse_FailsClosed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		json string
	}{
		{"unknown kind", `{"kind": "FutureQuery"}`},
		{"missing kind", `{"series": []}`},
		{"unknown field", `{"kind": "HogQLQuery", "query": "select 1", "strictness": "low"}`},
		{"unknown filter type", `{"kind": "EventsQuery", "select": ["*"], "properties": [{"type": "quantum", "key": "x", "value": 1}]}`},
		{"unknown operator", `{"kind": "EventsQuery", "select": ["*"], "properties": [{"type": "event", "key": "x", "operator": "fuzzy", "value": 1}]}`},
		{"unknown filter field", `{"kind": "EventsQuery", "select": ["*"], "properties": [{"type": "event", "key": "x", "value": 1, "negate": true}]}`},
		{"unknown group type", `{"kind": "EventsQuery", "select": ["*"], "properties": {"type": "XOR", "values": []}}`},
		{"unknown series kind", `{"kind": "TrendsQuery", "series": [{"kind": "RecordingsNode"}]}`},
		{"unknown modifier", `{"kind": "HogQLQuery", "query": "select 1", "modifiers": {"turbo": true}}`},
		{"invalid modifier value", `{"kind": "HogQLQuery", "query": "select 1", "modifiers": {"inCohortVia": "teleport"}}`},
		{"funnel with one step", `{"kind": "FunnelsQuery", "series": [{"kind": "EventsNode", "event": "a"}]}`},
		{"math without property", `{"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "a", "math": "sum"}]}`},
		{"non insight source", `{"kind": "InsightVizNode", "source": {"kind": "HogQLQuery", "query": "select 1"}}`},
		{"bad date", `{"kind": "WebOverviewQuery", "dateRange": {"date_from": "yesterday-ish"}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.json))
			require.Error(t, err)
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestQuery_RoundTrip(t *testing.T) {
	t.Parallel()

	q, err := Parse([]byte(trendsJSON))
	require.NoError(t, err)

	raw, err := json.Marshal(q)
	require.NoError(t, err)
	again, err := Parse(raw)
	require.NoError(t, err)

	a, err := q.CanonicalJSON()
	require.NoError(t, err)
	b, err := again.CanonicalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
	assert.NotContains(t, string(raw), "response")
}

func TestQuery_Effective(t *testing.T) {
	t.Parallel()

	q, err := Parse([]byte(`{"kind": "InsightVizNode", "source": {"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "a"}]}, "modifiers": {"debug": true}}`))
	require.NoError(t, err)

	eff := q.Effective()
	assert.Equal(t, KindTrends, eff.Kind())
	assert.True(t, eff.Modifiers().Resolve().Debug, "wrapper modifiers flow to the source")
	assert.True(t, q.Cacheable())

	schemaQ := MustNew(&DatabaseSchemaQuery{}, nil)
	assert.False(t, schemaQ.Cacheable())
}

func TestCanonicalJSON_GroupOrderIgnored(t *testing.T) {
	t.Parallel()

	a := `{"kind": "EventsQuery", "select": ["*"], "properties": {"type": "OR", "values": [
		{"type": "event", "key": "a", "value": "1"},
		{"type": "AND", "values": [{"type": "person", "key": "b", "value": "2"}, {"type": "session", "key": "c", "operator": "gt", "value": 3}]}
	]}}`
	b := `{"kind": "EventsQuery", "select": ["*"], "properties": {"type": "OR", "values": [
		{"type": "AND", "values": [{"type": "session", "key": "c", "operator": "gt", "value": 3}, {"type": "person", "key": "b", "value": "2", "operator": "exact"}]},
		{"type": "event", "key": "a", "value": "1"}
	]}}`

	qa, err := Parse([]byte(a))
	require.NoError(t, err)
	qb, err := Parse([]byte(b))
	require.NoError(t, err)

	ca, err := qa.CanonicalJSON()
	require.NoError(t, err)
	cb, err := qb.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

func TestCanonicalJSON_ListOrderKept(t *testing.T) {
	t.Parallel()

	a := `{"kind": "EventsQuery", "select": ["event", "timestamp"]}`
	b := `{"kind": "EventsQuery", "select": ["timestamp", "event"]}`

	qa, err := Parse([]byte(a))
	require.NoError(t, err)
	qb, err := Parse([]byte(b))
	require.NoError(t, err)

	ca, err := qa.CanonicalJSON()
	require.NoError(t, err)
	cb, err := qb.CanonicalJSON()
	require.NoError(t, err)
	assert.NotEqual(t, string(ca), string(cb))
}

func TestModifiers_Resolve(t *testing.T) {
	t.Parallel()

	var nilMods *Modifiers
	assert.Equal(t, DefaultModifiers.PersonsOnEventsMode, nilMods.Resolve().PersonsOnEventsMode)
	assert.True(t, nilMods.Resolve().UsePreaggregatedTables)

	off := false
	v2 := SessionTableV2
	merged := Merge(&Modifiers{SessionTableVersion: &v2}, &Modifiers{UsePreaggregatedTables: &off})
	r := merged.Resolve()
	assert.Equal(t, SessionTableV2, r.SessionTableVersion)
	assert.False(t, r.UsePreaggregatedTables)
	assert.Equal(t, BounceCountPageviews, r.BounceRatePageViewMode)
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()

	q, err := Parse([]byte(`{"kind": "HogQLQuery", "query": "select {variables.country}",
		"variables": {"v1": {"variableId": "v1", "code_name": "country", "value": "NL"}}}`))
	require.NoError(t, err)

	from := "-30d"
	out, err := ApplyOverrides(q,
		&DashboardFilter{DateFrom: &from, Properties: Properties{List: []PropertyNode{{Filter: &PropertyFilter{Type: PropertyEvent, Key: "$host", Value: "a.com"}}}}},
		map[string]HogQLVariable{"v1": {VariableID: "v1", CodeName: "country", Value: "DE"}, "unknown": {VariableID: "unknown", CodeName: "x"}},
	)
	require.NoError(t, err)

	hq := out.Body().(*HogQLQuery)
	assert.Equal(t, "DE", hq.Variables["v1"].Value)
	assert.NotContains(t, hq.Variables, "unknown")
	require.NotNil(t, hq.Filters)
	assert.Equal(t, "-30d", *hq.Filters.DateRange.DateFrom)
	assert.Len(t, hq.Filters.Properties.Leaves(), 1)

	orig := q.Body().(*HogQLQuery)
	assert.Equal(t, "NL", orig.Variables["v1"].Value, "original query must not change")
	assert.Nil(t, orig.Filters)
}

func TestApplyOverrides_RejectsUnsupportedKind(t *testing.T) {
	t.Parallel()

	q := MustNew(&VectorSearchQuery{Embedding: []float64{1, 2}}, nil)
	from := "-1d"
	_, err := ApplyOverrides(q, &DashboardFilter{DateFrom: &from}, nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}
