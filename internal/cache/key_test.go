package cache

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-analytics/internal/schema"
)

func parse(t *testing.T, raw string) schema.Query {
	t.Helper()
	q, err := schema.Parse([]byte(raw))
	require.NoError(t, err)
	return q
}

func key(t *testing.T, team int64, q schema.Query, ov Overrides) string {
	t.Helper()
	k, err := Key(team, q, schema.DefaultModifiers, ov)
	require.NoError(t, err)
	return k
}

const pageviews = `{"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "$pageview"}],
	"interval": "day", "dateRange": {"date_from": "-7d"}}`

func TestKey_TenantIsolation(t *testing.T) {
	t.Parallel()
	q := parse(t, pageviews)

	a := key(t, 1, q, Overrides{})
	b := key(t, 2, q, Overrides{})
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "cache_1_"))
	assert.True(t, strings.HasPrefix(b, "cache_2_"))

	team, ok := TeamOf(a)
	require.True(t, ok)
	assert.Equal(t, int64(1), team)

	_, ok = TeamOf("something_else")
	assert.False(t, ok)
}

func TestKey_StableAcrossFieldOrder(t *testing.T) {
	t.Parallel()
	a := parse(t, pageviews)
	b := parse(t, `{"dateRange": {"date_from": "-7d"}, "interval": "day",
		"series": [{"event": "$pageview", "kind": "EventsNode"}], "kind": "TrendsQuery"}`)
	assert.Equal(t, key(t, 1, a, Overrides{}), key(t, 1, b, Overrides{}))

	// A re-serialized query keeps its key.
	encoded, err := a.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, key(t, 1, a, Overrides{}), key(t, 1, parse(t, string(encoded)), Overrides{}))
}

func TestKey_GroupsAreUnorderedListsAreNot(t *testing.T) {
	t.Parallel()
	group := func(first, second string) string {
		return fmt.Sprintf(`{"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": "$pageview"}],
			"properties": {"type": "OR", "values": [%s, %s]}}`, first, second)
	}
	chrome := `{"type": "event", "key": "$browser", "operator": "exact", "value": "Chrome"}`
	mobile := `{"type": "AND", "values": [{"type": "event", "key": "$device_type", "value": "Mobile"}]}`
	assert.Equal(t,
		key(t, 1, parse(t, group(chrome, mobile)), Overrides{}),
		key(t, 1, parse(t, group(mobile, chrome)), Overrides{}))

	series := func(first, second string) string {
		return fmt.Sprintf(`{"kind": "TrendsQuery", "series": [{"kind": "EventsNode", "event": %q}, {"kind": "EventsNode", "event": %q}]}`, first, second)
	}
	assert.NotEqual(t,
		key(t, 1, parse(t, series("a", "b")), Overrides{}),
		key(t, 1, parse(t, series("b", "a")), Overrides{}))
}

func TestKey_ModifiersAndOverridesParticipate(t *testing.T) {
	t.Parallel()
	q := parse(t, pageviews)
	base := key(t, 1, q, Overrides{})

	mods := schema.DefaultModifiers
	mods.UsePreaggregatedTables = false
	other, err := Key(1, q, mods, Overrides{})
	require.NoError(t, err)
	assert.NotEqual(t, base, other)

	from := "-30d"
	assert.NotEqual(t, base, key(t, 1, q, Overrides{Filters: &schema.DashboardFilter{DateFrom: &from}}))
	assert.Equal(t, base, key(t, 1, q, Overrides{Filters: &schema.DashboardFilter{}}), "an empty override is no override")
	assert.NotEqual(t, base, key(t, 1, q, Overrides{Variables: map[string]schema.HogQLVariable{
		"v": {VariableID: "v", CodeName: "floor", Value: 3},
	}}))
}

func TestKey_CallerNamedMembersAreHashedAsGiven(t *testing.T) {
	t.Parallel()
	hogql := func(variables, values string) string {
		return fmt.Sprintf(`{"kind": "HogQLQuery", "query": "select event from events",
			"variables": %s, "values": %s}`, variables, values)
	}
	variable := func(value int) string {
		return fmt.Sprintf(`{"response": {"variableId": "response", "code_name": "response", "value": %d}}`, value)
	}
	assert.NotEqual(t,
		key(t, 1, parse(t, hogql(variable(1), `{}`)), Overrides{}),
		key(t, 1, parse(t, hogql(variable(2), `{}`)), Overrides{}))
	assert.NotEqual(t,
		key(t, 1, parse(t, hogql(`{}`, `{"response": 1}`)), Overrides{}),
		key(t, 1, parse(t, hogql(`{}`, `{"response": 2}`)), Overrides{}))

	// A placeholder map shaped like a filter group is data, not a group.
	assert.NotEqual(t,
		key(t, 1, parse(t, hogql(`{}`, `{"type": "OR", "values": [1, 2]}`)), Overrides{}),
		key(t, 1, parse(t, hogql(`{}`, `{"type": "OR", "values": [2, 1]}`)), Overrides{}))

	// So is a list valued filter value.
	filter := func(value string) string {
		return fmt.Sprintf(`{"kind": "EventsQuery", "select": ["event"],
			"properties": [{"type": "event", "key": "$browser", "operator": "exact", "value": %s}]}`, value)
	}
	assert.NotEqual(t,
		key(t, 1, parse(t, filter(`{"type": "AND", "values": ["a", "b"]}`)), Overrides{}),
		key(t, 1, parse(t, filter(`{"type": "AND", "values": ["b", "a"]}`)), Overrides{}))

	assert.NotEqual(t,
		key(t, 1, parse(t, pageviews), Overrides{Variables: map[string]schema.HogQLVariable{
			"response": {VariableID: "response", CodeName: "response", Value: 1},
		}}),
		key(t, 1, parse(t, pageviews), Overrides{Variables: map[string]schema.HogQLVariable{
			"response": {VariableID: "response", CodeName: "response", Value: 2},
		}}))
}

func TestKey_TenantSettingsParticipate(t *testing.T) {
	t.Parallel()
	q := parse(t, pageviews)
	utc := key(t, 1, q, Overrides{})
	assert.Equal(t, utc, key(t, 1, q, Overrides{Timezone: "UTC"}), "no timezone means UTC")
	berlin := key(t, 1, q, Overrides{Timezone: "Europe/Berlin"})
	assert.NotEqual(t, utc, berlin)

	internal := func(domain string) schema.Properties {
		return parse(t, fmt.Sprintf(`{"kind": "EventsQuery", "select": ["event"],
			"properties": [{"type": "person", "key": "email", "operator": "not_icontains", "value": %q}]}`, domain)).
			Body().(*schema.EventsQuery).Properties
	}
	a := key(t, 1, q, Overrides{Timezone: "Europe/Berlin", TestAccounts: internal("@example.com")})
	b := key(t, 1, q, Overrides{Timezone: "Europe/Berlin", TestAccounts: internal("@example.org")})
	assert.NotEqual(t, berlin, a)
	assert.NotEqual(t, a, b)
	assert.Equal(t, berlin, key(t, 1, q, Overrides{Timezone: "Europe/Berlin", TestAccounts: schema.Properties{}}))
}

// corpusDoc is one generated cache key input. sig identifies its structure
// with the children of every AND/OR group sorted, so two docs with the same
// sig must share a key and two with different sigs must not.
type corpusDoc struct {
	team      int64
	query     map[string]any
	filters   map[string]any
	variables map[string]any
}

type corpus struct {
	rng *rand.Rand
}

func (g *corpus) pick(options ...any) any { return options[g.rng.IntN(len(options))] }

func (g *corpus) leaf() map[string]any {
	var value any = fmt.Sprintf("v%d", g.rng.IntN(12))
	if g.rng.IntN(3) == 0 {
		value = 1 + g.rng.IntN(12)
	}
	return map[string]any{
		"type":     g.pick("event", "person"),
		"key":      g.pick("$browser", "$os", "$current_url", "email", "plan", "response", "values", "type"),
		"operator": g.pick("exact", "is_not", "icontains", "gt"),
		"value":    value,
	}
}

func (g *corpus) group(depth int) map[string]any {
	n := 1 + g.rng.IntN(3)
	values := make([]any, n)
	for i := range values {
		if depth > 0 && g.rng.IntN(3) == 0 {
			values[i] = g.group(depth - 1)
		} else {
			values[i] = g.leaf()
		}
	}
	return map[string]any{"type": g.pick("AND", "OR"), "values": values}
}

func (g *corpus) maybeGroup(q map[string]any, slot string) {
	if g.rng.IntN(3) > 0 {
		q[slot] = g.group(2)
	}
}

func (g *corpus) dateRange() map[string]any {
	return map[string]any{"date_from": fmt.Sprintf("-%dd", 1+g.rng.IntN(30))}
}

func (g *corpus) doc() corpusDoc {
	d := corpusDoc{team: 1 + g.rng.Int64N(5)}
	switch g.rng.IntN(4) {
	case 0:
		series := make([]any, 1+g.rng.IntN(2))
		for i := range series {
			series[i] = map[string]any{"kind": "EventsNode", "event": fmt.Sprintf("e%d", g.rng.IntN(20))}
		}
		d.query = map[string]any{
			"kind": "TrendsQuery", "series": series, "dateRange": g.dateRange(),
			"interval": g.pick("minute", "hour", "day", "week", "month"),
		}
		g.maybeGroup(d.query, "properties")
	case 1:
		columns := []any{"*", "event", "timestamp", "properties.$browser", "person_id"}
		g.rng.Shuffle(len(columns), func(i, j int) { columns[i], columns[j] = columns[j], columns[i] })
		d.query = map[string]any{
			"kind": "EventsQuery", "select": columns[:1+g.rng.IntN(3)], "limit": 1 + g.rng.IntN(100),
		}
		g.maybeGroup(d.query, "properties")
	case 2:
		d.query = map[string]any{
			"kind":  "HogQLQuery",
			"query": fmt.Sprintf("select event from events limit %d", 1+g.rng.IntN(50)),
		}
		if g.rng.IntN(2) == 0 {
			d.query["values"] = map[string]any{
				g.pick("response", "floor", "type").(string): 1 + g.rng.IntN(9),
			}
		}
		if g.rng.IntN(2) == 0 {
			d.query["variables"] = g.variables()
		}
	default:
		d.query = map[string]any{"kind": "WebOverviewQuery", "dateRange": g.dateRange()}
		if g.rng.IntN(2) == 0 {
			d.query["filterTestAccounts"] = true
		}
		g.maybeGroup(d.query, "properties")
	}
	if g.rng.IntN(3) == 0 {
		d.filters = map[string]any{"date_from": fmt.Sprintf("-%dd", 1+g.rng.IntN(60))}
		g.maybeGroup(d.filters, "properties")
	}
	if g.rng.IntN(4) == 0 {
		d.variables = g.variables()
	}
	return d
}

func (g *corpus) variables() map[string]any {
	out := map[string]any{}
	for range 1 + g.rng.IntN(2) {
		id := g.pick("response", "floor", "country").(string)
		out[id] = map[string]any{"variableId": id, "code_name": id, "value": 1 + g.rng.IntN(9)}
	}
	return out
}

// shuffled returns a deep copy of v with the children of every AND/OR group
// reordered.
func (g *corpus) shuffled(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = g.shuffled(child)
		}
		if values, ok := out["values"].([]any); ok && isGroup(out) {
			g.rng.Shuffle(len(values), func(i, j int) { values[i], values[j] = values[j], values[i] })
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = g.shuffled(child)
		}
		return out
	default:
		return v
	}
}

func (g *corpus) shuffledMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return g.shuffled(m).(map[string]any)
}

func isGroup(m map[string]any) bool {
	_, ok := m["values"].([]any)
	return ok && (m["type"] == "AND" || m["type"] == "OR")
}

func sig(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		var b strings.Builder
		b.WriteString("{")
		for _, k := range keys {
			fmt.Fprintf(&b, "%q:", k)
			if values, ok := t[k].([]any); ok && k == "values" && isGroup(t) {
				children := make([]string, len(values))
				for i, child := range values {
					children[i] = sig(child)
				}
				slices.Sort(children)
				b.WriteString("<" + strings.Join(children, ",") + ">")
			} else {
				b.WriteString(sig(t[k]))
			}
			b.WriteString(",")
		}
		b.WriteString("}")
		return b.String()
	case []any:
		parts := make([]string, len(t))
		for i, child := range t {
			parts[i] = sig(child)
		}
		return "[" + strings.Join(parts, ",") + "]"
	case string:
		return strconv.Quote(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (d corpusDoc) sig() string {
	return fmt.Sprintf("%d|%s|%s|%s", d.team, sig(d.query), sig(d.filters), sig(d.variables))
}

func corpusKey(t *testing.T, team int64, query, filters, variables map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(query)
	require.NoError(t, err)
	var ov Overrides
	if len(filters) > 0 {
		raw, err := json.Marshal(filters)
		require.NoError(t, err)
		ov.Filters = &schema.DashboardFilter{}
		require.NoError(t, json.Unmarshal(raw, ov.Filters))
	}
	if len(variables) > 0 {
		raw, err := json.Marshal(variables)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &ov.Variables))
	}
	return key(t, team, parse(t, string(raw)), ov)
}

func TestKey_NoCollisions(t *testing.T) {
	t.Parallel()
	g := &corpus{rng: rand.New(rand.NewPCG(20260301, 17))}

	const docs = 14000
	bySig := make(map[string]string, docs)
	byKey := make(map[string]string, docs)
	for range docs {
		d := g.doc()
		s := d.sig()
		k := corpusKey(t, d.team, d.query, d.filters, d.variables)
		reordered := corpusKey(t, d.team, g.shuffledMap(d.query), g.shuffledMap(d.filters), g.shuffledMap(d.variables))
		require.Equal(t, k, reordered, "reordering group members changed the key of %s", s)

		if prev, ok := bySig[s]; ok {
			require.Equal(t, prev, k, "equal structures got different keys: %s", s)
			continue
		}
		other, dup := byKey[k]
		require.False(t, dup, "key %s shared by\n%s\n%s", k, s, other)
		bySig[s] = k
		byKey[k] = s
	}
	assert.GreaterOrEqual(t, len(bySig), 10000, "corpus too small to be meaningful")
}
