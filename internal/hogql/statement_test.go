package hogql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_OnlySelect(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sql     string
		wantErr bool
	}{
		{"select", "SELECT 1", false},
		{"with", "WITH x AS (SELECT 1) SELECT * FROM x", false},
		{"trailing semicolon", "SELECT 1;", false},
		{"insert", "INSERT INTO events VALUES (1)", true},
		{"attach", "ATTACH 'other.db'", true},
		{"stacked", "SELECT 1; DROP TABLE events", true},
		{"empty", "  -- nothing\n", true},
		{"unterminated string", "SELECT 'abc", true},
		{"escape string", "SELECT E'\\' FROM x'", true},
		{"dollar quoting", "SELECT $$ ' $$ FROM analytics.events", true},
		{"unterminated comment", "SELECT 1 /* open", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.sql)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestStatement_TableRefs(t *testing.T) {
	t.Parallel()

	stmt, err := Parse(`
		WITH recent AS (SELECT * FROM events WHERE timestamp > now() - INTERVAL 1 DAY)
		SELECT e.event, p.id, extract(year FROM e.timestamp)
		FROM recent e
		LEFT JOIN persons AS p ON p.id = e.person_id
		JOIN (SELECT session_id FROM sessions) s ON s.session_id = e.session_id
		WHERE e.event IN (SELECT event FROM "analytics"."events")`)
	require.NoError(t, err)

	var names []string
	for _, ref := range stmt.TableRefs() {
		names = append(names, ref.Name())
	}
	assert.Equal(t, []string{"events", "recent", "persons", "sessions", "analytics.events"}, names)
	assert.Equal(t, []string{"recent"}, stmt.CTENames())
}

func TestStatement_CommaJoin(t *testing.T) {
	t.Parallel()

	stmt, err := Parse("SELECT * FROM events e, persons AS p, sessions WHERE e.person_id = p.id")
	require.NoError(t, err)

	var names []string
	for _, ref := range stmt.TableRefs() {
		names = append(names, ref.Name())
	}
	assert.Equal(t, []string{"events", "persons", "sessions"}, names)
}

func TestStatement_LiteralAndFunctionTargets(t *testing.T) {
	t.Parallel()

	stmt, err := Parse(`SELECT * FROM 'secrets.csv', read_parquet('x.parquet') AS r`)
	require.NoError(t, err)

	refs := stmt.TableRefs()
	require.Len(t, refs, 2)
	assert.True(t, refs[0].Literal)
	assert.True(t, refs[1].Function)
	assert.Equal(t, "read_parquet", refs[1].Name())
	assert.Contains(t, stmt.Functions(), "read_parquet")
}

func TestTableReferences_ExcludesCTEs(t *testing.T) {
	t.Parallel()

	refs, err := TableReferences("WITH a AS (SELECT * FROM events), b AS (SELECT * FROM a) SELECT * FROM b JOIN persons ON true")
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "persons"}, refs)
}

func TestStatement_Rewrite(t *testing.T) {
	t.Parallel()

	stmt, err := Parse("SELECT count() FROM events WHERE {filters} AND event = {variables.name} -- trailing")
	require.NoError(t, err)

	out, err := stmt.Rewrite(func(p string) (string, error) {
		switch p {
		case "filters":
			return "true", nil
		case "variables.name":
			return "'signup'", nil
		}
		return "", assert.AnError
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT count() FROM events WHERE true AND event = 'signup'", out)
	assert.False(t, stmt.HasLimit())
}

func TestStatement_HasLimit(t *testing.T) {
	t.Parallel()

	stmt, err := Parse("SELECT * FROM (SELECT * FROM events LIMIT 5)")
	require.NoError(t, err)
	assert.False(t, stmt.HasLimit())

	stmt, err = Parse("SELECT * FROM events LIMIT 5")
	require.NoError(t, err)
	assert.True(t, stmt.HasLimit())
}

func TestStatement_Binding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		sql   string
		bound []bool
		early []bool
	}{
		{"main query reads cte", "WITH a AS (SELECT * FROM events) SELECT * FROM a",
			[]bool{false, true}, []bool{false, false}},
		{"self reference", "WITH events AS (SELECT * FROM events) SELECT * FROM events",
			[]bool{false, true}, []bool{true, false}},
		{"forward reference", "WITH a AS (SELECT * FROM b), b AS (SELECT * FROM events) SELECT * FROM a",
			[]bool{false, false, true}, []bool{true, false, false}},
		{"nested scope ends", "SELECT * FROM (WITH events AS (SELECT 1) SELECT * FROM events) x, events",
			[]bool{false, true}, []bool{false, false}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			stmt, err := Parse(tc.sql)
			require.NoError(t, err)
			refs := stmt.TableRefs()
			require.Len(t, refs, len(tc.bound))
			for i, ref := range refs {
				bound, early := stmt.Binding(ref)
				assert.Equal(t, tc.bound[i], bound, "bound %s at %d", ref.Name(), ref.Pos)
				assert.Equal(t, tc.early[i], early, "early %s at %d", ref.Name(), ref.Pos)
			}
		})
	}

	refs, err := TableReferences("WITH events AS (SELECT * FROM events WHERE event = 'x') SELECT * FROM events")
	require.NoError(t, err)
	assert.Equal(t, []string{"events"}, refs)
}
