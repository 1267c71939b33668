package tenant

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
)

const teamsYAML = `
apiVersion: duck-analytics/v1
kind: TeamList
teams:
  - id: 2
    name: Berlin
    timezone: Europe/Berlin
    modifiers:
      personsOnEventsMode: disabled
      usePreaggregatedTables: false
    test_account_filters:
      - type: person
        key: email
        operator: not_icontains
        value: "@example.com"
    tables:
      - name: signups
        kind: view
        fields:
          - name: n
            type: integer
        defining_query:
          kind: HogQLQuery
          query: "select count() as n from events where event = 'signup'"
  - id: 1
    name: Default
`

func TestParse(t *testing.T) {
	t.Parallel()
	d, err := Parse([]byte(teamsYAML))
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, d.IDs())

	team, err := d.Team(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", team.Timezone)
	mods, err := DecodeModifiers(team.Modifiers)
	require.NoError(t, err)
	require.NotNil(t, mods.UsePreaggregatedTables)
	assert.False(t, *mods.UsePreaggregatedTables)

	filters, err := DecodeFilters(team.TestAccountFilters)
	require.NoError(t, err)
	assert.Len(t, filters.List, 1)

	team, err = d.Team(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "UTC", team.Timezone, "timezone defaults to UTC")
	assert.Empty(t, team.Modifiers)
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "wrong version",
			doc:     "apiVersion: v0\nkind: TeamList\n",
			wantErr: "unsupported apiVersion",
		},
		{
			name:    "wrong kind",
			doc:     "apiVersion: duck-analytics/v1\nkind: Teams\n",
			wantErr: "unexpected kind",
		},
		{
			name:    "unknown field",
			doc:     "apiVersion: duck-analytics/v1\nkind: TeamList\nteams:\n  - id: 1\n    colour: red\n",
			wantErr: "colour",
		},
		{
			name:    "duplicate id",
			doc:     "apiVersion: duck-analytics/v1\nkind: TeamList\nteams:\n  - id: 1\n  - id: 1\n",
			wantErr: "duplicate team id 1",
		},
		{
			name:    "non positive id",
			doc:     "apiVersion: duck-analytics/v1\nkind: TeamList\nteams:\n  - id: 0\n",
			wantErr: "id must be positive",
		},
		{
			name:    "bad timezone",
			doc:     "apiVersion: duck-analytics/v1\nkind: TeamList\nteams:\n  - id: 1\n    timezone: Mars/Olympus\n",
			wantErr: "team 1",
		},
		{
			name:    "bad modifier",
			doc:     "apiVersion: duck-analytics/v1\nkind: TeamList\nteams:\n  - id: 1\n    modifiers:\n      personsOnEventsMode: sometimes\n",
			wantErr: "modifiers",
		},
		{
			name:    "unknown modifier",
			doc:     "apiVersion: duck-analytics/v1\nkind: TeamList\nteams:\n  - id: 1\n    modifiers:\n      turbo: true\n",
			wantErr: "modifiers",
		},
		{
			name:    "bad defining query",
			doc:     "apiVersion: duck-analytics/v1\nkind: TeamList\nteams:\n  - id: 1\n    tables:\n      - name: v\n        kind: view\n        defining_query:\n          kind: NopeQuery\n",
			wantErr: "defining_query",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDirectory_StrictAndLax(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	strict, err := Parse([]byte(teamsYAML))
	require.NoError(t, err)
	_, err = strict.Team(ctx, 99)
	var notFound *domain.NotFoundError
	assert.True(t, errors.As(err, &notFound))

	lax := NewLax()
	team, err := lax.Team(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(99), team.ID)
	assert.Equal(t, "UTC", team.Timezone)

	lax.Put(domain.Team{ID: 99, Timezone: "Asia/Tokyo"})
	team, err = lax.Team(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Tokyo", team.Timezone)

	for _, d := range []*Directory{strict, lax} {
		_, err = d.Team(ctx, 0)
		var validation *domain.ValidationError
		assert.True(t, errors.As(err, &validation))
	}
}

func TestSeed_RegistersTeamTables(t *testing.T) {
	t.Parallel()
	d, err := Parse([]byte(teamsYAML))
	require.NoError(t, err)

	reg := registry.New(nil, nil)
	require.NoError(t, d.Seed(context.Background(), reg, nil))

	desc, err := reg.Resolve(context.Background(), 2, "signups")
	require.NoError(t, err)
	assert.Equal(t, registry.KindView, desc.Kind)
	require.NotNil(t, desc.DefiningQuery)

	_, err = reg.Resolve(context.Background(), 1, "signups")
	assert.Error(t, err, "tables belong to their team only")
}

func TestSeed_ReportsFailingTable(t *testing.T) {
	t.Parallel()
	doc := `
apiVersion: duck-analytics/v1
kind: TeamList
teams:
  - id: 3
    tables:
      - name: events
        kind: view
        defining_query:
          kind: HogQLQuery
          query: "select 1"
`
	d, err := Parse([]byte(doc))
	require.NoError(t, err)
	err = d.Seed(context.Background(), registry.New(nil, nil), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `team 3 table "events"`)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "teams.yaml")
	require.NoError(t, os.WriteFile(path, []byte(teamsYAML), 0o600))

	d, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, d.IDs())

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
