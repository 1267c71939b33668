package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/metrics"
	"duck-analytics/internal/registry"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(context.Background(), Config{Threads: 1}, metrics.New(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOpen_CreatesSystemTables(t *testing.T) {
	t.Parallel()
	e := openTestEngine(t)

	rows, err := e.Run(context.Background(),
		"SELECT table_schema || '.' || table_name FROM information_schema.tables ORDER BY 1", nil)
	require.NoError(t, err)
	var names []string
	for _, r := range rows.Values {
		names = append(names, r[0].(string))
	}
	for _, tbl := range registry.SystemTables() {
		assert.Contains(t, names, tbl.Physical)
	}
}

func TestRun_NormalizesValues(t *testing.T) {
	t.Parallel()
	e := openTestEngine(t)
	ctx := context.Background()

	_, err := e.DB().ExecContext(ctx, `INSERT INTO analytics.events
		(team_id, uuid, event, "timestamp", distinct_id, properties)
		VALUES (1, 'u1', '$pageview', TIMESTAMPTZ '2024-05-01 10:00:00+00', 'd1', '{"$host":"a.com"}'),
		       (1, 'u2', '$pageview', TIMESTAMPTZ '2024-05-01 11:00:00+00', 'd2', '{"$host":"b.com"}')`)
	require.NoError(t, err)

	var progress []domain.QueryProgress
	rows, err := e.Run(ctx, `SELECT count(*) AS n, sum(team_id) AS s, DATE '2024-05-01' AS d,
		min("timestamp") AS first, 1.5::DECIMAL(4,2) AS dec, ['x', 'y'] AS l
		FROM analytics.events`, func(p domain.QueryProgress) { progress = append(progress, p) })
	require.NoError(t, err)

	require.Len(t, rows.Values, 1)
	assert.Equal(t, []string{"n", "s", "d", "first", "dec", "l"}, rows.Columns)
	row := rows.Values[0]
	assert.Equal(t, int64(2), row[0])
	assert.Equal(t, int64(2), row[1], "HUGEINT sums fit in int64")
	assert.Equal(t, "2024-05-01", row[2])
	assert.Equal(t, "2024-05-01T10:00:00Z", row[3])
	assert.InDelta(t, 1.5, row[4], 1e-9)
	assert.Equal(t, []any{"x", "y"}, row[5])
	require.Len(t, progress, 1)
	assert.Equal(t, int64(1), progress[0].RowsRead)
}

func TestRun_ClassifiesErrors(t *testing.T) {
	t.Parallel()
	e := openTestEngine(t)

	_, err := e.Run(context.Background(), "SELECT * FROM analytics.nope", nil)
	var engineErr *domain.EngineError
	require.ErrorAs(t, err, &engineErr)
	assert.False(t, engineErr.Transient)
	assert.Equal(t, "query execution failed", domain.PublicMessage(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Run(ctx, "SELECT 1", nil)
	require.Error(t, err)
}

func TestRun_ExternalAccessLocked(t *testing.T) {
	t.Parallel()
	e := openTestEngine(t)

	_, err := e.Run(context.Background(), "SELECT * FROM read_csv('/etc/passwd')", nil)
	require.Error(t, err)
}

func TestTableDDL(t *testing.T) {
	t.Parallel()

	ddl, err := TableDDL(registry.TableDescription{
		Name:       "web_overview_daily",
		Physical:   "analytics.web_overview_daily",
		TeamColumn: "team_id",
		Fields: []registry.Field{
			{Name: "day_bucket", Type: registry.TypeDate},
			{Name: "host", Type: registry.TypeString, Nullable: true},
			{Name: "persons_uniq_state", Type: registry.TypeState},
			{Name: "pageviews_count_state", Type: registry.TypeState},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, `CREATE TABLE IF NOT EXISTS analytics.web_overview_daily ("team_id" BIGINT NOT NULL, `+
		`"day_bucket" DATE NOT NULL, "host" VARCHAR, "persons_uniq_state" VARCHAR[], "pageviews_count_state" DOUBLE)`, ddl)

	_, err = TableDDL(registry.TableDescription{Name: "v", Kind: registry.KindView})
	require.Error(t, err)
}
