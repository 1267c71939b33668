package compiler

import (
	"fmt"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/schema"
)

// Lifecycle statuses in result order.
var lifecycleStatuses = []string{"new", "returning", "resurrecting", "dormant"}

// lifecycle classifies each active actor per bucket. An actor is new in
// its first ever active bucket, returning when also active in the
// previous bucket, resurrecting otherwise, and counts negatively as
// dormant in the bucket after its last activity.
func (c *compilation) lifecycle(q *schema.LifecycleQuery) (*Plan, error) {
	interval := q.Interval.OrDefault()
	rng, err := c.seriesRange(q.DateRange, interval)
	if err != nil {
		return nil, err
	}
	s := q.Series[0]
	src, err := c.seriesSource(s, q.Properties.And(c.testAccountFilters(q.FilterTestAccounts)))
	if err != nil {
		return nil, err
	}
	step := intervalSQL(interval)
	from := localLit(rng.From.In(c.loc))
	to := localLit(rng.To.In(c.loc))
	format, _ := bucketFormat(interval)

	sql := fmt.Sprintf(`WITH activity AS (
  SELECT DISTINCT %[1]s AS actor, %[2]s AS b FROM %[3]s WHERE %[4]s
), marked AS (
  SELECT actor, b,
    lag(b) OVER (PARTITION BY actor ORDER BY b) AS prev_b,
    lead(b) OVER (PARTITION BY actor ORDER BY b) AS next_b,
    min(b) OVER (PARTITION BY actor) AS first_b
  FROM activity
)
SELECT strftime(b, %[8]s) AS bucket,
  CASE WHEN b = first_b THEN 'new' WHEN prev_b = b - %[5]s THEN 'returning' ELSE 'resurrecting' END AS status,
  CAST(count(*) AS DOUBLE) AS actors
FROM marked WHERE b >= %[6]s AND b < %[7]s GROUP BY 1, 2
UNION ALL
SELECT strftime(b + %[5]s, %[8]s) AS bucket, 'dormant' AS status, -CAST(count(*) AS DOUBLE) AS actors
FROM marked WHERE (next_b IS NULL OR next_b > b + %[5]s) AND b + %[5]s >= %[6]s AND b + %[5]s < %[7]s GROUP BY 1, 2`,
		src.actor, c.bucket(src.ts, interval), src.from,
		and(src.where, fmt.Sprintf("%s < %s", src.ts, tsLit(rng.To))),
		step, from, to, strLit(format))

	ax := c.axis(rng, interval)
	return &Plan{
		Statements: []Statement{{Name: "lifecycle", SQL: sql}},
		assemble: func(rows []*domain.Rows) (schema.Result, error) {
			idx := columnIndex(rows[0])
			counts := map[string]map[string]float64{}
			for _, row := range rows[0].Values {
				status := toString(cell(idx, row, "status"))
				if counts[status] == nil {
					counts[status] = map[string]float64{}
				}
				counts[status][toString(cell(idx, row, "bucket"))] += toFloat(cell(idx, row, "actors"))
			}
			out := schema.LifecycleResult{}
			for _, status := range lifecycleStatuses {
				res := schema.LifecycleSeriesResult{
					Action: seriesRef(0, s),
					Label:  s.Label() + " - " + status,
					Status: status,
					Data:   []float64{},
					Days:   append([]string{}, ax.days...),
					Labels: append([]string{}, ax.labels...),
				}
				for _, day := range ax.days {
					v := counts[status][day]
					res.Data = append(res.Data, v)
					res.Count += v
				}
				out = append(out, res)
			}
			return out, nil
		},
	}, nil
}
