package compiler

import (
	"fmt"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/schema"
)

func (c *compilation) stickiness(q *schema.StickinessQuery) (*Plan, error) {
	interval := q.Interval.OrDefault()
	rng, err := c.seriesRange(q.DateRange, interval)
	if err != nil {
		return nil, err
	}
	global := q.Properties.And(c.testAccountFilters(q.FilterTestAccounts))
	ranges := []schema.ResolvedRange{rng}
	if q.CompareFilter.Enabled() {
		ranges = append(ranges, rng.Previous())
	}

	type spec struct {
		series   schema.Series
		order    int
		previous bool
		total    int
	}
	plan := &Plan{}
	var specs []spec
	for i, s := range q.Series {
		for ri, r := range ranges {
			src, err := c.seriesSource(s, global)
			if err != nil {
				return nil, err
			}
			sql := fmt.Sprintf(
				"WITH per_actor AS (SELECT %s AS actor, count(DISTINCT %s) AS intervals FROM %s WHERE %s GROUP BY 1) "+
					"SELECT intervals, count(*) AS actors FROM per_actor GROUP BY intervals ORDER BY intervals",
				src.actor, c.bucket(src.ts, interval), src.from, and(src.where, timeBounds(src.ts, r)))
			name := fmt.Sprintf("series_%d", i)
			if ri > 0 {
				name += "_previous"
			}
			plan.Statements = append(plan.Statements, Statement{Name: name, SQL: sql})
			specs = append(specs, spec{series: s, order: i, previous: ri > 0, total: len(buckets(r, interval))})
		}
	}
	unit := string(interval)
	plan.assemble = func(rows []*domain.Rows) (schema.Result, error) {
		out := schema.StickinessResult{}
		for i, sp := range specs {
			counts := map[int64]float64{}
			idx := columnIndex(rows[i])
			for _, row := range rows[i].Values {
				counts[toInt(cell(idx, row, "intervals"))] += toFloat(cell(idx, row, "actors"))
			}
			res := schema.StickinessSeriesResult{
				Action: seriesRef(sp.order, sp.series),
				Label:  sp.series.Label(),
				Data:   []float64{},
				Days:   []int{},
				Labels: []string{},
			}
			for n := 1; n <= sp.total; n++ {
				v := counts[int64(n)]
				res.Data = append(res.Data, v)
				res.Days = append(res.Days, n)
				label := fmt.Sprintf("%d %s", n, unit)
				if n != 1 {
					label += "s"
				}
				res.Labels = append(res.Labels, label)
				res.Count += v
			}
			out = append(out, res)
		}
		return out, nil
	}
	return plan, nil
}
