package compiler

import (
	"fmt"
	"sort"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/schema"
)

// axis is the bucketed time axis of a series result.
type axis struct {
	rng    schema.ResolvedRange
	days   []string
	labels []string
}

func (c *compilation) axis(rng schema.ResolvedRange, interval schema.Interval) axis {
	_, layout := bucketFormat(interval)
	display := "2-Jan-2006"
	if iv := interval.OrDefault(); iv == schema.IntervalHour || iv == schema.IntervalMinute {
		display = "2-Jan-2006 15:04"
	}
	a := axis{rng: rng}
	for _, b := range buckets(schema.ResolvedRange{From: rng.From.In(c.loc), To: rng.To.In(c.loc)}, interval) {
		a.days = append(a.days, b.Format(layout))
		a.labels = append(a.labels, b.Format(display))
	}
	return a
}

// seriesStatement aggregates one series over rng, optionally per bucket
// and per breakdown value.
func (c *compilation) seriesStatement(src seriesSource, common schema.SeriesCommon, rng schema.ResolvedRange, interval schema.Interval, bucketed bool, bd *schema.BreakdownFilter) (string, error) {
	value, err := c.aggregate(src, common)
	if err != nil {
		return "", err
	}
	var cols []string
	if bucketed {
		cols = append(cols, c.bucketLabel(src.ts, interval)+" AS bucket")
	}
	if bd != nil {
		expr, err := c.breakdown(src, bd)
		if err != nil {
			return "", err
		}
		cols = append(cols, expr+" AS breakdown")
	}
	cols = append(cols, value+" AS value")
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), src.from, and(src.where, timeBounds(src.ts, rng)))
	if bucketed || bd != nil {
		sql += " GROUP BY ALL"
	}
	return sql, nil
}

type trendsStatement struct {
	series schema.Series
	order  int
	// formula replaces the series reference and label when set.
	formula  string
	previous bool
	axis     axis
}

func (c *compilation) trends(q *schema.TrendsQuery) (*Plan, error) {
	interval := q.Interval.OrDefault()
	rng, err := c.seriesRange(q.DateRange, interval)
	if err != nil {
		return nil, err
	}
	if q.SamplingFactor != nil {
		c.note("samplingFactor ignored, results are exact")
	}
	aggregated := q.TrendsFilter.Aggregated()
	cumulative := q.TrendsFilter.Cumulative()
	global := q.Properties.And(c.testAccountFilters(q.FilterTestAccounts))

	ranges := []struct {
		rng      schema.ResolvedRange
		previous bool
	}{{rng, false}}
	if q.CompareFilter.Enabled() {
		ranges = append(ranges, struct {
			rng      schema.ResolvedRange
			previous bool
		}{rng.Previous(), true})
	}

	plan := &Plan{}
	var specs []trendsStatement
	formula := q.TrendsFilter.FormulaText()
	for _, r := range ranges {
		var parts []formulaSeries
		for i, s := range q.Series {
			src, err := c.seriesSource(s, global)
			if err != nil {
				return nil, err
			}
			sql, err := c.seriesStatement(src, s.Common(), r.rng, interval, !aggregated, q.BreakdownFilter)
			if err != nil {
				return nil, err
			}
			if formula != "" {
				parts = append(parts, formulaSeries{series: s, sql: sql, table: src.scope.table})
				continue
			}
			name := fmt.Sprintf("series_%d", i)
			if r.previous {
				name += "_previous"
			}
			plan.Statements = append(plan.Statements, Statement{Name: name, SQL: sql})
			specs = append(specs, trendsStatement{series: s, order: i, previous: r.previous, axis: c.axis(r.rng, interval)})
		}
		if formula == "" {
			continue
		}
		sql, err := c.formulaStatement(formula, parts, !aggregated, q.BreakdownFilter != nil)
		if err != nil {
			return nil, err
		}
		name := "formula"
		if r.previous {
			name += "_previous"
		}
		c.note("formula %q over %d series", formula, len(parts))
		plan.Statements = append(plan.Statements, Statement{Name: name, SQL: sql})
		specs = append(specs, trendsStatement{formula: formula, previous: r.previous, axis: c.axis(r.rng, interval)})
	}
	compare := q.CompareFilter.Enabled()
	bd := q.BreakdownFilter
	plan.assemble = func(rows []*domain.Rows) (schema.Result, error) {
		return assembleTrends(specs, rows, bd, aggregated, cumulative, compare), nil
	}
	return plan, nil
}

type breakdownTotals struct {
	values map[string]map[string]float64
	totals map[string]float64
}

func collectSeries(r *domain.Rows) breakdownTotals {
	idx := columnIndex(r)
	out := breakdownTotals{values: map[string]map[string]float64{}, totals: map[string]float64{}}
	for _, row := range r.Values {
		bd := toString(cell(idx, row, "breakdown"))
		bucket := toString(cell(idx, row, "bucket"))
		v := toFloat(cell(idx, row, "value"))
		if out.values[bd] == nil {
			out.values[bd] = map[string]float64{}
		}
		out.values[bd][bucket] += v
		out.totals[bd] += v
	}
	return out
}

// topBreakdowns orders breakdown values by total, descending, and keeps
// the first limit.
func topBreakdowns(totals map[string]float64, limit int) []string {
	keys := make([]string, 0, len(totals))
	for k := range totals {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if totals[keys[i]] != totals[keys[j]] {
			return totals[keys[i]] > totals[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func assembleTrends(specs []trendsStatement, rows []*domain.Rows, bd *schema.BreakdownFilter, aggregated, cumulative, compare bool) schema.TrendsResult {
	out := schema.TrendsResult{}
	selected := map[int][]string{}
	for i, spec := range specs {
		got := collectSeries(rows[i])
		keys := []string{""}
		if bd != nil {
			if spec.previous {
				keys = selected[spec.order]
			} else {
				keys = topBreakdowns(got.totals, bd.Limit())
				selected[spec.order] = keys
			}
		}
		for _, key := range keys {
			res := schema.TrendsSeriesResult{
				Data:   []float64{},
				Days:   []string{},
				Labels: []string{},
			}
			if spec.formula != "" {
				res.Action = schema.SeriesRef{Name: spec.formula, Math: schema.MathTotal}
				res.Label = spec.formula
			} else {
				res.Action = seriesRef(spec.order, spec.series)
				res.Label = spec.series.Label()
			}
			if bd != nil {
				res.BreakdownValue = key
			}
			if compare {
				res.Compare = true
				res.CompareLabel = "current"
				if spec.previous {
					res.CompareLabel = "previous"
				}
			}
			if aggregated {
				v := got.values[key][""]
				res.AggregatedValue = &v
				res.Count = v
			} else {
				running := 0.0
				for _, day := range spec.axis.days {
					v := got.values[key][day]
					if cumulative {
						running += v
						v = running
					}
					res.Data = append(res.Data, v)
					res.Count += got.values[key][day]
				}
				res.Days = append(res.Days, spec.axis.days...)
				res.Labels = append(res.Labels, spec.axis.labels...)
			}
			out = append(out, res)
		}
	}
	return out
}
