package compiler

import (
	"fmt"
	"sort"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

// funnels counts actors converting through ordered steps. Each actor's
// first entry into step 0 anchors the window; step n is reached by the
// earliest matching event at or after step n-1 and within the window of
// the anchor.
func (c *compilation) funnels(q *schema.FunnelsQuery) (*Plan, error) {
	if order := q.FunnelsFilter.Order(); order != schema.FunnelOrdered {
		return nil, domain.ErrCompile(domain.CompileUnsupportedQuery, "funnel order %q is not supported", order)
	}
	rng, err := c.dateRange(q.DateRange, schema.IntervalDay)
	if err != nil {
		return nil, err
	}
	src, desc, err := c.sourceOf(registry.TableEvents)
	if err != nil {
		return nil, err
	}
	e := c.alias("e")
	fs := c.eventsScope(e, desc)
	global, err := fs.predicate(q.Properties.And(c.testAccountFilters(q.FilterTestAccounts)))
	if err != nil {
		return nil, err
	}

	cols := []string{actorExpr(e) + " AS actor", col(e, "timestamp") + " AS ts"}
	var alts []string
	for i, s := range q.Series {
		if s.DataWarehouse != nil {
			return nil, domain.ErrCompile(domain.CompileUnsupportedQuery, "funnel steps must be events or actions")
		}
		entity, err := c.entityPredicate(fs, s)
		if err != nil {
			return nil, err
		}
		common := s.Common()
		props, err := fs.predicate(common.Properties.And(common.FixedProperties))
		if err != nil {
			return nil, err
		}
		pred := and(entity, props)
		cols = append(cols, fmt.Sprintf("(%s) AS step_%d", pred, i))
		alts = append(alts, "("+pred+")")
	}
	bd := q.BreakdownFilter
	if bd != nil {
		expr, err := c.breakdown(seriesSource{alias: e, scope: fs}, bd)
		if err != nil {
			return nil, err
		}
		cols = append(cols, expr+" AS breakdown")
	} else {
		cols = append(cols, "'' AS breakdown")
	}

	window := q.FunnelsFilter.Window()
	var b strings.Builder
	fmt.Fprintf(&b, "WITH ev AS (SELECT %s FROM %s AS %s WHERE %s)", strings.Join(cols, ", "), src, e,
		and(timeBounds(col(e, "timestamp"), rng), global, strings.Join(alts, " OR ")))
	b.WriteString(", s0 AS (SELECT actor, min(ts) AS t0, arg_min(breakdown, ts) AS breakdown FROM ev WHERE step_0 GROUP BY actor)")
	for i := 1; i < len(q.Series); i++ {
		fmt.Fprintf(&b, ", s%[1]d AS (SELECT p.actor, p.t0, min(ev.ts) AS t%[1]d FROM s%[2]d AS p JOIN ev ON ev.actor = p.actor AND ev.step_%[1]d "+
			"AND ev.ts >= p.t%[2]d AND ev.ts <= p.t0 + INTERVAL %[3]d SECOND GROUP BY p.actor, p.t0)", i, i-1, window)
	}
	sel := []string{"s0.breakdown AS breakdown", "count(s0.actor) AS step_0_count"}
	joins := ""
	for i := 1; i < len(q.Series); i++ {
		sel = append(sel,
			fmt.Sprintf("count(s%d.actor) AS step_%d_count", i, i),
			fmt.Sprintf("avg(epoch(s%[1]d.t%[1]d) - epoch(%[2]s)) AS step_%[1]d_time", i, prevTime(i)))
		joins += fmt.Sprintf(" LEFT JOIN s%[1]d ON s%[1]d.actor = s0.actor", i)
	}
	fmt.Fprintf(&b, " SELECT %s FROM s0%s GROUP BY s0.breakdown", strings.Join(sel, ", "), joins)

	series := q.Series
	return &Plan{
		Statements: []Statement{{Name: "funnel", SQL: b.String()}},
		assemble: func(rows []*domain.Rows) (schema.Result, error) {
			return assembleFunnel(rows[0], series, bd), nil
		},
	}, nil
}

func prevTime(step int) string {
	if step == 1 {
		return "s0.t0"
	}
	return fmt.Sprintf("s%[1]d.t%[1]d", step-1)
}

func assembleFunnel(r *domain.Rows, series []schema.Series, bd *schema.BreakdownFilter) schema.FunnelsResult {
	idx := columnIndex(r)
	type group struct {
		key   string
		steps []schema.FunnelStep
	}
	var groups []group
	for _, row := range r.Values {
		key := toString(cell(idx, row, "breakdown"))
		g := group{key: key}
		for i, s := range series {
			step := schema.FunnelStep{
				Order:      i,
				Name:       s.Label(),
				CustomName: s.Common().CustomName,
				Count:      toInt(cell(idx, row, fmt.Sprintf("step_%d_count", i))),
			}
			if i > 0 {
				step.AverageConversionTime = optFloat(cell(idx, row, fmt.Sprintf("step_%d_time", i)))
			}
			if bd != nil {
				step.BreakdownValue = key
			}
			g.steps = append(g.steps, step)
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].steps[0].Count != groups[j].steps[0].Count {
			return groups[i].steps[0].Count > groups[j].steps[0].Count
		}
		return groups[i].key < groups[j].key
	})
	if bd != nil && len(groups) > bd.Limit() {
		groups = groups[:bd.Limit()]
	}
	out := schema.FunnelsResult{}
	for _, g := range groups {
		out = append(out, g.steps)
	}
	if len(out) == 0 {
		steps := make([]schema.FunnelStep, 0, len(series))
		for i, s := range series {
			steps = append(steps, schema.FunnelStep{Order: i, Name: s.Label(), CustomName: s.Common().CustomName})
		}
		out = append(out, steps)
	}
	return out
}
