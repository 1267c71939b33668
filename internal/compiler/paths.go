package compiler

import (
	"fmt"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

const (
	defaultPathSteps = 5
	defaultPathEdges = 50
)

// paths computes transitions between consecutive path items per actor.
// Items are prefixed with their step number so repeated visits stay
// distinct nodes.
func (c *compilation) paths(q *schema.PathsQuery) (*Plan, error) {
	f := q.PathsFilter
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

	types := f.IncludeEventTypes
	if len(types) == 0 {
		types = []string{"$pageview"}
	}
	event := col(e, "event")
	var cases, kinds []string
	for _, t := range types {
		switch t {
		case "$pageview":
			path, err := jsonPath(col(e, "properties"), "$pathname")
			if err != nil {
				return nil, err
			}
			url, err := jsonPath(col(e, "properties"), "$current_url")
			if err != nil {
				return nil, err
			}
			cases = append(cases, fmt.Sprintf("WHEN %s = '$pageview' THEN coalesce(%s, %s)", event, path, url))
			kinds = append(kinds, event+" = '$pageview'")
		case "$screen":
			screen, err := jsonPath(col(e, "properties"), "$screen_name")
			if err != nil {
				return nil, err
			}
			cases = append(cases, fmt.Sprintf("WHEN %s = '$screen' THEN %s", event, screen))
			kinds = append(kinds, event+" = '$screen'")
		case "custom_event":
			cases = append(cases, fmt.Sprintf("WHEN NOT starts_with(%s, '$') THEN %s", event, event))
			kinds = append(kinds, fmt.Sprintf("NOT starts_with(%s, '$')", event))
		}
	}

	steps := f.StepLimit
	if steps == 0 {
		steps = defaultPathSteps
	}
	edges := f.EdgeLimit
	if edges <= 0 {
		edges = defaultPathEdges
	}
	startCut, endCut := "1", "NULL"
	if f.StartPoint != "" {
		startCut = fmt.Sprintf("min(CASE WHEN item = %s THEN n END) OVER (PARTITION BY actor)", strLit(f.StartPoint))
	}
	if f.EndPoint != "" {
		endCut = fmt.Sprintf("min(CASE WHEN item = %s THEN n END) OVER (PARTITION BY actor)", strLit(f.EndPoint))
	}

	var b strings.Builder
	fmt.Fprintf(&b, `WITH items AS (
  SELECT %s AS actor, %s AS ts, CASE %s END AS item FROM %s AS %s WHERE %s
), numbered AS (
  SELECT actor, ts, item, row_number() OVER (PARTITION BY actor ORDER BY ts) AS n FROM items WHERE item IS NOT NULL
), cut AS (
  SELECT actor, ts, item, n, %s AS start_n, %s AS end_n FROM numbered
), steps AS (
  SELECT actor, ts, item, n - start_n + 1 AS step FROM cut
  WHERE start_n IS NOT NULL AND n >= start_n AND (end_n IS NULL OR n <= end_n) AND n - start_n < %d
), pairs AS (
  SELECT step, item, ts,
    lead(item) OVER (PARTITION BY actor ORDER BY step) AS next_item,
    lead(ts) OVER (PARTITION BY actor ORDER BY step) AS next_ts
  FROM steps
)
SELECT CAST(step AS VARCHAR) || '_' || item AS source, CAST(step + 1 AS VARCHAR) || '_' || next_item AS target,
  count(*) AS value, avg(epoch(next_ts) - epoch(ts)) AS average_conversion_time
FROM pairs WHERE next_item IS NOT NULL
GROUP BY 1, 2 ORDER BY value DESC, source, target LIMIT %d`,
		actorExpr(e), col(e, "timestamp"), strings.Join(cases, " "), src, e,
		and(timeBounds(col(e, "timestamp"), rng), global, strings.Join(kinds, " OR ")),
		startCut, endCut, steps, edges)

	return &Plan{
		Statements: []Statement{{Name: "paths", SQL: b.String()}},
		assemble: func(rows []*domain.Rows) (schema.Result, error) {
			idx := columnIndex(rows[0])
			out := schema.PathsResult{}
			for _, row := range rows[0].Values {
				out = append(out, schema.PathEdge{
					Source:                toString(cell(idx, row, "source")),
					Target:                toString(cell(idx, row, "target")),
					Value:                 toInt(cell(idx, row, "value")),
					AverageConversionTime: optFloat(cell(idx, row, "average_conversion_time")),
				})
			}
			return out, nil
		},
	}, nil
}
