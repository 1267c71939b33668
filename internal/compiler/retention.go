package compiler

import (
	"fmt"
	"time"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

const defaultRetentionEvent = "$pageview"

func (c *compilation) retentionEntity(fs filterScope, ref *schema.EntityRef) (string, error) {
	if ref == nil {
		return col(fs.events, "event") + " = " + strLit(defaultRetentionEvent), nil
	}
	if ref.Type == "actions" {
		return "", domain.ErrCompile(domain.CompileUnsupportedQuery, "retention entities must be events")
	}
	switch id := ref.ID.(type) {
	case nil:
		return "TRUE", nil
	case string:
		return col(fs.events, "event") + " = " + strLit(id), nil
	default:
		return "", domain.ErrValidation("retention entity id must be an event name")
	}
}

func periodDiff(interval schema.Interval, from, to string) string {
	switch interval {
	case schema.IntervalHour:
		return fmt.Sprintf("date_diff('hour', %s, %s)", from, to)
	case schema.IntervalWeek:
		return fmt.Sprintf("date_diff('day', %s, %s) // 7", from, to)
	case schema.IntervalMonth:
		return fmt.Sprintf("date_diff('month', %s, %s)", from, to)
	default:
		return fmt.Sprintf("date_diff('day', %s, %s)", from, to)
	}
}

// retention counts, per cohort bucket, the actors performing the target
// event and how many of them return in each later period. Period 0 is the
// cohort size. Cohorts are the totalIntervals buckets ending at date_to.
func (c *compilation) retention(q *schema.RetentionQuery) (*Plan, error) {
	f := q.RetentionFilter
	interval := f.PeriodInterval()
	n := f.Intervals()
	rng, err := c.dateRange(q.DateRange, interval)
	if err != nil {
		return nil, err
	}
	last := interval.Truncate(rng.To.Add(-time.Nanosecond).In(c.loc))
	cohorts := []time.Time{last}
	for len(cohorts) < n {
		prev := cohorts[0]
		start := interval.Truncate(prev.Add(-time.Nanosecond))
		cohorts = append([]time.Time{start}, cohorts...)
	}
	first := cohorts[0]
	c.note("retention cohorts %s to %s", first.Format(time.DateOnly), last.Format(time.DateOnly))

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
	target, err := c.retentionEntity(fs, f.TargetEntity)
	if err != nil {
		return nil, err
	}
	returning, err := c.retentionEntity(fs, f.ReturningEntity)
	if err != nil {
		return nil, err
	}

	bounds := fmt.Sprintf("%s < %s", col(e, "timestamp"), tsLit(rng.To))
	starts := "SELECT actor, min(b) AS cohort FROM ev WHERE is_target GROUP BY actor"
	if f.RetentionType == "retention_recurring" {
		bounds = timeBounds(col(e, "timestamp"), schema.ResolvedRange{From: first, To: rng.To})
		starts = "SELECT DISTINCT actor, b AS cohort FROM ev WHERE is_target"
	}
	format, layout := bucketFormat(interval)
	fromLocal := localLit(first)
	sql := fmt.Sprintf(`WITH ev AS (
  SELECT %[1]s AS actor, %[2]s AS b, (%[3]s) AS is_target, (%[4]s) AS is_return
  FROM %[5]s AS %[6]s WHERE %[7]s
), starts AS (%[8]s), returns AS (SELECT DISTINCT actor, b FROM ev WHERE is_return)
SELECT strftime(cohort, %[9]s) AS cohort, 0 AS period, count(DISTINCT actor) AS actors
FROM starts WHERE cohort >= %[10]s GROUP BY 1
UNION ALL
SELECT strftime(s.cohort, %[9]s) AS cohort, %[11]s AS period, count(DISTINCT s.actor) AS actors
FROM starts AS s JOIN returns AS r ON r.actor = s.actor AND r.b > s.cohort
WHERE s.cohort >= %[10]s GROUP BY 1, 2`,
		actorExpr(e), c.bucket(col(e, "timestamp"), interval), target, returning, src, e,
		and(bounds, global, "("+target+") OR ("+returning+")"),
		starts, strLit(format), fromLocal, periodDiff(interval, "s.cohort", "r.b"))

	label := map[schema.Interval]string{
		schema.IntervalHour: "Hour", schema.IntervalWeek: "Week", schema.IntervalMonth: "Month",
	}[interval]
	if label == "" {
		label = "Day"
	}
	return &Plan{
		Statements: []Statement{{Name: "retention", SQL: sql}},
		assemble: func(rows []*domain.Rows) (schema.Result, error) {
			idx := columnIndex(rows[0])
			counts := map[string]map[int64]int64{}
			for _, row := range rows[0].Values {
				key := toString(cell(idx, row, "cohort"))
				if counts[key] == nil {
					counts[key] = map[int64]int64{}
				}
				counts[key][toInt(cell(idx, row, "period"))] += toInt(cell(idx, row, "actors"))
			}
			out := schema.RetentionResult{}
			for i, start := range cohorts {
				key := start.Format(layout)
				cohort := schema.RetentionCohort{Date: key, Label: fmt.Sprintf("%s %d", label, i), Values: []schema.RetentionValue{}}
				for p := 0; p < n-i; p++ {
					cohort.Values = append(cohort.Values, schema.RetentionValue{Count: counts[key][int64(p)]})
				}
				out = append(out, cohort)
			}
			return out, nil
		},
	}, nil
}
