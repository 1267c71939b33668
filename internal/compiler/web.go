package compiler

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

var rollupOperators = []schema.Operator{"", schema.OpExact, schema.OpIsNot, schema.OpIn, schema.OpNotIn}

// rollupFor returns the rollup table to read instead of raw events, or nil
// with the reason the raw path is taken. Every filter and dimension must be
// one the rollup carries and the range must cover whole days.
func (c *compilation) rollupFor(table string, props schema.Properties, dims []string, ranges ...schema.ResolvedRange) (*registry.TableDescription, string) {
	if !c.mods.UsePreaggregatedTables {
		return nil, "usePreaggregatedTables is off"
	}
	for _, r := range ranges {
		if r.All {
			return nil, "open-ended date range"
		}
		if !r.WholeDays() {
			return nil, "date range is not whole days"
		}
	}
	desc, err := c.catalog.Resolve(c.ctx, c.teamID, table)
	if err != nil || desc.Rollup == nil {
		return nil, fmt.Sprintf("rollup %s unavailable", table)
	}
	for _, f := range props.Leaves() {
		if f.Type != schema.PropertyEvent {
			return nil, fmt.Sprintf("%s filter on %q", f.Type, f.Key)
		}
		if !slices.Contains(rollupOperators, f.Operator) {
			return nil, fmt.Sprintf("operator %s on %q", f.Operator, f.Key)
		}
		if _, ok := desc.Rollup.Column(f.Key); !ok {
			return nil, fmt.Sprintf("filter on %q is not a rollup dimension", f.Key)
		}
	}
	for _, d := range dims {
		if _, ok := desc.Rollup.Column(d); !ok {
			return nil, fmt.Sprintf("dimension %q is not in the rollup", d)
		}
	}
	return desc, ""
}

// finalize merges an aggregate state column across rollup rows. Unique
// states hold id lists; every other state is additive.
func finalize(alias, field string) string {
	if strings.HasSuffix(field, "_uniq_state") {
		return fmt.Sprintf("len(list_distinct(flatten(list(%s))))", col(alias, field))
	}
	return fmt.Sprintf("sum(%s)", col(alias, field))
}

// rollupSource renders a rollup read over a local date range.
func (c *compilation) rollupSource(desc *registry.TableDescription, props schema.Properties, rng schema.ResolvedRange) (from, alias, where string, err error) {
	c.use(desc.Name)
	src, err := c.source(desc)
	if err != nil {
		return "", "", "", err
	}
	alias = c.alias("r")
	fs := filterScope{c: c, alias: alias, table: desc, rollup: desc.Rollup}
	pred, err := fs.predicate(props)
	if err != nil {
		return "", "", "", err
	}
	date := col(alias, desc.Rollup.DateColumn)
	where = and(
		fmt.Sprintf("%s >= %s AND %s < %s", date, dateLit(rng.From.In(c.loc)), date, dateLit(rng.To.In(c.loc))),
		pred,
	)
	return src + " AS " + alias, alias, where, nil
}

// pageviewSource is the raw events relation of web analytics queries.
func (c *compilation) pageviewSource(props schema.Properties, rng schema.ResolvedRange, events ...string) (from, alias, where string, scope filterScope, err error) {
	src, desc, err := c.sourceOf(registry.TableEvents)
	if err != nil {
		return "", "", "", filterScope{}, err
	}
	alias = c.alias("e")
	scope = c.eventsScope(alias, desc)
	pred, err := scope.predicate(props)
	if err != nil {
		return "", "", "", filterScope{}, err
	}
	names := make([]string, 0, len(events))
	for _, e := range events {
		names = append(names, strLit(e))
	}
	where = and(
		fmt.Sprintf("%s IN (%s)", col(alias, "event"), strings.Join(names, ", ")),
		timeBounds(col(alias, "timestamp"), rng),
		pred,
	)
	return src + " AS " + alias, alias, where, scope, nil
}

var webOverviewMetrics = []struct{ key, kind string }{
	{"visitors", "unit"},
	{"views", "unit"},
	{"sessions", "unit"},
	{"session_duration", "duration_s"},
	{"bounce_rate", "percentage"},
}

func (c *compilation) webOverview(q *schema.WebOverviewQuery) (*Plan, error) {
	rng, err := c.dateRange(q.DateRange, schema.IntervalDay)
	if err != nil {
		return nil, err
	}
	if rng.All {
		rng.From = rng.To.AddDate(-maxSeriesRangeYears, 0, 0)
		rng.All = false
	}
	props := q.Properties.And(c.testAccountFilters(q.FilterTestAccounts))
	ranges := []schema.ResolvedRange{rng}
	if q.CompareFilter.Enabled() {
		ranges = append(ranges, rng.Previous())
	}
	rollup, reason := c.rollupFor(registry.TableWebOverviewDaily, props, nil, ranges...)
	if rollup != nil && c.mods.BounceRatePageViewMode != schema.BounceCountPageviews {
		rollup, reason = nil, "rollup bounces are counted by pageviews"
	}

	plan := &Plan{}
	for i, r := range ranges {
		var sql string
		if rollup != nil {
			sql, err = c.webOverviewRollup(rollup, props, r)
		} else {
			sql, err = c.webOverviewRaw(props, r)
		}
		if err != nil {
			return nil, err
		}
		name := "current"
		if i > 0 {
			name = "previous"
		}
		plan.Statements = append(plan.Statements, Statement{Name: name, SQL: sql})
	}
	if rollup != nil {
		plan.UsedPreaggregatedTables = true
		plan.RollupTable = rollup.Name
		c.note("web overview read from rollup %s", rollup.Name)
	} else {
		c.note("web overview read from raw events: %s", reason)
	}

	used := plan.UsedPreaggregatedTables
	from, to := rng.From.In(c.loc).Format(time.RFC3339), rng.To.In(c.loc).Format(time.RFC3339)
	plan.assemble = func(rows []*domain.Rows) (schema.Result, error) {
		current := firstRow(rows[0])
		var previous map[string]any
		if len(rows) > 1 {
			previous = firstRow(rows[1])
		}
		out := schema.WebOverviewResult{Items: []schema.WebOverviewItem{}, DateFrom: from, DateTo: to, UsedPreAggregatedTables: used}
		for _, m := range webOverviewMetrics {
			item := schema.WebOverviewItem{Key: m.key, Kind: m.kind, Value: optFloat(current[m.key])}
			if previous != nil {
				item.Previous = optFloat(previous[m.key])
				if item.Value != nil && item.Previous != nil && *item.Previous != 0 {
					pct := math.Round((*item.Value-*item.Previous) / *item.Previous * 100)
					item.ChangeFromPreviousPct = &pct
				}
			}
			out.Items = append(out.Items, item)
		}
		return out, nil
	}
	return plan, nil
}

func firstRow(r *domain.Rows) map[string]any {
	out := map[string]any{}
	if len(r.Values) == 0 {
		return out
	}
	for i, c := range r.Columns {
		if i < len(r.Values[0]) {
			out[c] = r.Values[0][i]
		}
	}
	return out
}

func (c *compilation) webOverviewRaw(props schema.Properties, rng schema.ResolvedRange) (string, error) {
	events := []string{"$pageview"}
	if c.mods.BounceRatePageViewMode == schema.BounceUniqPageAutocaps {
		events = append(events, "$screen", "$autocapture")
	}
	from, e, where, _, err := c.pageviewSource(props, rng, events...)
	if err != nil {
		return "", err
	}
	pathname, err := jsonPath(col(e, "properties"), "$pathname")
	if err != nil {
		return "", err
	}
	bounce := "count(*) FILTER (WHERE event = '$pageview') = 1"
	switch c.mods.BounceRatePageViewMode {
	case schema.BounceUniqURLs:
		bounce = "count(DISTINCT pathname) = 1"
	case schema.BounceUniqPageAutocaps:
		bounce = "count(*) = 1"
	}
	return fmt.Sprintf(`WITH ev AS (
  SELECT %s AS person, %s AS session_id, %s AS ts, %s AS event, %s AS pathname FROM %s WHERE %s
), sess AS (
  SELECT session_id, epoch(max(ts)) - epoch(min(ts)) AS duration, %s AS bounced FROM ev WHERE session_id IS NOT NULL GROUP BY session_id
)
SELECT
  (SELECT CAST(count(DISTINCT person) AS DOUBLE) FROM ev WHERE event = '$pageview') AS visitors,
  (SELECT CAST(count(*) AS DOUBLE) FROM ev WHERE event = '$pageview') AS views,
  (SELECT CAST(count(*) AS DOUBLE) FROM sess) AS sessions,
  (SELECT avg(duration) FROM sess) AS session_duration,
  (SELECT avg(CASE WHEN bounced THEN 100.0 ELSE 0.0 END) FROM sess) AS bounce_rate`,
		actorExpr(e), col(e, "session_id"), col(e, "timestamp"), col(e, "event"), pathname, from, where, bounce), nil
}

func (c *compilation) webOverviewRollup(desc *registry.TableDescription, props schema.Properties, rng schema.ResolvedRange) (string, error) {
	from, r, where, err := c.rollupSource(desc, props, rng)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`WITH totals AS (
  SELECT %s AS visitors, %s AS views, %s AS sessions, %s AS duration, %s AS bounces FROM %s WHERE %s
)
SELECT CAST(visitors AS DOUBLE) AS visitors, CAST(views AS DOUBLE) AS views, CAST(sessions AS DOUBLE) AS sessions,
  CAST(duration AS DOUBLE) / nullif(sessions, 0) AS session_duration,
  CAST(bounces AS DOUBLE) * 100 / nullif(sessions, 0) AS bounce_rate
FROM totals`,
		finalize(r, "persons_uniq_state"), finalize(r, "pageviews_count_state"), finalize(r, "sessions_uniq_state"),
		finalize(r, "total_session_duration_state"), finalize(r, "total_bounces_state"), from, where), nil
}

// webBreakdownProperty maps web stats breakdowns to event properties.
var webBreakdownProperty = map[schema.WebStatsBreakdown]string{
	schema.WebBreakdownPage:            "$pathname",
	schema.WebBreakdownInitialPage:     "$entry_pathname",
	schema.WebBreakdownHost:            "$host",
	schema.WebBreakdownDeviceType:      "$device_type",
	schema.WebBreakdownBrowser:         "$browser",
	schema.WebBreakdownOS:              "$os",
	schema.WebBreakdownViewport:        "$viewport",
	schema.WebBreakdownReferringDomain: "$referring_domain",
	schema.WebBreakdownUTMSource:       "utm_source",
	schema.WebBreakdownUTMMedium:       "utm_medium",
	schema.WebBreakdownUTMCampaign:     "utm_campaign",
	schema.WebBreakdownUTMTerm:         "utm_term",
	schema.WebBreakdownUTMContent:      "utm_content",
	schema.WebBreakdownCountry:         "$geoip_country_code",
}

func (c *compilation) webStats(q *schema.WebStatsTableQuery) (*Plan, error) {
	rng, err := c.dateRange(q.DateRange, schema.IntervalDay)
	if err != nil {
		return nil, err
	}
	if rng.All {
		rng.From = rng.To.AddDate(-maxSeriesRangeYears, 0, 0)
		rng.All = false
	}
	props := q.Properties.And(c.testAccountFilters(q.FilterTestAccounts))
	property := webBreakdownProperty[q.BreakdownBy]
	p := c.page(q.Limit, nil)

	var sql string
	rollup, reason := c.rollupFor(registry.TableWebStatsDaily, props, []string{property}, rng)
	if rollup != nil {
		from, r, where, err := c.rollupSource(rollup, props, rng)
		if err != nil {
			return nil, err
		}
		dim, _ := rollup.Rollup.Column(property)
		sql = fmt.Sprintf("SELECT %s AS breakdown_value, CAST(%s AS BIGINT) AS visitors, CAST(%s AS BIGINT) AS views FROM %s WHERE %s GROUP BY 1",
			col(r, dim), finalize(r, "persons_uniq_state"), finalize(r, "pageviews_count_state"), from, where)
		c.note("web stats read from rollup %s", rollup.Name)
	} else {
		from, e, where, scope, err := c.pageviewSource(props, rng, "$pageview")
		if err != nil {
			return nil, err
		}
		dim, err := scope.column(schema.PropertyEvent, property, nil)
		if err != nil {
			return nil, err
		}
		sql = fmt.Sprintf("SELECT %s AS breakdown_value, count(DISTINCT %s) AS visitors, count(*) AS views FROM %s WHERE %s GROUP BY 1",
			dim, actorExpr(e), from, where)
		c.note("web stats read from raw events: %s", reason)
	}
	sql += " ORDER BY visitors DESC, views DESC, breakdown_value ASC NULLS LAST" + p.clause()

	plan, err := c.tabular(sql, p, nil)
	if err != nil {
		return nil, err
	}
	if rollup != nil {
		plan.UsedPreaggregatedTables = true
		plan.RollupTable = rollup.Name
	}
	used := plan.UsedPreaggregatedTables
	plan.assemble = func(rows []*domain.Rows) (schema.Result, error) {
		return schema.WebStatsTableResult{TabularResult: tabularResult(rows[0], p), UsedPreAggregatedTables: used}, nil
	}
	return plan, nil
}
