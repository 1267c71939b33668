package compiler

import (
	"fmt"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

// breakdownNull labels rows whose breakdown value is missing.
const breakdownNull = "(none)"

// seriesSource is the row set one series aggregates over.
type seriesSource struct {
	from  string
	alias string
	// ts is the TIMESTAMPTZ column; actor identifies the person.
	ts      string
	actor   string
	session string
	where   string
	scope   filterScope
}

// seriesSource compiles a series into its relation and filter. Global
// properties apply to event-backed series; warehouse series only honour
// their own filters.
func (c *compilation) seriesSource(s schema.Series, global schema.Properties) (seriesSource, error) {
	if s.Events != nil && s.Events.Event != nil {
		for _, m := range c.mods.DataWarehouseEventsModifiers {
			if m.TableName == *s.Events.Event {
				c.note("series %q read from warehouse table %s", *s.Events.Event, m.TableName)
				return c.warehouseSource(m.TableName, m.TimestampField, m.DistinctIDField, s.Events.SeriesCommon)
			}
		}
	}
	if s.DataWarehouse != nil {
		d := s.DataWarehouse
		return c.warehouseSource(d.TableName, d.TimestampField, d.DistinctIDField, d.SeriesCommon)
	}

	src, desc, err := c.sourceOf(registry.TableEvents)
	if err != nil {
		return seriesSource{}, err
	}
	e := c.alias("e")
	fs := c.eventsScope(e, desc)
	entity, err := c.entityPredicate(fs, s)
	if err != nil {
		return seriesSource{}, err
	}
	common := s.Common()
	props, err := fs.predicate(common.Properties.And(common.FixedProperties).And(global))
	if err != nil {
		return seriesSource{}, err
	}
	return seriesSource{
		from:    src + " AS " + e,
		alias:   e,
		ts:      col(e, "timestamp"),
		actor:   actorExpr(e),
		session: col(e, "session_id"),
		where:   and(entity, props),
		scope:   fs,
	}, nil
}

// entityPredicate matches the events an events or actions series counts.
func (c *compilation) entityPredicate(fs filterScope, s schema.Series) (string, error) {
	switch {
	case s.Events != nil:
		if s.Events.Event == nil {
			return "TRUE", nil
		}
		return col(fs.events, "event") + " = " + strLit(*s.Events.Event), nil
	case s.Actions != nil:
		var alts []string
		for _, step := range s.Actions.Steps {
			props, err := fs.predicate(step.Properties)
			if err != nil {
				return "", err
			}
			alts = append(alts, "("+and(col(fs.events, "event")+" = "+strLit(step.Event), props)+")")
		}
		return strings.Join(alts, " OR "), nil
	}
	return "", domain.ErrCompile(domain.CompileUnsupportedQuery, "%s cannot be matched against events", s.Kind())
}

func (c *compilation) warehouseSource(table, tsField, distinctField string, common schema.SeriesCommon) (seriesSource, error) {
	src, desc, err := c.sourceOf(table)
	if err != nil {
		return seriesSource{}, err
	}
	for _, f := range []string{tsField, distinctField} {
		if !desc.HasField(f) {
			return seriesSource{}, domain.ErrCompile(domain.CompileUnresolvedReference, "table %q has no field %q", table, f)
		}
	}
	w := c.alias("w")
	fs := c.tableScope(w, desc)
	props, err := fs.predicate(common.Properties.And(common.FixedProperties))
	if err != nil {
		return seriesSource{}, err
	}
	return seriesSource{
		from:  src + " AS " + w,
		alias: w,
		ts:    fmt.Sprintf("CAST(%s AS TIMESTAMPTZ)", col(w, tsField)),
		actor: fmt.Sprintf("CAST(%s AS VARCHAR)", col(w, distinctField)),
		where: props,
		scope: fs,
	}, nil
}

var quantiles = map[schema.MathType]string{
	schema.MathMedian: "0.5",
	schema.MathP90:    "0.9",
	schema.MathP95:    "0.95",
	schema.MathP99:    "0.99",
}

// aggregate renders the series math over src.
func (c *compilation) aggregate(src seriesSource, common schema.SeriesCommon) (string, error) {
	m := common.MathOrDefault()
	switch m {
	case schema.MathTotal:
		return "CAST(count(*) AS DOUBLE)", nil
	case schema.MathDAU:
		return fmt.Sprintf("CAST(count(DISTINCT %s) AS DOUBLE)", src.actor), nil
	case schema.MathUniqueSession:
		if src.session == "" {
			return "", domain.ErrCompile(domain.CompileUnsupportedQuery, "unique_session needs an events series")
		}
		return fmt.Sprintf("CAST(count(DISTINCT %s) AS DOUBLE)", src.session), nil
	case schema.MathUniqueGroup:
		if src.scope.events == "" {
			return "", domain.ErrCompile(domain.CompileUnsupportedQuery, "unique_group needs an events series")
		}
		key, err := jsonPath(col(src.alias, "properties"), fmt.Sprintf("$group_%d", *common.MathGroupTypeIndex))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("CAST(count(DISTINCT %s) AS DOUBLE)", key), nil
	}
	value, err := src.scope.column(schema.PropertyEvent, common.MathProperty, nil)
	if err != nil {
		return "", err
	}
	num := "TRY_CAST(" + value + " AS DOUBLE)"
	if q, ok := quantiles[m]; ok {
		return fmt.Sprintf("quantile_cont(%s, %s)", num, q), nil
	}
	return fmt.Sprintf("CAST(%s(%s) AS DOUBLE)", m, num), nil
}

// breakdown renders the breakdown value of a row as VARCHAR.
func (c *compilation) breakdown(src seriesSource, bf *schema.BreakdownFilter) (string, error) {
	var (
		expr string
		err  error
	)
	switch bf.BreakdownType {
	case schema.BreakdownHogQL:
		expr, err = src.scope.expression(bf.Breakdown)
		if err == nil {
			expr = "CAST(" + expr + " AS VARCHAR)"
		}
	case schema.BreakdownPerson:
		expr, err = src.scope.column(schema.PropertyPerson, bf.Breakdown, nil)
	case schema.BreakdownSession:
		expr, err = src.scope.column(schema.PropertySession, bf.Breakdown, nil)
	case schema.BreakdownGroup:
		expr, err = src.scope.column(schema.PropertyGroup, bf.Breakdown, bf.BreakdownGroupTypeIndex)
	default:
		expr, err = src.scope.column(schema.PropertyEvent, bf.Breakdown, nil)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("coalesce(%s, %s)", expr, strLit(breakdownNull)), nil
}

func seriesRef(order int, s schema.Series) schema.SeriesRef {
	common := s.Common()
	return schema.SeriesRef{
		Order:      order,
		Kind:       s.Kind(),
		Name:       s.Label(),
		CustomName: common.CustomName,
		Math:       common.MathOrDefault(),
	}
}

// maxSeriesRangeYears bounds "all" time-series ranges.
const maxSeriesRangeYears = 2

// seriesRange resolves a date range for bucketed output.
func (c *compilation) seriesRange(r *schema.DateRange, interval schema.Interval) (schema.ResolvedRange, error) {
	rng, err := c.dateRange(r, interval)
	if err != nil {
		return rng, err
	}
	if rng.All {
		rng.From = interval.Truncate(rng.To.AddDate(-maxSeriesRangeYears, 0, 0))
		rng.All = false
		c.note("date_from=all bounded to %s", rng.From.Format("2006-01-02"))
	}
	if n := len(buckets(rng, interval)); n > 10000 {
		return rng, domain.ErrValidation("date range spans more than 10000 %s buckets", interval.OrDefault())
	}
	return rng, nil
}
