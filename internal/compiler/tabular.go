package compiler

import (
	"fmt"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

// page describes how a tabular statement was bounded.
type page struct {
	limit  int
	offset int
	// paged statements fetch limit+1 rows to detect more results.
	paged bool
}

// page bounds a tabular statement. Inlined view queries are unbounded.
func (c *compilation) page(limit, offset *int) page {
	p := page{limit: schema.PageLimit(limit), paged: c.depth == 0}
	if offset != nil {
		p.offset = *offset
	}
	return p
}

func (p page) clause() string {
	if !p.paged {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", p.limit+1, p.offset)
}

func (c *compilation) tabular(sql string, p page, err error) (*Plan, error) {
	if err != nil {
		return nil, err
	}
	return &Plan{
		Statements: []Statement{{Name: "results", SQL: sql}},
		assemble: func(rows []*domain.Rows) (schema.Result, error) {
			return tabularResult(rows[0], p), nil
		},
	}, nil
}

func tabularResult(r *domain.Rows, p page) schema.TabularResult {
	out := schema.TabularResult{
		Columns: append([]string{}, r.Columns...),
		Types:   append([]string{}, r.Types...),
		Results: r.Values,
		Limit:   p.limit,
		Offset:  p.offset,
	}
	if out.Results == nil {
		out.Results = [][]any{}
	}
	if p.paged && len(out.Results) > p.limit {
		out.Results = out.Results[:p.limit]
		out.HasMore = true
	}
	return out
}

// testAccountFilters returns the tenant's test account filters when
// requested and records that the plan depends on them.
func (c *compilation) testAccountFilters(filter bool) schema.Properties {
	if !filter {
		return schema.Properties{}
	}
	if c.opts.TestAccountFilters.IsEmpty() {
		c.note("filterTestAccounts set but the team has no test account filters")
		return schema.Properties{}
	}
	c.testAccounts = true
	return c.opts.TestAccountFilters
}

func render(sel selection, from, where string, p page) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(sel.exprs, ", "))
	b.WriteString(" FROM ")
	b.WriteString(from)
	b.WriteString(" WHERE ")
	b.WriteString(where)
	if len(sel.groupBy) > 0 {
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(sel.groupBy, ", "))
	}
	if len(sel.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(sel.orderBy, ", "))
	}
	b.WriteString(p.clause())
	return b.String()
}

// personsJoin adds the persons relation for person.* references.
func (c *compilation) personsJoin(s *scope, events string) (string, error) {
	persons, desc, err := c.sourceOf(registry.TablePersons)
	if err != nil {
		return "", err
	}
	alias := c.alias("p")
	s.add(alias, desc, "person")
	join := "INNER JOIN"
	if c.mods.PersonsJoinMode == schema.PersonsJoinLeft {
		join = "LEFT JOIN"
	}
	return fmt.Sprintf(" %s %s AS %s ON %s = %s", join, persons, alias, col(alias, "id"), col(events, "person_id")), nil
}

func (c *compilation) eventsSQL(q *schema.EventsQuery) (string, page, error) {
	src, desc, err := c.sourceOf(registry.TableEvents)
	if err != nil {
		return "", page{}, err
	}
	e := c.alias("e")
	s := &scope{c: c}
	s.add(e, desc)
	from := src + " AS " + e
	orderBy := q.OrderBy
	if len(orderBy) == 0 && !hasAggregate(q.Select) {
		orderBy = []string{"timestamp DESC"}
	}
	if referencesQualifier(append(append([]string{}, q.Select...), orderBy...), "person") {
		join, err := c.personsJoin(s, e)
		if err != nil {
			return "", page{}, err
		}
		from += join
	}
	sel, err := s.selectList(q.Select, orderBy)
	if err != nil {
		return "", page{}, err
	}

	after := "-24h"
	if q.After != nil && *q.After != "" {
		after = *q.After
	}
	rng, err := c.dateRange(&schema.DateRange{DateFrom: &after, DateTo: q.Before, ExplicitDate: true}, schema.IntervalMinute)
	if err != nil {
		return "", page{}, err
	}
	fs := c.eventsScope(e, desc)
	props, err := fs.predicate(q.Properties.And(q.FixedProperties).And(c.testAccountFilters(q.FilterTestAccounts)))
	if err != nil {
		return "", page{}, err
	}
	preds := []string{timeBounds(col(e, "timestamp"), rng), props}
	if q.Event != nil && *q.Event != "" {
		preds = append(preds, col(e, "event")+" = "+strLit(*q.Event))
	}
	if q.PersonID != nil && *q.PersonID != "" {
		preds = append(preds, col(e, "person_id")+" = "+strLit(*q.PersonID))
	}
	p := c.page(q.Limit, q.Offset)
	return render(sel, from, and(preds...), p), p, nil
}

var defaultActorColumns = []string{"id", "properties", "created_at", "is_identified"}

func (c *compilation) actorsSQL(q *schema.ActorsQuery) (string, page, error) {
	src, desc, err := c.sourceOf(registry.TablePersons)
	if err != nil {
		return "", page{}, err
	}
	a := c.alias("a")
	s := &scope{c: c}
	s.add(a, desc, "person")
	items := q.Select
	if len(items) == 0 {
		items = defaultActorColumns
	}
	orderBy := q.OrderBy
	if len(orderBy) == 0 {
		orderBy = []string{"created_at DESC", "id ASC"}
	}
	sel, err := s.selectList(items, orderBy)
	if err != nil {
		return "", page{}, err
	}
	props, err := c.tableScope(a, desc).predicate(q.Properties.And(q.FixedProperties))
	if err != nil {
		return "", page{}, err
	}
	preds := []string{props}
	if q.Search != nil && strings.TrimSpace(*q.Search) != "" {
		term := strLit(strings.TrimSpace(*q.Search))
		preds = append(preds, fmt.Sprintf("(%s = %s OR contains(lower(CAST(%s AS VARCHAR)), lower(%s)))",
			col(a, "id"), term, col(a, "properties"), term))
	}
	p := c.page(q.Limit, q.Offset)
	return render(sel, src+" AS "+a, and(preds...), p), p, nil
}

func (c *compilation) sessionsSQL(q *schema.SessionsQuery) (string, page, error) {
	src, desc, err := c.sourceOf(registry.TableSessions)
	if err != nil {
		return "", page{}, err
	}
	ss := c.alias("s")
	s := &scope{c: c}
	s.add(ss, desc, "session")
	orderBy := q.OrderBy
	if len(orderBy) == 0 {
		orderBy = []string{"min_timestamp DESC"}
	}
	sel, err := s.selectList(q.Select, orderBy)
	if err != nil {
		return "", page{}, err
	}
	rng, err := c.dateRange(q.DateRange, schema.IntervalDay)
	if err != nil {
		return "", page{}, err
	}
	props, err := c.tableScope(ss, desc).predicate(q.Properties)
	if err != nil {
		return "", page{}, err
	}
	p := c.page(q.Limit, q.Offset)
	return render(sel, src+" AS "+ss, and(timeBounds(col(ss, "min_timestamp"), rng), props), p), p, nil
}
