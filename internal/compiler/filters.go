package compiler

import (
	"fmt"
	"slices"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/hogql"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

// filterScope describes the relations a filter tree may reference.
type filterScope struct {
	c *compilation
	// events is the alias of an events relation, when one is in scope.
	events string
	// alias and table describe the primary relation.
	alias string
	table *registry.TableDescription
	// rollup maps event properties to rollup columns instead of JSON paths.
	rollup *registry.RollupSpec
}

func (c *compilation) eventsScope(alias string, table *registry.TableDescription) filterScope {
	return filterScope{c: c, events: alias, alias: alias, table: table}
}

func (c *compilation) tableScope(alias string, table *registry.TableDescription) filterScope {
	return filterScope{c: c, alias: alias, table: table}
}

// predicate compiles a filter tree. Groups compile to parenthesised AND/OR
// so evaluation follows boolean algebra. Empty groups are TRUE, so an OR
// with an empty member is TRUE as well.
func (s filterScope) predicate(p schema.Properties) (string, error) {
	nodes, op := p.Nodes()
	return s.nodes(nodes, op)
}

func (s filterScope) nodes(nodes []schema.PropertyNode, op schema.GroupOperator) (string, error) {
	var (
		parts  []string
		always bool
	)
	for _, n := range nodes {
		var (
			pred string
			err  error
		)
		switch {
		case n.Filter != nil:
			pred, err = s.filter(*n.Filter)
		case n.Group != nil:
			pred, err = s.nodes(n.Group.Values, n.Group.Type)
		default:
			err = domain.ErrValidation("empty property node")
		}
		if err != nil {
			return "", err
		}
		if pred == "TRUE" {
			always = true
			continue
		}
		parts = append(parts, "("+pred+")")
	}
	if len(parts) == 0 || (always && op == schema.GroupOr) {
		return "TRUE", nil
	}
	joiner := " AND "
	if op == schema.GroupOr {
		joiner = " OR "
	}
	return strings.Join(parts, joiner), nil
}

func (s filterScope) filter(f schema.PropertyFilter) (string, error) {
	switch f.Type {
	case schema.PropertyCohort:
		return s.cohort(f)
	case schema.PropertyHogQL:
		return s.expression(f.Key)
	}
	column, err := s.column(f.Type, f.Key, f.GroupTypeIndex)
	if err != nil {
		return "", err
	}
	return compare(column, f.Operator, f.Value)
}

// column returns a VARCHAR expression for a property of the given type.
func (s filterScope) column(typ schema.PropertyFilterType, key string, groupIndex *int) (string, error) {
	c := s.c
	name := ""
	if s.table != nil {
		name = s.table.Name
	}
	unsupported := func() (string, error) {
		return "", domain.ErrCompile(domain.CompileUnsupportedQuery, "%s property %q cannot filter table %q", typ, key, name)
	}

	if s.rollup != nil {
		if typ != schema.PropertyEvent {
			return unsupported()
		}
		rc, ok := s.rollup.Column(key)
		if !ok {
			return "", domain.ErrCompile(domain.CompileUnsupportedRollup, "rollup %q has no dimension for %q", name, key)
		}
		return col(s.alias, rc), nil
	}

	switch typ {
	case schema.PropertyEvent:
		if s.events != "" {
			return c.jsonProp(col(s.events, "properties"), key)
		}
		return s.field(key)
	case schema.PropertyFeature:
		if s.events == "" {
			return unsupported()
		}
		return c.jsonProp(col(s.events, "properties"), "$feature/"+key)
	case schema.PropertyElement:
		if s.events == "" {
			return unsupported()
		}
		return col(s.events, "elements_chain"), nil
	case schema.PropertyPerson:
		switch {
		case s.events != "":
			return c.personProp(s.events, key)
		case name == registry.TablePersons:
			return c.jsonProp(col(s.alias, "properties"), key)
		case s.table != nil && s.table.HasField("person_id"):
			return c.personPropByID(col(s.alias, "person_id"), key)
		}
		return unsupported()
	case schema.PropertySession:
		if s.events != "" {
			return c.sessionProp(s.events, key)
		}
		if name == registry.TableSessions {
			return s.field(sessionField(key))
		}
		return unsupported()
	case schema.PropertyGroup:
		if s.events == "" || groupIndex == nil {
			return unsupported()
		}
		return c.groupProp(s.events, *groupIndex, key)
	case schema.PropertyDataWarehouse, schema.PropertyDataWarehousePersonProp:
		if s.table == nil || s.table.Kind != registry.KindDataWarehouse {
			return unsupported()
		}
		return s.field(key)
	case schema.PropertyErrorTrackingIssue:
		if name != registry.TableErrorTrackingIssues {
			return unsupported()
		}
		return s.field(key)
	case schema.PropertyLogEntry, schema.PropertyLog:
		if name != registry.TableLogEntries {
			return unsupported()
		}
		return s.field(key)
	}
	return unsupported()
}

// field resolves a column of the primary table as VARCHAR.
func (s filterScope) field(key string) (string, error) {
	if s.table == nil || !s.table.HasField(key) {
		table := ""
		if s.table != nil {
			table = s.table.Name
		}
		return "", domain.ErrCompile(domain.CompileUnresolvedReference, "table %q has no field %q", table, key)
	}
	return "CAST(" + col(s.alias, key) + " AS VARCHAR)", nil
}

var sessionPropertyFields = map[string]string{
	"$session_duration":  "duration",
	"$entry_current_url": "entry_url",
	"$exit_current_url":  "exit_url",
	"$is_bounce":         "is_bounce",
	"$pageview_count":    "pageview_count",
}

func sessionField(key string) string {
	if f, ok := sessionPropertyFields[key]; ok {
		return f
	}
	return key
}

func (c *compilation) jsonProp(column, key string) (string, error) {
	expr, err := jsonPath(column, key)
	if err != nil {
		return "", err
	}
	if c.mods.MaterializationMode == schema.MaterializationNullAsString {
		return "coalesce(" + expr + ", 'null')", nil
	}
	return expr, nil
}

// personProp reads a person property for an events row. With persons on
// events disabled the current person row is looked up instead of the
// properties captured on the event.
func (c *compilation) personProp(events, key string) (string, error) {
	if c.mods.PersonsOnEventsMode != schema.PersonsOnEventsDisabled {
		return c.jsonProp(col(events, "person_properties"), key)
	}
	return c.personPropByID(col(events, "person_id"), key)
}

func (c *compilation) personPropByID(personID, key string) (string, error) {
	persons, _, err := c.sourceOf(registry.TablePersons)
	if err != nil {
		return "", err
	}
	alias := c.alias("p")
	prop, err := c.jsonProp(col(alias, "properties"), key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s = %s LIMIT 1)", prop, persons, alias, col(alias, "id"), personID), nil
}

func (c *compilation) sessionProp(events, key string) (string, error) {
	sessions, desc, err := c.sourceOf(registry.TableSessions)
	if err != nil {
		return "", err
	}
	field := sessionField(key)
	if !desc.HasField(field) {
		return "", domain.ErrCompile(domain.CompileUnresolvedReference, "unknown session property %q", key)
	}
	alias := c.alias("s")
	return fmt.Sprintf("(SELECT CAST(%s AS VARCHAR) FROM %s AS %s WHERE %s = %s LIMIT 1)",
		col(alias, field), sessions, alias, col(alias, "session_id"), col(events, "session_id")), nil
}

func (c *compilation) groupProp(events string, index int, key string) (string, error) {
	if index < 0 || index > 4 {
		return "", domain.ErrValidation("group_type_index %d out of range", index)
	}
	groups, _, err := c.sourceOf(registry.TableGroups)
	if err != nil {
		return "", err
	}
	alias := c.alias("g")
	groupKey, err := jsonPath(col(events, "properties"), fmt.Sprintf("$group_%d", index))
	if err != nil {
		return "", err
	}
	prop, err := c.jsonProp(col(alias, "properties"), key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(SELECT %s FROM %s AS %s WHERE %s = %d AND %s = %s LIMIT 1)",
		prop, groups, alias, col(alias, "group_type_index"), index, col(alias, "group_key"), groupKey), nil
}

// actorExpr is the person identifier of an events row.
func actorExpr(events string) string {
	return fmt.Sprintf("coalesce(%s, %s)", col(events, "person_id"), col(events, "distinct_id"))
}

func (s filterScope) actor() (string, error) {
	switch {
	case s.events != "":
		return actorExpr(s.events), nil
	case s.table != nil && s.table.Name == registry.TablePersons:
		return col(s.alias, "id"), nil
	case s.table != nil && s.table.HasField("person_id"):
		return col(s.alias, "person_id"), nil
	}
	return "", domain.ErrCompile(domain.CompileUnsupportedQuery, "cohort filters need a person relation")
}

func (s filterScope) cohort(f schema.PropertyFilter) (string, error) {
	actor, err := s.actor()
	if err != nil {
		return "", err
	}
	id, err := numberLit(f.Value)
	if err != nil {
		return "", err
	}
	members, _, err := s.c.sourceOf(registry.TableCohortPeople)
	if err != nil {
		return "", err
	}
	alias := s.c.alias("cp")
	var pred string
	switch s.c.mods.InCohortVia {
	case schema.InCohortLeftJoin, schema.InCohortLeftJoinConjoined:
		pred = fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS %s WHERE %s = %s AND %s = %s)",
			members, alias, col(alias, "cohort_id"), id, col(alias, "person_id"), actor)
	default:
		pred = fmt.Sprintf("%s IN (SELECT %s FROM %s AS %s WHERE %s = %s)",
			actor, col(alias, "person_id"), members, alias, col(alias, "cohort_id"), id)
	}
	if f.Operator == schema.OpNotIn {
		return "NOT (" + pred + ")", nil
	}
	return pred, nil
}

// compare renders the operator over a VARCHAR column expression.
func compare(column string, op schema.Operator, value any) (string, error) {
	texts := func() ([]string, error) {
		var out []string
		for _, v := range valueList(value) {
			t, err := scalarText(v)
			if err != nil {
				return nil, err
			}
			out = append(out, strLit(t))
		}
		if len(out) == 0 {
			return nil, domain.ErrValidation("operator %s requires a value", op)
		}
		return out, nil
	}
	one := func() (string, error) {
		vals, err := texts()
		if err != nil {
			return "", err
		}
		if len(vals) != 1 {
			return "", domain.ErrValidation("operator %s takes a single value", op)
		}
		return vals[0], nil
	}
	num := castDouble("TRY_CAST(" + column + " AS DOUBLE)")

	switch op {
	case "", schema.OpExact, schema.OpIn:
		vals, err := texts()
		if err != nil {
			return "", err
		}
		if len(vals) == 1 {
			return column + " = " + vals[0], nil
		}
		return column + " IN (" + strings.Join(vals, ", ") + ")", nil
	case schema.OpIsNot, schema.OpNotIn:
		vals, err := texts()
		if err != nil {
			return "", err
		}
		if len(vals) == 1 {
			return fmt.Sprintf("%s IS NULL OR %s != %s", column, column, vals[0]), nil
		}
		return fmt.Sprintf("%s IS NULL OR %s NOT IN (%s)", column, column, strings.Join(vals, ", ")), nil
	case schema.OpIContains, schema.OpNotIContains:
		v, err := one()
		if err != nil {
			return "", err
		}
		pred := fmt.Sprintf("contains(lower(%s), lower(%s))", column, v)
		if op == schema.OpNotIContains {
			return fmt.Sprintf("%s IS NULL OR NOT %s", column, pred), nil
		}
		return pred, nil
	case schema.OpRegex, schema.OpNotRegex:
		v, err := one()
		if err != nil {
			return "", err
		}
		pred := fmt.Sprintf("regexp_matches(%s, %s)", column, v)
		if op == schema.OpNotRegex {
			return fmt.Sprintf("%s IS NULL OR NOT %s", column, pred), nil
		}
		return pred, nil
	case schema.OpGT, schema.OpGTE, schema.OpLT, schema.OpLTE, schema.OpMin, schema.OpMax:
		n, err := numberLit(value)
		if err != nil {
			return "", err
		}
		sym := map[schema.Operator]string{
			schema.OpGT: ">", schema.OpGTE: ">=", schema.OpLT: "<", schema.OpLTE: "<=",
			schema.OpMin: ">=", schema.OpMax: "<=",
		}[op]
		return fmt.Sprintf("%s %s %s", num, sym, n), nil
	case schema.OpBetween, schema.OpNotBetween:
		bounds := valueList(value)
		if len(bounds) != 2 {
			return "", domain.ErrValidation("%s requires two values", op)
		}
		lo, err := numberLit(bounds[0])
		if err != nil {
			return "", err
		}
		hi, err := numberLit(bounds[1])
		if err != nil {
			return "", err
		}
		pred := fmt.Sprintf("%s BETWEEN %s AND %s", num, lo, hi)
		if op == schema.OpNotBetween {
			return "NOT coalesce(" + pred + ", FALSE)", nil
		}
		return pred, nil
	case schema.OpIsSet:
		return column + " IS NOT NULL", nil
	case schema.OpIsNotSet:
		return column + " IS NULL", nil
	case schema.OpIsDateExact, schema.OpIsDateBefore, schema.OpIsDateAfter:
		v, err := one()
		if err != nil {
			return "", err
		}
		left := "TRY_CAST(" + column + " AS TIMESTAMP)"
		right := "TRY_CAST(" + v + " AS TIMESTAMP)"
		switch op {
		case schema.OpIsDateExact:
			return fmt.Sprintf("CAST(%s AS DATE) = CAST(%s AS DATE)", left, right), nil
		case schema.OpIsDateBefore:
			return left + " < " + right, nil
		default:
			return left + " > " + right, nil
		}
	}
	return "", domain.ErrValidation("unsupported operator %q", op)
}

var expressionKeywords = []string{
	"and", "or", "not", "in", "is", "null", "like", "ilike", "true", "false",
	"between", "case", "when", "then", "else", "end", "cast", "as",
	"varchar", "double", "bigint", "integer", "boolean", "date", "timestamp",
}

var expressionFunctions = []string{
	"lower", "upper", "coalesce", "length", "trim", "contains", "starts_with",
	"ends_with", "regexp_matches", "json_extract_string", "abs", "round",
	"date_trunc", "strftime", "now", "today", "try_cast", "ifnull", "nullif",
}

// expression validates a HogQL filter expression against the primary
// relation: every name must be a column, a keyword or an allowed function.
// Subqueries and placeholders are rejected.
func (s filterScope) expression(expr string) (string, error) {
	toks, err := hogql.Lex(expr)
	if err != nil {
		return "", domain.ErrValidation("hogql filter: %v", err)
	}
	if len(toks) == 0 {
		return "", domain.ErrValidation("hogql filter is empty")
	}
	alias := s.alias
	if s.events != "" {
		alias = s.events
	}
	var b strings.Builder
	last := 0
	for i, t := range toks {
		b.WriteString(expr[last:t.Start])
		last = t.End
		switch t.Type {
		case hogql.TokenPlaceholder:
			return "", domain.ErrValidation("hogql filter may not contain placeholders")
		case hogql.TokenPunct:
			if t.Text == ";" {
				return "", domain.ErrValidation("hogql filter may not contain ';'")
			}
			b.WriteString(expr[t.Start:t.End])
		case hogql.TokenIdent, hogql.TokenQuotedIdent:
			lower := strings.ToLower(t.Text)
			isCall := i+1 < len(toks) && toks[i+1].IsPunct("(")
			switch {
			case t.Type == hogql.TokenIdent && lower == "select":
				return "", domain.ErrCompile(domain.CompileForbiddenReference, "hogql filter may not contain subqueries")
			case isCall && t.Type == hogql.TokenIdent:
				if !slices.Contains(expressionFunctions, lower) {
					return "", domain.ErrCompile(domain.CompileForbiddenReference, "function %q is not allowed in filters", t.Text)
				}
				b.WriteString(t.Text)
			case t.Type == hogql.TokenIdent && slices.Contains(expressionKeywords, lower):
				b.WriteString(t.Text)
			default:
				if s.table == nil || !s.table.HasField(t.Text) {
					return "", domain.ErrCompile(domain.CompileUnresolvedReference, "unknown column %q in hogql filter", t.Text)
				}
				if i > 0 && toks[i-1].IsPunct(".") {
					return "", domain.ErrCompile(domain.CompileForbiddenReference, "qualified references are not allowed in filters")
				}
				b.WriteString(col(alias, t.Text))
			}
		default:
			b.WriteString(expr[t.Start:t.End])
		}
	}
	return b.String(), nil
}
