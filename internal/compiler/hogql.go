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

// reservedSchemas may never qualify a name in user SQL.
var reservedSchemas = []string{
	registry.SchemaAnalytics, registry.SchemaWarehouse, registry.SchemaExports,
	"main", "information_schema", "pg_catalog", "system", "temp", "memory",
}

var forbiddenFunctionPrefixes = []string{
	"read_", "duckdb_", "pragma_", "sqlite_", "postgres_", "mysql_", "iceberg_",
	"delta_", "parquet_", "http", "sniff_", "glob", "getenv", "current_setting",
	"query", "load", "install", "attach", "copy", "export", "import",
}

func forbiddenFunction(name string) bool {
	for _, p := range forbiddenFunctionPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return strings.HasSuffix(name, "_scan")
}

// hogqlSQL binds every logical table the statement reads to a
// tenant-filtered CTE of the same name, so the statement can only observe
// the tenant's rows.
func (c *compilation) hogqlSQL(q *schema.HogQLQuery) (string, page, error) {
	stmt, err := hogql.Parse(q.Query)
	if err != nil {
		return "", page{}, domain.ErrValidation("hogql: %v", err)
	}
	toks := stmt.Tokens()
	for i, t := range toks {
		if t.IsName() && i+1 < len(toks) && toks[i+1].IsPunct(".") && slices.Contains(reservedSchemas, strings.ToLower(t.Text)) {
			return "", page{}, domain.ErrCompile(domain.CompileForbiddenReference, "references to schema %q are not allowed", t.Text)
		}
	}
	for _, fn := range stmt.Functions() {
		if forbiddenFunction(fn) {
			return "", page{}, domain.ErrCompile(domain.CompileForbiddenReference, "function %q is not allowed", fn)
		}
	}

	var binds []string
	bound := map[string]bool{}
	for _, ref := range stmt.TableRefs() {
		switch {
		case ref.Literal:
			return "", page{}, domain.ErrCompile(domain.CompileForbiddenReference, "reading files is not allowed")
		case ref.Function:
			return "", page{}, domain.ErrCompile(domain.CompileForbiddenReference, "table function %q is not allowed", ref.Name())
		case len(ref.Parts) > 1:
			return "", page{}, domain.ErrCompile(domain.CompileForbiddenReference, "qualified table %q is not allowed", ref.Name())
		}
		name := ref.Parts[0]
		switch cte, early := stmt.Binding(ref); {
		case cte:
			continue
		case early:
			return "", page{}, domain.ErrCompile(domain.CompileUnresolvedReference,
				"%q is read inside or before its own WITH definition", name)
		}
		key := strings.ToLower(name)
		if bound[key] {
			continue
		}
		desc, err := c.resolve(name)
		if err != nil {
			return "", page{}, err
		}
		if desc.Kind == registry.KindRollup {
			return "", page{}, domain.ErrCompile(domain.CompileForbiddenReference, "rollup %q holds aggregate states and cannot be queried directly", desc.Name)
		}
		src, err := c.source(desc)
		if err != nil {
			return "", page{}, err
		}
		bound[key] = true
		binds = append(binds, fmt.Sprintf("%s AS (SELECT * FROM %s AS %s)", quoteIdent(name), src, quoteIdent(name+"_source")))
	}

	body, err := stmt.Rewrite(func(placeholder string) (string, error) {
		return c.placeholder(q, placeholder)
	})
	if err != nil {
		return "", page{}, err
	}
	p := c.page(q.Limit, nil)
	var b strings.Builder
	if len(binds) > 0 {
		b.WriteString("WITH ")
		b.WriteString(strings.Join(binds, ", "))
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "SELECT * FROM (%s) AS hogql_query", body)
	b.WriteString(p.clause())
	return b.String(), p, nil
}

// placeholder renders {filters}, {variables.<code_name>} and named values.
func (c *compilation) placeholder(q *schema.HogQLQuery, name string) (string, error) {
	switch {
	case name == "filters":
		return c.hogqlFilters(q.Filters)
	case strings.HasPrefix(name, "variables."):
		code := strings.TrimPrefix(name, "variables.")
		for _, v := range q.Variables {
			if v.CodeName == code {
				return typedLit(v.Value)
			}
		}
		return "", domain.ErrValidation("variable %q is not set", code)
	}
	v, ok := q.Values[name]
	if !ok {
		return "", domain.ErrValidation("placeholder {%s} has no value", name)
	}
	return typedLit(v)
}

// hogqlFilters compiles dashboard filters against the events relation.
// The statement must read events under its own name.
func (c *compilation) hogqlFilters(f *schema.HogQLFilters) (string, error) {
	if f == nil {
		return "TRUE", nil
	}
	desc, err := c.resolve(registry.TableEvents)
	if err != nil {
		return "", err
	}
	alias := quoteIdent(registry.TableEvents)
	props, err := c.eventsScope(alias, desc).predicate(f.Properties.And(c.testAccountFilters(f.FilterTestAccounts)))
	if err != nil {
		return "", err
	}
	preds := []string{props}
	if f.DateRange != nil {
		rng, err := c.dateRange(f.DateRange, schema.IntervalDay)
		if err != nil {
			return "", err
		}
		preds = append(preds, timeBounds(col(alias, "timestamp"), rng))
	}
	return "(" + and(preds...) + ")", nil
}
