package compiler

import (
	"fmt"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/hogql"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

// formulaSeries is one compiled series a formula reads.
type formulaSeries struct {
	series schema.Series
	sql    string
	table  *registry.TableDescription
}

// seriesLetter names the i-th series A, B, ... Z. Later series are only
// reachable by custom name.
func seriesLetter(i int) string {
	if i >= 26 {
		return ""
	}
	return string(rune('A' + i))
}

// formulaStatement joins the series of one date range on their bucket and
// breakdown and evaluates formula per row. Missing values count as zero and
// division by zero yields zero.
func (c *compilation) formulaStatement(formula string, series []formulaSeries, bucketed, breakdown bool) (string, error) {
	s := &scope{c: c}
	seen := map[string]bool{}
	ctes := make([]string, len(series))
	for i, fs := range series {
		cte := fmt.Sprintf("s%d", i)
		ctes[i] = cte
		names := []string{}
		if l := seriesLetter(i); l != "" {
			names = append(names, l)
		}
		if custom := fs.series.Common().CustomName; custom != "" {
			names = append(names, custom)
		}
		s.declare(fmt.Sprintf("coalesce(%s.value, 0)", quoteIdent(cte)), names...)
		if fs.table != nil && !seen[fs.table.Name] {
			seen[fs.table.Name] = true
			s.add("", fs.table)
		}
	}

	expr, err := s.formula(formula)
	if err != nil {
		return "", err
	}

	var keys []string
	if bucketed {
		keys = append(keys, "bucket")
	}
	if breakdown {
		keys = append(keys, "breakdown")
	}
	var b strings.Builder
	b.WriteString("WITH ")
	for i, fs := range series {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s AS (%s)", quoteIdent(ctes[i]), fs.sql)
	}
	b.WriteString(" SELECT ")
	for _, k := range keys {
		b.WriteString(k + ", ")
	}
	fmt.Fprintf(&b, "coalesce(CAST(%s AS DOUBLE), 0) AS value FROM %s", expr, quoteIdent(ctes[0]))
	for _, cte := range ctes[1:] {
		if len(keys) == 0 {
			b.WriteString(" CROSS JOIN " + quoteIdent(cte))
			continue
		}
		fmt.Fprintf(&b, " FULL JOIN %s USING (%s)", quoteIdent(cte), strings.Join(keys, ", "))
	}
	return b.String(), nil
}

// formula compiles arithmetic over series references. Only numbers,
// + - * / and parentheses may appear next to the references.
func (s *scope) formula(text string) (string, error) {
	toks, err := hogql.Lex(text)
	if err != nil {
		return "", domain.ErrValidation("formula: %v", err)
	}
	if len(toks) == 0 {
		return "", domain.ErrValidation("formula is empty")
	}
	var b strings.Builder
	for _, t := range toks {
		switch t.Type {
		case hogql.TokenNumber:
			b.WriteString(t.Text)
		case hogql.TokenPunct:
			switch t.Text {
			case "+", "-", "*", "/", "(", ")":
				b.WriteString(" " + t.Text + " ")
			default:
				return "", domain.ErrValidation("formula may not contain %q", t.Text)
			}
		case hogql.TokenIdent, hogql.TokenQuotedIdent:
			expr, ok, err := s.seriesRef(t.Text)
			if err != nil {
				return "", err
			}
			if !ok {
				if _, err := s.ref(t.Text); err == nil {
					return "", domain.ErrCompile(domain.CompileUnresolvedReference, "formula may only reference series, %q is a column", t.Text)
				}
				return "", domain.ErrCompile(domain.CompileUnresolvedReference, "formula references unknown series %q", t.Text)
			}
			b.WriteString(expr)
		default:
			return "", domain.ErrValidation("formula may not contain %q", t.Text)
		}
	}
	return strings.Join(strings.Fields(b.String()), " "), nil
}
