package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
)

// relation is one table joined into a tabular query.
type relation struct {
	// names qualify columns of the relation in select items.
	names []string
	alias string
	desc  *registry.TableDescription
}

// seriesName is a declared series an unqualified reference may name.
type seriesName struct {
	names []string
	expr  string
}

// scope resolves select and order items against the declared series, then
// the joined relations.
type scope struct {
	c      *compilation
	rels   []relation
	series []seriesName
}

func (s *scope) declare(expr string, names ...string) {
	s.series = append(s.series, seriesName{names: names, expr: expr})
}

// seriesRef resolves name against the declared series. A name that matches
// more than one series, or a series and a column of a relation in scope, is
// ambiguous.
func (s *scope) seriesRef(name string) (string, bool, error) {
	var hits []string
	for _, sn := range s.series {
		for _, n := range sn.names {
			if strings.EqualFold(n, name) {
				hits = append(hits, sn.expr)
				break
			}
		}
	}
	if len(hits) == 0 {
		return "", false, nil
	}
	if len(hits) > 1 {
		return "", false, domain.ErrCompile(domain.CompileAmbiguousReference, "%q names %d series", name, len(hits))
	}
	for _, r := range s.rels {
		if r.desc.HasField(name) {
			return "", false, domain.ErrCompile(domain.CompileAmbiguousReference, "%q is both a series and a column of %s", name, r.desc.Name)
		}
	}
	return hits[0], true, nil
}

func (s *scope) add(alias string, desc *registry.TableDescription, names ...string) {
	s.rels = append(s.rels, relation{names: append([]string{desc.Name}, names...), alias: alias, desc: desc})
}

func (s *scope) qualified(name string) (relation, bool) {
	for _, r := range s.rels {
		for _, n := range r.names {
			if strings.EqualFold(n, name) {
				return r, true
			}
		}
	}
	return relation{}, false
}

var (
	refPart   = regexp.MustCompile(`^[$A-Za-z_][$A-Za-z0-9_]*$`)
	callItem  = regexp.MustCompile(`^([A-Za-z_]+)\s*\((.*)\)$`)
	aliasItem = regexp.MustCompile(`^(.+?)\s+(?i:as)\s+([A-Za-z_][A-Za-z0-9_]*)$`)
)

var aggregates = map[string]string{
	"count": "count",
	"sum":   "sum",
	"avg":   "avg",
	"min":   "min",
	"max":   "max",
	"uniq":  "count(DISTINCT %s)",
}

// ref resolves a dotted reference. A bare name is looked up among the
// declared series first, then the relations; matching more than one is
// ambiguous. Keys after a JSON column address properties.
func (s *scope) ref(text string) (string, error) {
	text = strings.TrimSpace(text)
	if expr, ok, err := s.seriesRef(text); ok || err != nil {
		return expr, err
	}
	parts := strings.Split(text, ".")
	rel, qualified := relation{}, false
	if len(parts) > 1 {
		rel, qualified = s.qualified(parts[0])
	}
	if qualified {
		parts = parts[1:]
	} else {
		var matches []relation
		for _, r := range s.rels {
			if r.desc.HasField(parts[0]) {
				matches = append(matches, r)
			}
		}
		switch len(matches) {
		case 0:
			return "", domain.ErrCompile(domain.CompileUnresolvedReference, "unknown column %q", parts[0])
		case 1:
			rel = matches[0]
		default:
			names := make([]string, 0, len(matches))
			for _, m := range matches {
				names = append(names, m.desc.Name)
			}
			return "", domain.ErrCompile(domain.CompileAmbiguousReference, "column %q is ambiguous between %s", parts[0], strings.Join(names, " and "))
		}
	}
	if !refPart.MatchString(parts[0]) {
		return "", domain.ErrValidation("invalid column reference %q", text)
	}
	field, ok := rel.desc.Field(parts[0])
	if !ok {
		return "", domain.ErrCompile(domain.CompileUnresolvedReference, "table %q has no column %q", rel.desc.Name, parts[0])
	}
	column := col(rel.alias, field.Name)
	if len(parts) == 1 {
		return column, nil
	}
	if field.Type != registry.TypeJSON {
		return "", domain.ErrCompile(domain.CompileUnresolvedReference, "column %q of %q has no properties", field.Name, rel.desc.Name)
	}
	return s.c.jsonProp(column, strings.Join(parts[1:], "."))
}

// item compiles one select item: a reference, '*' or an aggregate call,
// optionally aliased.
func (s *scope) item(text string) (expr, label string, aggregate bool, err error) {
	text = strings.TrimSpace(text)
	label = text
	if m := aliasItem.FindStringSubmatch(text); m != nil {
		text, label = strings.TrimSpace(m[1]), m[2]
	}
	if text == "" {
		return "", "", false, domain.ErrValidation("empty select item")
	}
	if text == "*" {
		if len(s.rels) == 0 {
			return "", "", false, domain.ErrCompile(domain.CompileUnresolvedReference, "nothing to expand '*' against")
		}
		return s.rels[0].alias + ".*", label, false, nil
	}
	if m := callItem.FindStringSubmatch(text); m != nil {
		fn := strings.ToLower(m[1])
		tmpl, ok := aggregates[fn]
		if !ok {
			return "", "", false, domain.ErrCompile(domain.CompileForbiddenReference, "function %q is not allowed in select", m[1])
		}
		arg := strings.TrimSpace(m[2])
		if fn == "count" && (arg == "" || arg == "*") {
			return "count(*)", label, true, nil
		}
		distinct := false
		if lower := strings.ToLower(arg); strings.HasPrefix(lower, "distinct ") {
			distinct, arg = true, strings.TrimSpace(arg[len("distinct "):])
		}
		inner, err := s.ref(arg)
		if err != nil {
			return "", "", false, err
		}
		switch {
		case fn == "uniq" || (fn == "count" && distinct):
			return fmt.Sprintf("count(DISTINCT %s)", inner), label, true, nil
		case fn == "count":
			return fmt.Sprintf("count(%s)", inner), label, true, nil
		default:
			return fmt.Sprintf("%s(TRY_CAST(%s AS DOUBLE))", tmpl, inner), label, true, nil
		}
	}
	expr, err = s.ref(text)
	return expr, label, false, err
}

type selection struct {
	exprs   []string
	labels  []string
	groupBy []string
	orderBy []string
}

// selectList compiles select and order items. With any aggregate present
// the remaining items become the grouping key.
func (s *scope) selectList(items, orderBy []string) (selection, error) {
	var out selection
	hasAgg := false
	var plain []string
	for _, it := range items {
		expr, label, agg, err := s.item(it)
		if err != nil {
			return selection{}, err
		}
		out.exprs = append(out.exprs, fmt.Sprintf("%s AS %s", expr, quoteIdent(label)))
		out.labels = append(out.labels, label)
		if agg {
			hasAgg = true
		} else {
			plain = append(plain, expr)
		}
	}
	if hasAgg {
		for _, p := range plain {
			if strings.HasSuffix(p, ".*") {
				return selection{}, domain.ErrValidation("'*' cannot be combined with aggregates")
			}
		}
		out.groupBy = plain
	}
	for _, o := range orderBy {
		o = strings.TrimSpace(o)
		dir := "ASC"
		upper := strings.ToUpper(o)
		switch {
		case strings.HasSuffix(upper, " DESC"):
			dir, o = "DESC", strings.TrimSpace(o[:len(o)-5])
		case strings.HasSuffix(upper, " ASC"):
			o = strings.TrimSpace(o[:len(o)-4])
		}
		expr := ""
		for i, l := range out.labels {
			if l == o {
				expr = quoteIdent(out.labels[i])
			}
		}
		if expr == "" {
			e, _, _, err := s.item(o)
			if err != nil {
				return selection{}, err
			}
			expr = e
		}
		out.orderBy = append(out.orderBy, expr+" "+dir)
	}
	return out, nil
}

// referencesQualifier reports whether any item names the qualifier.
func referencesQualifier(items []string, qualifier string) bool {
	for _, it := range items {
		if strings.Contains(strings.ToLower(it), strings.ToLower(qualifier)+".") {
			return true
		}
	}
	return false
}

func hasAggregate(items []string) bool {
	for _, it := range items {
		if m := callItem.FindStringSubmatch(strings.TrimSpace(it)); m != nil {
			if _, ok := aggregates[strings.ToLower(m[1])]; ok {
				return true
			}
		}
	}
	return false
}
