package hogql

import (
	"fmt"
	"slices"
	"strings"
)

// Statement is a lexed single SELECT statement.
type Statement struct {
	source string
	tokens []Token
}

// TableRef is a table named in a FROM or JOIN clause.
type TableRef struct {
	// Parts holds the dotted name parts, e.g. ["analytics", "events"].
	Parts []string
	// Literal is set when the FROM target is a string literal (a file path).
	Literal bool
	// Function is set when the FROM target is a table function call.
	Function bool
	// Pos is the index of the first name token in Tokens.
	Pos int
}

// Name returns the dotted name.
func (r TableRef) Name() string { return strings.Join(r.Parts, ".") }

var clauseKeywords = []string{
	"where", "group", "order", "limit", "offset", "having", "qualify", "window",
	"union", "except", "intersect", "join", "left", "right", "inner", "outer",
	"full", "cross", "natural", "semi", "anti", "asof", "positional", "lateral",
	"on", "using", "select", "from", "as", "sample", "tablesample", "pivot",
	"unpivot", "settings", "format",
}

var fromArgFunctions = []string{"extract", "substring", "trim", "position", "overlay"}

func isClauseKeyword(t Token) bool {
	return t.Type == TokenIdent && slices.Contains(clauseKeywords, strings.ToLower(t.Text))
}

// Parse lexes sql and checks it is exactly one SELECT (optionally WITH ...
// SELECT) statement. A single trailing semicolon is allowed.
func Parse(sql string) (*Statement, error) {
	tokens, err := Lex(sql)
	if err != nil {
		return nil, err
	}
	if n := len(tokens); n > 0 && tokens[n-1].IsPunct(";") {
		tokens = tokens[:n-1]
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty query")
	}
	first := tokens[0]
	if !first.IsKeyword("select") && !first.IsKeyword("with") && !first.IsPunct("(") {
		return nil, fmt.Errorf("only SELECT statements are allowed")
	}
	for _, t := range tokens {
		if t.IsPunct(";") {
			return nil, fmt.Errorf("multiple statements are not allowed")
		}
	}
	return &Statement{source: sql, tokens: tokens}, nil
}

// Tokens returns the statement tokens.
func (s *Statement) Tokens() []Token { return s.tokens }

// TableRefs returns every FROM/JOIN target, including those in subqueries.
func (s *Statement) TableRefs() []TableRef {
	var refs []TableRef
	toks := s.tokens
	var parens []string
	for i := 0; i < len(toks); i++ {
		switch {
		case toks[i].IsPunct("("):
			fn := ""
			if i > 0 && toks[i-1].IsName() {
				fn = strings.ToLower(toks[i-1].Text)
			}
			parens = append(parens, fn)
			continue
		case toks[i].IsPunct(")"):
			if len(parens) > 0 {
				parens = parens[:len(parens)-1]
			}
			continue
		}
		if !toks[i].IsKeyword("from") && !toks[i].IsKeyword("join") {
			continue
		}
		// EXTRACT(x FROM y) and friends use FROM as an argument separator.
		if len(parens) > 0 && slices.Contains(fromArgFunctions, parens[len(parens)-1]) {
			continue
		}
		j := i + 1
		for j < len(toks) {
			next := j
			if toks[j].IsPunct("(") {
				// Subquery targets are scanned by the outer loop.
				next = skipParens(toks, j)
			} else {
				ref, n, ok := readTarget(toks, j)
				if !ok {
					break
				}
				refs = append(refs, ref)
				next = n
			}
			next = skipAlias(toks, next)
			if next < len(toks) && toks[next].IsPunct(",") {
				j = next + 1
				continue
			}
			break
		}
	}
	return refs
}

// readTarget reads a table name, literal or table function starting at i.
func readTarget(toks []Token, i int) (TableRef, int, bool) {
	if i >= len(toks) {
		return TableRef{}, i, false
	}
	switch {
	case toks[i].Type == TokenString:
		return TableRef{Parts: []string{toks[i].Text}, Literal: true, Pos: i}, i + 1, true
	case toks[i].IsName() && !(toks[i].Type == TokenIdent && isClauseKeyword(toks[i])):
		parts := []string{toks[i].Text}
		j := i + 1
		for j+1 < len(toks) && toks[j].IsPunct(".") && toks[j+1].IsName() {
			parts = append(parts, toks[j+1].Text)
			j += 2
		}
		if j < len(toks) && toks[j].IsPunct("(") {
			return TableRef{Parts: parts, Function: true, Pos: i}, skipParens(toks, j), true
		}
		return TableRef{Parts: parts, Pos: i}, j, true
	}
	return TableRef{}, i, false
}

func skipAlias(toks []Token, i int) int {
	if i < len(toks) && toks[i].IsKeyword("as") {
		i++
	}
	if i < len(toks) && toks[i].IsName() && !isClauseKeyword(toks[i]) {
		i++
		if i < len(toks) && toks[i].IsPunct("(") {
			i = skipParens(toks, i)
		}
	}
	return i
}

func skipParens(toks []Token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		switch {
		case toks[i].IsPunct("("):
			depth++
		case toks[i].IsPunct(")"):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

// CTE is one WITH binding. Positions are token indexes: the definition
// spans BodyStart to BodyEnd (its parentheses) and the name is visible up to
// ScopeEnd, the end of the statement or subquery holding the WITH clause.
type CTE struct {
	Name       string
	ScopeStart int
	BodyStart  int
	BodyEnd    int
	ScopeEnd   int
}

// CTEs returns the WITH bindings anywhere in the statement.
func (s *Statement) CTEs() []CTE {
	toks := s.tokens
	// enclosing[i] is the index of the "(" around token i, or -1.
	enclosing := make([]int, len(toks))
	closing := map[int]int{}
	var stack []int
	for i, t := range toks {
		if t.IsPunct(")") && len(stack) > 0 {
			closing[stack[len(stack)-1]] = i
			stack = stack[:len(stack)-1]
		}
		enclosing[i] = -1
		if len(stack) > 0 {
			enclosing[i] = stack[len(stack)-1]
		}
		if t.IsPunct("(") {
			stack = append(stack, i)
		}
	}

	var out []CTE
	for i := 0; i+2 < len(toks); i++ {
		if !toks[i].IsName() || !toks[i+1].IsKeyword("as") {
			continue
		}
		next := i + 2
		if toks[next].IsKeyword("materialized") || toks[next].IsKeyword("not") {
			for next < len(toks) && !toks[next].IsPunct("(") {
				next++
			}
		}
		if next >= len(toks) || !toks[next].IsPunct("(") {
			continue
		}
		if i > 0 && !toks[i-1].IsKeyword("with") && !toks[i-1].IsKeyword("recursive") && !toks[i-1].IsPunct(",") {
			continue
		}
		cte := CTE{Name: toks[i].Text, ScopeStart: enclosing[i], BodyStart: next, BodyEnd: len(toks), ScopeEnd: len(toks)}
		if end, ok := closing[next]; ok {
			cte.BodyEnd = end
		}
		if cte.ScopeStart >= 0 {
			if end, ok := closing[cte.ScopeStart]; ok {
				cte.ScopeEnd = end
			}
		}
		out = append(out, cte)
	}
	return out
}

// CTENames returns the names bound by WITH clauses anywhere in the statement.
func (s *Statement) CTENames() []string {
	var names []string
	for _, c := range s.CTEs() {
		names = append(names, c.Name)
	}
	return names
}

// Binding reports how a table reference relates to the statement's CTEs.
// bound is set when a CTE of that name is visible at the reference. early is
// set when the reference sits in the scope of a CTE of that name but inside
// or before its definition, where the name does not yet refer to the CTE.
func (s *Statement) Binding(ref TableRef) (bound, early bool) {
	if len(ref.Parts) != 1 || ref.Literal || ref.Function {
		return false, false
	}
	for _, c := range s.CTEs() {
		if !strings.EqualFold(c.Name, ref.Parts[0]) || ref.Pos <= c.ScopeStart || ref.Pos >= c.ScopeEnd {
			continue
		}
		if ref.Pos > c.BodyEnd {
			return true, false
		}
		early = true
	}
	return false, early
}

// Functions returns the names of all called functions, lower-cased.
func (s *Statement) Functions() []string {
	var out []string
	toks := s.tokens
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].IsName() && toks[i+1].IsPunct("(") {
			out = append(out, strings.ToLower(toks[i].Text))
		}
	}
	return out
}

// Identifiers returns every identifier token text, lower-cased.
func (s *Statement) Identifiers() []string {
	var out []string
	for _, t := range s.tokens {
		if t.IsName() {
			out = append(out, strings.ToLower(t.Text))
		}
	}
	return out
}

// HasLimit reports whether the statement ends with a top-level LIMIT.
func (s *Statement) HasLimit() bool {
	depth := 0
	for _, t := range s.tokens {
		switch {
		case t.IsPunct("("):
			depth++
		case t.IsPunct(")"):
			depth--
		case depth == 0 && t.IsKeyword("limit"):
			return true
		}
	}
	return false
}

// Rewrite returns the source text with every placeholder token replaced by
// the output of fn.
func (s *Statement) Rewrite(fn func(placeholder string) (string, error)) (string, error) {
	var b strings.Builder
	last := 0
	for _, t := range s.tokens {
		if t.Type != TokenPlaceholder {
			continue
		}
		repl, err := fn(t.Text)
		if err != nil {
			return "", err
		}
		b.WriteString(s.source[last:t.Start])
		b.WriteString(repl)
		last = t.End
	}
	body := s.source[last:]
	if n := len(s.tokens); n > 0 {
		end := s.tokens[n-1].End
		if end >= last {
			body = s.source[last:end]
		}
	}
	b.WriteString(body)
	return b.String(), nil
}

// TableReferences returns the distinct tables a statement reads, excluding
// references bound to its own CTEs.
func TableReferences(sql string) ([]string, error) {
	stmt, err := Parse(sql)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, ref := range stmt.TableRefs() {
		if ref.Literal || ref.Function {
			continue
		}
		if bound, _ := stmt.Binding(ref); bound {
			continue
		}
		name := ref.Name()
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out, nil
}
