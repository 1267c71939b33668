package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"duck-analytics/internal/domain"
)

// Body is the kind-specific payload of a Query. The set of implementations
// is closed to this package.
type Body interface {
	Kind() Kind
	validate() error
}

// Query is an immutable, kind-discriminated analytics query.
type Query struct {
	kind      Kind
	body      Body
	modifiers *Modifiers
}

// New builds a query from a payload. The kind is taken from the payload and
// cannot change afterwards.
func New(body Body, mods *Modifiers) (Query, error) {
	if body == nil {
		return Query{}, domain.ErrValidation("query body is required")
	}
	q := Query{kind: body.Kind(), body: body, modifiers: mods.clone()}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}

// MustNew is New for statically known queries; it panics on invalid input.
func MustNew(body Body, mods *Modifiers) Query {
	q, err := New(body, mods)
	if err != nil {
		panic(err)
	}
	return q
}

// Kind returns the discriminator.
func (q Query) Kind() Kind { return q.kind }

// Body returns the kind-specific payload.
func (q Query) Body() Body { return q.body }

// Modifiers returns the modifiers attached to the query, or nil.
func (q Query) Modifiers() *Modifiers { return q.modifiers.clone() }

// IsZero reports whether q was never built.
func (q Query) IsZero() bool { return q.body == nil }

// Effective unwraps wrapper nodes down to the query that is compiled.
func (q Query) Effective() Query {
	for {
		var src *Query
		switch b := q.body.(type) {
		case *InsightVizNode:
			src = &b.Source
		case *DataTableNode:
			src = &b.Source
		case *DataVisualizationNode:
			src = &b.Source
		}
		if src == nil || src.IsZero() {
			return q
		}
		inner := *src
		if inner.modifiers == nil {
			inner.modifiers = q.modifiers
		}
		q = inner
	}
}

// Cacheable reports whether results of q go through the results cache.
func (q Query) Cacheable() bool {
	return kinds[q.Effective().kind].cacheable
}

// Validate checks kind-specific invariants.
func (q Query) Validate() error {
	if !q.kind.Known() {
		return domain.ErrValidation("unknown query kind %q", q.kind)
	}
	if q.body == nil {
		return domain.ErrValidation("%s: missing body", q.kind)
	}
	if err := q.modifiers.validate(); err != nil {
		return err
	}
	if err := q.body.validate(); err != nil {
		return domain.ErrValidation("%s: %v", q.kind, err)
	}
	return nil
}

// WithBody returns a copy of q carrying a different payload of the same kind.
func (q Query) WithBody(body Body) (Query, error) {
	if body.Kind() != q.kind {
		return Query{}, domain.ErrValidation("cannot change query kind from %s to %s", q.kind, body.Kind())
	}
	return New(body, q.modifiers)
}

// Parse decodes a query from JSON.
func Parse(data []byte) (Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		return Query{}, asValidation(err)
	}
	return q, nil
}

// MarshalJSON flattens the payload next to kind and modifiers.
func (q Query) MarshalJSON() ([]byte, error) {
	if q.body == nil {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(q.body)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(q.kind)
	fields["kind"] = kind
	if q.modifiers != nil {
		mods, err := json.Marshal(q.modifiers)
		if err != nil {
			return nil, err
		}
		fields["modifiers"] = mods
	}
	return json.Marshal(fields)
}

// UnmarshalJSON dispatches on kind and rejects unknown fields.
func (q *Query) UnmarshalJSON(data []byte) error {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return domain.ErrValidation("query must be an object: %v", err)
	}
	rawKind, ok := fields["kind"]
	if !ok {
		return domain.ErrValidation("query kind is required")
	}
	var kind Kind
	if err := json.Unmarshal(rawKind, &kind); err != nil {
		return domain.ErrValidation("query kind must be a string")
	}
	info, ok := kinds[kind]
	if !ok {
		return domain.ErrValidation("unknown query kind %q", kind)
	}

	var mods *Modifiers
	if rawMods, ok := fields["modifiers"]; ok && !isNull(rawMods) {
		mods = &Modifiers{}
		if err := decodeStrict(rawMods, mods); err != nil {
			return domain.ErrValidation("%s modifiers: %v", kind, err)
		}
	}
	// The response slot is output only.
	delete(fields, "kind")
	delete(fields, "modifiers")
	delete(fields, "response")

	rest, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	body := info.newBody()
	if err := decodeStrict(rest, body); err != nil {
		return asValidation(fmt.Errorf("%s: %w", kind, err))
	}
	built, err := New(body, mods)
	if err != nil {
		return err
	}
	*q = built
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after JSON value")
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func asValidation(err error) error {
	if _, ok := err.(*domain.ValidationError); ok {
		return err
	}
	return domain.ErrValidation("%v", err)
}
