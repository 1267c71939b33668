package schema

import (
	"bytes"
	"encoding/json"
	"sort"
)

// CanonicalJSON encodes q with deterministic field order, modifiers removed
// and the children of every AND/OR group sorted by their own canonical
// encoding. Ordered lists keep their order. The response slot never reaches
// the encoding because Query does not marshal it.
func (q Query) CanonicalJSON() ([]byte, error) {
	bare := q
	bare.modifiers = nil
	raw, err := json.Marshal(bare)
	if err != nil {
		return nil, err
	}
	return Canonicalize(raw)
}

// Canonicalize rewrites any JSON document into canonical form.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	v, err := canonicalValue(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// opaque reports whether the member k of an object holds caller data whose
// structure carries no meaning for the key: variable maps, placeholder
// values and filter values are hashed exactly as given.
func opaque(k string, child any) bool {
	switch k {
	case "variables", "variables_override", "value":
		return true
	case "values":
		_, isMap := child.(map[string]any)
		return isMap
	}
	return false
}

func canonicalValue(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if opaque(k, child) {
				continue
			}
			c, err := canonicalValue(child)
			if err != nil {
				return nil, err
			}
			t[k] = c
		}
		if isGroupNode(t) {
			if err := sortGroupValues(t); err != nil {
				return nil, err
			}
		}
		return t, nil
	case []any:
		for i, child := range t {
			c, err := canonicalValue(child)
			if err != nil {
				return nil, err
			}
			t[i] = c
		}
		return t, nil
	default:
		return v, nil
	}
}

func isGroupNode(m map[string]any) bool {
	typ, _ := m["type"].(string)
	_, hasValues := m["values"].([]any)
	return hasValues && (typ == string(GroupAnd) || typ == string(GroupOr))
}

func sortGroupValues(m map[string]any) error {
	values := m["values"].([]any)
	type keyed struct {
		enc []byte
		v   any
	}
	items := make([]keyed, len(values))
	for i, v := range values {
		enc, err := json.Marshal(v)
		if err != nil {
			return err
		}
		items[i] = keyed{enc: enc, v: v}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return bytes.Compare(items[i].enc, items[j].enc) < 0
	})
	for i := range items {
		values[i] = items[i].v
	}
	return nil
}
