package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// PropertyFilterType is the closed vocabulary of property filter subtypes.
type PropertyFilterType string

// Property filter subtypes.
const (
	PropertyEvent                   PropertyFilterType = "event"
	PropertyPerson                  PropertyFilterType = "person"
	PropertySession                 PropertyFilterType = "session"
	PropertyCohort                  PropertyFilterType = "cohort"
	PropertyGroup                   PropertyFilterType = "group"
	PropertyFeature                 PropertyFilterType = "feature"
	PropertyHogQL                   PropertyFilterType = "hogql"
	PropertyLogEntry                PropertyFilterType = "log_entry"
	PropertyDataWarehouse           PropertyFilterType = "data_warehouse"
	PropertyDataWarehousePersonProp PropertyFilterType = "data_warehouse_person_property"
	PropertyErrorTrackingIssue      PropertyFilterType = "error_tracking_issue"
	PropertyElement                 PropertyFilterType = "element"
	PropertyRecording               PropertyFilterType = "recording"
	PropertyLog                     PropertyFilterType = "log"
)

var propertyTypes = []PropertyFilterType{
	PropertyEvent, PropertyPerson, PropertySession, PropertyCohort, PropertyGroup,
	PropertyFeature, PropertyHogQL, PropertyLogEntry, PropertyDataWarehouse,
	PropertyDataWarehousePersonProp, PropertyErrorTrackingIssue, PropertyElement,
	PropertyRecording, PropertyLog,
}

// Operator is the closed vocabulary of property comparison operators.
type Operator string

// Property operators.
const (
	OpExact        Operator = "exact"
	OpIsNot        Operator = "is_not"
	OpIContains    Operator = "icontains"
	OpNotIContains Operator = "not_icontains"
	OpRegex        Operator = "regex"
	OpNotRegex     Operator = "not_regex"
	OpGT           Operator = "gt"
	OpGTE          Operator = "gte"
	OpLT           Operator = "lt"
	OpLTE          Operator = "lte"
	OpIsSet        Operator = "is_set"
	OpIsNotSet     Operator = "is_not_set"
	OpIsDateExact  Operator = "is_date_exact"
	OpIsDateBefore Operator = "is_date_before"
	OpIsDateAfter  Operator = "is_date_after"
	OpBetween      Operator = "between"
	OpNotBetween   Operator = "not_between"
	OpMin          Operator = "min"
	OpMax          Operator = "max"
	OpIn           Operator = "in"
	OpNotIn        Operator = "not_in"
)

var operators = []Operator{
	OpExact, OpIsNot, OpIContains, OpNotIContains, OpRegex, OpNotRegex,
	OpGT, OpGTE, OpLT, OpLTE, OpIsSet, OpIsNotSet, OpIsDateExact,
	OpIsDateBefore, OpIsDateAfter, OpBetween, OpNotBetween, OpMin, OpMax,
	OpIn, OpNotIn,
}

// PropertyFilter is one leaf of a filter tree.
type PropertyFilter struct {
	Type           PropertyFilterType `json:"type"`
	Key            string             `json:"key"`
	Operator       Operator           `json:"operator,omitempty"`
	Value          any                `json:"value,omitempty"`
	Label          string             `json:"label,omitempty"`
	GroupTypeIndex *int               `json:"group_type_index,omitempty"`
}

func (f *PropertyFilter) validate() error {
	if !slices.Contains(propertyTypes, f.Type) {
		return fmt.Errorf("unknown property filter type %q", f.Type)
	}
	if f.Key == "" {
		return fmt.Errorf("%s filter requires a key", f.Type)
	}
	switch f.Type {
	case PropertyCohort:
		if f.Value == nil {
			return fmt.Errorf("cohort filter requires a cohort id value")
		}
		if f.Operator == "" {
			f.Operator = OpIn
		}
		if f.Operator != OpIn && f.Operator != OpNotIn {
			return fmt.Errorf("cohort filter supports only in/not_in")
		}
		return nil
	case PropertyHogQL:
		// The key carries the expression; the operator is implied.
		if f.Operator != "" {
			return fmt.Errorf("hogql filter does not take an operator")
		}
		return nil
	case PropertyGroup:
		if f.GroupTypeIndex == nil {
			return fmt.Errorf("group filter requires group_type_index")
		}
	}
	if f.Operator == "" {
		f.Operator = OpExact
	}
	if !slices.Contains(operators, f.Operator) {
		return fmt.Errorf("unknown property operator %q", f.Operator)
	}
	switch f.Operator {
	case OpIsSet, OpIsNotSet:
	case OpBetween, OpNotBetween:
		vals, ok := f.Value.([]any)
		if !ok || len(vals) != 2 {
			return fmt.Errorf("%s requires a two element value", f.Operator)
		}
	default:
		if f.Value == nil {
			return fmt.Errorf("operator %s requires a value", f.Operator)
		}
	}
	return nil
}

// GroupOperator joins the children of a PropertyGroupNode.
type GroupOperator string

// Group operators.
const (
	GroupAnd GroupOperator = "AND"
	GroupOr  GroupOperator = "OR"
)

// PropertyNode is either a leaf filter or a nested group.
type PropertyNode struct {
	Filter *PropertyFilter
	Group  *PropertyGroupNode
}

// PropertyGroupNode combines children with AND or OR. Children are unordered.
type PropertyGroupNode struct {
	Type   GroupOperator  `json:"type"`
	Values []PropertyNode `json:"values"`
}

// MarshalJSON encodes the underlying filter or group.
func (n PropertyNode) MarshalJSON() ([]byte, error) {
	if n.Group != nil {
		return json.Marshal(n.Group)
	}
	return json.Marshal(n.Filter)
}

// UnmarshalJSON picks group vs leaf by the AND/OR discriminator.
func (n *PropertyNode) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("property filter: %w", err)
	}
	if head.Type == string(GroupAnd) || head.Type == string(GroupOr) {
		g := &PropertyGroupNode{}
		if err := decodeStrict(data, g); err != nil {
			return fmt.Errorf("property group: %w", err)
		}
		*n = PropertyNode{Group: g}
		return nil
	}
	f := &PropertyFilter{}
	if err := decodeStrict(data, f); err != nil {
		return fmt.Errorf("property filter: %w", err)
	}
	*n = PropertyNode{Filter: f}
	return nil
}

func (n *PropertyNode) validate() error {
	switch {
	case n.Group != nil && n.Filter == nil:
		return n.Group.validate()
	case n.Filter != nil && n.Group == nil:
		return n.Filter.validate()
	default:
		return fmt.Errorf("property node must be exactly one of filter or group")
	}
}

func (g *PropertyGroupNode) validate() error {
	if g.Type != GroupAnd && g.Type != GroupOr {
		return fmt.Errorf("unknown property group type %q", g.Type)
	}
	for i := range g.Values {
		if err := g.Values[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// Properties is the filter slot shared by most queries. It is either an
// ordered list of nodes (implicitly AND-ed) or a single group.
type Properties struct {
	List  []PropertyNode
	Group *PropertyGroupNode
}

// IsEmpty reports whether no filter applies.
func (p Properties) IsEmpty() bool {
	return len(p.List) == 0 && (p.Group == nil || len(p.Group.Values) == 0)
}

// Nodes returns the top-level nodes and the operator joining them.
func (p Properties) Nodes() ([]PropertyNode, GroupOperator) {
	if p.Group != nil {
		return p.Group.Values, p.Group.Type
	}
	return p.List, GroupAnd
}

// Leaves returns every leaf filter in the tree.
func (p Properties) Leaves() []PropertyFilter {
	var out []PropertyFilter
	var walk func(nodes []PropertyNode)
	walk = func(nodes []PropertyNode) {
		for _, n := range nodes {
			if n.Filter != nil {
				out = append(out, *n.Filter)
			} else if n.Group != nil {
				walk(n.Group.Values)
			}
		}
	}
	nodes, _ := p.Nodes()
	walk(nodes)
	return out
}

// And returns p combined with extra under AND, preserving p's structure.
func (p Properties) And(extra Properties) Properties {
	switch {
	case extra.IsEmpty():
		return p
	case p.IsEmpty():
		return extra
	}
	return Properties{Group: &PropertyGroupNode{Type: GroupAnd, Values: []PropertyNode{
		{Group: p.asGroup()}, {Group: extra.asGroup()},
	}}}
}

func (p Properties) asGroup() *PropertyGroupNode {
	if p.Group != nil {
		return p.Group
	}
	return &PropertyGroupNode{Type: GroupAnd, Values: p.List}
}

// MarshalJSON encodes the list or the group form.
func (p Properties) MarshalJSON() ([]byte, error) {
	if p.Group != nil {
		return json.Marshal(p.Group)
	}
	if p.List == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.List)
}

// UnmarshalJSON accepts a list of nodes or a group object.
func (p *Properties) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || string(trimmed) == "null":
		*p = Properties{}
		return nil
	case trimmed[0] == '[':
		var list []PropertyNode
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		*p = Properties{List: list}
		return nil
	default:
		g := &PropertyGroupNode{}
		if err := decodeStrict(trimmed, g); err != nil {
			return fmt.Errorf("property group: %w", err)
		}
		*p = Properties{Group: g}
		return nil
	}
}

func (p *Properties) validate() error {
	for i := range p.List {
		if err := p.List[i].validate(); err != nil {
			return err
		}
	}
	if p.Group != nil {
		return p.Group.validate()
	}
	return nil
}
