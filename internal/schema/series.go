package schema

import (
	"encoding/json"
	"fmt"
	"slices"
)

// MathType is the aggregation applied to a series.
type MathType string

// Series aggregations.
const (
	MathTotal         MathType = "total"
	MathDAU           MathType = "dau"
	MathUniqueSession MathType = "unique_session"
	MathUniqueGroup   MathType = "unique_group"
	MathSum           MathType = "sum"
	MathAvg           MathType = "avg"
	MathMin           MathType = "min"
	MathMax           MathType = "max"
	MathMedian        MathType = "median"
	MathP90           MathType = "p90"
	MathP95           MathType = "p95"
	MathP99           MathType = "p99"
)

var mathTypes = []MathType{
	MathTotal, MathDAU, MathUniqueSession, MathUniqueGroup, MathSum, MathAvg,
	MathMin, MathMax, MathMedian, MathP90, MathP95, MathP99,
}

// NeedsProperty reports whether the aggregation reads math_property.
func (m MathType) NeedsProperty() bool {
	switch m {
	case MathSum, MathAvg, MathMin, MathMax, MathMedian, MathP90, MathP95, MathP99:
		return true
	}
	return false
}

// SeriesCommon holds the fields every series node shares.
type SeriesCommon struct {
	Math               *MathType  `json:"math,omitempty"`
	MathProperty       string     `json:"math_property,omitempty"`
	MathGroupTypeIndex *int       `json:"math_group_type_index,omitempty"`
	CustomName         string     `json:"custom_name,omitempty"`
	Name               string     `json:"name,omitempty"`
	Properties         Properties `json:"properties,omitempty"`
	FixedProperties    Properties `json:"fixedProperties,omitempty"`
}

// MathOrDefault returns the aggregation, defaulting to total.
func (c SeriesCommon) MathOrDefault() MathType {
	if c.Math == nil {
		return MathTotal
	}
	return *c.Math
}

func (c *SeriesCommon) validate() error {
	m := c.MathOrDefault()
	if !slices.Contains(mathTypes, m) {
		return fmt.Errorf("unknown math %q", m)
	}
	if m.NeedsProperty() && c.MathProperty == "" {
		return fmt.Errorf("math %s requires math_property", m)
	}
	if m == MathUniqueGroup && c.MathGroupTypeIndex == nil {
		return fmt.Errorf("math unique_group requires math_group_type_index")
	}
	if err := c.Properties.validate(); err != nil {
		return err
	}
	return c.FixedProperties.validate()
}

// EventsNode selects events by name. A nil Event matches all events.
type EventsNode struct {
	SeriesCommon
	Event *string `json:"event"`
}

// ActionStep is one alternative of an action definition.
type ActionStep struct {
	Event      string     `json:"event"`
	Properties Properties `json:"properties,omitempty"`
}

// ActionsNode selects events matching any step of an action.
type ActionsNode struct {
	SeriesCommon
	ID    int64        `json:"id"`
	Steps []ActionStep `json:"steps"`
}

// DataWarehouseNode treats a warehouse table as an event stream.
type DataWarehouseNode struct {
	SeriesCommon
	TableName       string `json:"table_name"`
	TimestampField  string `json:"timestamp_field"`
	DistinctIDField string `json:"distinct_id_field"`
	IDField         string `json:"id_field,omitempty"`
}

// Series is the closed union of series nodes.
type Series struct {
	Events        *EventsNode
	Actions       *ActionsNode
	DataWarehouse *DataWarehouseNode
}

// Kind returns the node kind.
func (s Series) Kind() Kind {
	switch {
	case s.Actions != nil:
		return KindActionsNode
	case s.DataWarehouse != nil:
		return KindDataWarehouseNode
	default:
		return KindEventsNode
	}
}

// Common returns the shared fields.
func (s Series) Common() SeriesCommon {
	switch {
	case s.Actions != nil:
		return s.Actions.SeriesCommon
	case s.DataWarehouse != nil:
		return s.DataWarehouse.SeriesCommon
	case s.Events != nil:
		return s.Events.SeriesCommon
	}
	return SeriesCommon{}
}

// Label is the display name used in results.
func (s Series) Label() string {
	c := s.Common()
	if c.CustomName != "" {
		return c.CustomName
	}
	if c.Name != "" {
		return c.Name
	}
	switch {
	case s.Events != nil:
		if s.Events.Event == nil {
			return "All events"
		}
		return *s.Events.Event
	case s.Actions != nil:
		return fmt.Sprintf("action %d", s.Actions.ID)
	case s.DataWarehouse != nil:
		return s.DataWarehouse.TableName
	}
	return ""
}

// MarshalJSON adds the kind discriminator.
func (s Series) MarshalJSON() ([]byte, error) {
	var body any
	switch {
	case s.Events == nil && s.Actions == nil && s.DataWarehouse == nil:
		return []byte("null"), nil
	case s.Actions != nil:
		body = s.Actions
	case s.DataWarehouse != nil:
		body = s.DataWarehouse
	default:
		body = s.Events
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(s.Kind())
	fields["kind"] = kind
	return json.Marshal(fields)
}

// UnmarshalJSON dispatches on kind; unknown kinds and fields are rejected.
func (s *Series) UnmarshalJSON(data []byte) error {
	if isNull(data) {
		*s = Series{}
		return nil
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("series: %w", err)
	}
	var kind Kind
	if raw, ok := fields["kind"]; ok {
		if err := json.Unmarshal(raw, &kind); err != nil {
			return fmt.Errorf("series kind must be a string")
		}
	}
	delete(fields, "kind")
	rest, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	switch kind {
	case KindEventsNode:
		n := &EventsNode{}
		if err := decodeStrict(rest, n); err != nil {
			return fmt.Errorf("EventsNode: %w", err)
		}
		*s = Series{Events: n}
	case KindActionsNode:
		n := &ActionsNode{}
		if err := decodeStrict(rest, n); err != nil {
			return fmt.Errorf("ActionsNode: %w", err)
		}
		*s = Series{Actions: n}
	case KindDataWarehouseNode:
		n := &DataWarehouseNode{}
		if err := decodeStrict(rest, n); err != nil {
			return fmt.Errorf("DataWarehouseNode: %w", err)
		}
		*s = Series{DataWarehouse: n}
	default:
		return fmt.Errorf("unknown series kind %q", kind)
	}
	return nil
}

func (s *Series) validate() error {
	switch {
	case s.Events != nil:
		return s.Events.SeriesCommon.validate()
	case s.Actions != nil:
		if len(s.Actions.Steps) == 0 {
			return fmt.Errorf("action %d has no steps", s.Actions.ID)
		}
		for i := range s.Actions.Steps {
			if err := s.Actions.Steps[i].Properties.validate(); err != nil {
				return err
			}
		}
		return s.Actions.SeriesCommon.validate()
	case s.DataWarehouse != nil:
		d := s.DataWarehouse
		if d.TableName == "" || d.TimestampField == "" || d.DistinctIDField == "" {
			return fmt.Errorf("DataWarehouseNode requires table_name, timestamp_field and distinct_id_field")
		}
		return d.SeriesCommon.validate()
	}
	return fmt.Errorf("empty series node")
}

// Event is a convenience constructor for an EventsNode series.
func Event(name string) Series {
	return Series{Events: &EventsNode{Event: &name}}
}
