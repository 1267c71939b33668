package schema

import (
	"encoding/json"
	"maps"

	"duck-analytics/internal/domain"
)

// DashboardFilter overrides the date range and adds properties to a query.
type DashboardFilter struct {
	DateFrom   *string    `json:"date_from,omitempty"`
	DateTo     *string    `json:"date_to,omitempty"`
	Properties Properties `json:"properties,omitempty"`
}

// IsEmpty reports whether the override changes nothing.
func (f *DashboardFilter) IsEmpty() bool {
	return f == nil || (f.DateFrom == nil && f.DateTo == nil && f.Properties.IsEmpty())
}

// filterSlots exposes the date range and property slots of a payload.
// A nil date range slot means the kind has no date range.
type filterSlots interface {
	slots() (**DateRange, *Properties)
}

func (c *InsightCommon) slots() (**DateRange, *Properties) { return &c.DateRange, &c.Properties }
func (q *WebOverviewQuery) slots() (**DateRange, *Properties) {
	return &q.DateRange, &q.Properties
}
func (q *WebStatsTableQuery) slots() (**DateRange, *Properties) {
	return &q.DateRange, &q.Properties
}
func (q *SessionsQuery) slots() (**DateRange, *Properties) { return &q.DateRange, &q.Properties }
func (q *TracesQuery) slots() (**DateRange, *Properties)   { return &q.DateRange, &q.Properties }
func (q *ErrorTrackingQuery) slots() (**DateRange, *Properties) {
	return &q.DateRange, &q.Properties
}
func (q *EventsQuery) slots() (**DateRange, *Properties) { return nil, &q.Properties }
func (q *ActorsQuery) slots() (**DateRange, *Properties) { return nil, &q.Properties }
func (q *HogQLQuery) slots() (**DateRange, *Properties) {
	if q.Filters == nil {
		q.Filters = &HogQLFilters{}
	}
	return &q.Filters.DateRange, &q.Filters.Properties
}

// ApplyOverrides returns a copy of q with dashboard filters and variable
// values applied. q itself is not modified.
func ApplyOverrides(q Query, filters *DashboardFilter, variables map[string]HogQLVariable) (Query, error) {
	if filters.IsEmpty() && len(variables) == 0 {
		return q, nil
	}
	out, err := deepCopy(q)
	if err != nil {
		return Query{}, err
	}
	target := out.innermostBody()
	if !filters.IsEmpty() {
		fs, ok := target.(filterSlots)
		if !ok {
			return Query{}, domain.ErrValidation("%s does not accept filter overrides", target.Kind())
		}
		dr, props := fs.slots()
		if dr != nil && (filters.DateFrom != nil || filters.DateTo != nil) {
			next := &DateRange{}
			if *dr != nil {
				*next = **dr
			}
			if filters.DateFrom != nil {
				next.DateFrom = filters.DateFrom
			}
			if filters.DateTo != nil {
				next.DateTo = filters.DateTo
			}
			*dr = next
		}
		*props = props.And(filters.Properties)
	}
	if len(variables) > 0 {
		hq, ok := target.(*HogQLQuery)
		if !ok {
			return Query{}, domain.ErrValidation("%s does not accept variable overrides", target.Kind())
		}
		merged := maps.Clone(hq.Variables)
		for id, v := range variables {
			if existing, ok := merged[id]; ok {
				existing.Value = v.Value
				merged[id] = existing
			}
		}
		hq.Variables = merged
	}
	if err := out.Validate(); err != nil {
		return Query{}, err
	}
	return out, nil
}

func (q Query) innermostBody() Body {
	body := q.body
	for {
		switch b := body.(type) {
		case *InsightVizNode:
			body = b.Source.body
		case *DataTableNode:
			body = b.Source.body
		case *DataVisualizationNode:
			body = b.Source.body
		default:
			return body
		}
	}
}

func deepCopy(q Query) (Query, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return Query{}, err
	}
	return Parse(raw)
}
