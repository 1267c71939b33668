package schema

import (
	"fmt"
	"slices"

	"duck-analytics/internal/domain"
)

// PersonsOnEventsMode controls where person ids and properties are read from.
type PersonsOnEventsMode string

// Persons-on-events modes.
const (
	PersonsOnEventsDisabled                  PersonsOnEventsMode = "disabled"
	PersonsOnEventsIDNoOverridePropsOnEvents PersonsOnEventsMode = "person_id_no_override_properties_on_events"
	PersonsOnEventsIDOverridePropsOnEvents   PersonsOnEventsMode = "person_id_override_properties_on_events"
	PersonsOnEventsIDOverridePropsJoined     PersonsOnEventsMode = "person_id_override_properties_joined"
)

// SessionTableVersion selects the sessions table generation.
type SessionTableVersion string

// Session table versions.
const (
	SessionTableAuto SessionTableVersion = "auto"
	SessionTableV1   SessionTableVersion = "v1"
	SessionTableV2   SessionTableVersion = "v2"
)

// BounceRatePageViewMode selects how a bounce is counted.
type BounceRatePageViewMode string

// Bounce rate modes.
const (
	BounceCountPageviews   BounceRatePageViewMode = "count_pageviews"
	BounceUniqURLs         BounceRatePageViewMode = "uniq_urls"
	BounceUniqPageAutocaps BounceRatePageViewMode = "uniq_page_screen_autocaptures"
)

// InCohortVia selects the cohort membership join strategy.
type InCohortVia string

// Cohort join strategies.
const (
	InCohortAuto              InCohortVia = "auto"
	InCohortLeftJoin          InCohortVia = "leftjoin"
	InCohortSubquery          InCohortVia = "subquery"
	InCohortLeftJoinConjoined InCohortVia = "leftjoin_conjoined"
)

// MaterializationMode selects how JSON properties are read.
type MaterializationMode string

// Materialization modes.
const (
	MaterializationAuto         MaterializationMode = "auto"
	MaterializationNullAsString MaterializationMode = "legacy_null_as_string"
	MaterializationNullAsNull   MaterializationMode = "legacy_null_as_null"
	MaterializationDisabled     MaterializationMode = "disabled"
)

// PersonsJoinMode selects the join used for person lookups.
type PersonsJoinMode string

// Person join modes.
const (
	PersonsJoinInner PersonsJoinMode = "inner"
	PersonsJoinLeft  PersonsJoinMode = "left"
)

// PersonsArgMaxVersion selects the person deduplication strategy.
type PersonsArgMaxVersion string

// Person argmax versions.
const (
	PersonsArgMaxAuto PersonsArgMaxVersion = "auto"
	PersonsArgMaxV1   PersonsArgMaxVersion = "v1"
	PersonsArgMaxV2   PersonsArgMaxVersion = "v2"
)

// DataWarehouseEventsModifier maps a warehouse table onto event semantics.
type DataWarehouseEventsModifier struct {
	TableName       string `json:"table_name"`
	TimestampField  string `json:"timestamp_field"`
	DistinctIDField string `json:"distinct_id_field"`
	IDField         string `json:"id_field"`
}

// Modifiers alter compilation and execution semantics without changing the
// result shape. Unset fields resolve to documented defaults in Resolve.
type Modifiers struct {
	PersonsOnEventsMode          *PersonsOnEventsMode          `json:"personsOnEventsMode,omitempty"`
	SessionTableVersion          *SessionTableVersion          `json:"sessionTableVersion,omitempty"`
	BounceRatePageViewMode       *BounceRatePageViewMode       `json:"bounceRatePageViewMode,omitempty"`
	InCohortVia                  *InCohortVia                  `json:"inCohortVia,omitempty"`
	MaterializationMode          *MaterializationMode          `json:"materializationMode,omitempty"`
	PersonsJoinMode              *PersonsJoinMode              `json:"personsJoinMode,omitempty"`
	PersonsArgMaxVersion         *PersonsArgMaxVersion         `json:"personsArgMaxVersion,omitempty"`
	DataWarehouseEventsModifiers []DataWarehouseEventsModifier `json:"dataWarehouseEventsModifiers,omitempty"`
	UseMaterializedViews         *bool                         `json:"useMaterializedViews,omitempty"`
	UsePreaggregatedTables       *bool                         `json:"usePreaggregatedTables,omitempty"`
	ConvertToProjectTimezone     *bool                         `json:"convertToProjectTimezone,omitempty"`
	Debug                        *bool                         `json:"debug,omitempty"`
	Timings                      *bool                         `json:"timings,omitempty"`
}

// ResolvedModifiers is Modifiers with every field set.
type ResolvedModifiers struct {
	PersonsOnEventsMode          PersonsOnEventsMode           `json:"personsOnEventsMode"`
	SessionTableVersion          SessionTableVersion           `json:"sessionTableVersion"`
	BounceRatePageViewMode       BounceRatePageViewMode        `json:"bounceRatePageViewMode"`
	InCohortVia                  InCohortVia                   `json:"inCohortVia"`
	MaterializationMode          MaterializationMode           `json:"materializationMode"`
	PersonsJoinMode              PersonsJoinMode               `json:"personsJoinMode"`
	PersonsArgMaxVersion         PersonsArgMaxVersion          `json:"personsArgMaxVersion"`
	DataWarehouseEventsModifiers []DataWarehouseEventsModifier `json:"dataWarehouseEventsModifiers"`
	UseMaterializedViews         bool                          `json:"useMaterializedViews"`
	UsePreaggregatedTables       bool                          `json:"usePreaggregatedTables"`
	ConvertToProjectTimezone     bool                          `json:"convertToProjectTimezone"`
	Debug                        bool                          `json:"debug"`
	Timings                      bool                          `json:"timings"`
}

// DefaultModifiers are the documented defaults applied to unset fields.
var DefaultModifiers = ResolvedModifiers{
	PersonsOnEventsMode:          PersonsOnEventsIDOverridePropsOnEvents,
	SessionTableVersion:          SessionTableAuto,
	BounceRatePageViewMode:       BounceCountPageviews,
	InCohortVia:                  InCohortAuto,
	MaterializationMode:          MaterializationNullAsNull,
	PersonsJoinMode:              PersonsJoinInner,
	PersonsArgMaxVersion:         PersonsArgMaxAuto,
	DataWarehouseEventsModifiers: []DataWarehouseEventsModifier{},
	UseMaterializedViews:         true,
	UsePreaggregatedTables:       true,
	ConvertToProjectTimezone:     true,
}

// Merge layers the given modifiers from lowest to highest precedence. Nil
// layers are skipped. The result is nil only if every layer is nil.
func Merge(layers ...*Modifiers) *Modifiers {
	var out *Modifiers
	for _, m := range layers {
		if m == nil {
			continue
		}
		if out == nil {
			out = &Modifiers{}
		}
		if m.PersonsOnEventsMode != nil {
			out.PersonsOnEventsMode = m.PersonsOnEventsMode
		}
		if m.SessionTableVersion != nil {
			out.SessionTableVersion = m.SessionTableVersion
		}
		if m.BounceRatePageViewMode != nil {
			out.BounceRatePageViewMode = m.BounceRatePageViewMode
		}
		if m.InCohortVia != nil {
			out.InCohortVia = m.InCohortVia
		}
		if m.MaterializationMode != nil {
			out.MaterializationMode = m.MaterializationMode
		}
		if m.PersonsJoinMode != nil {
			out.PersonsJoinMode = m.PersonsJoinMode
		}
		if m.PersonsArgMaxVersion != nil {
			out.PersonsArgMaxVersion = m.PersonsArgMaxVersion
		}
		if m.DataWarehouseEventsModifiers != nil {
			out.DataWarehouseEventsModifiers = slices.Clone(m.DataWarehouseEventsModifiers)
		}
		if m.UseMaterializedViews != nil {
			out.UseMaterializedViews = m.UseMaterializedViews
		}
		if m.UsePreaggregatedTables != nil {
			out.UsePreaggregatedTables = m.UsePreaggregatedTables
		}
		if m.ConvertToProjectTimezone != nil {
			out.ConvertToProjectTimezone = m.ConvertToProjectTimezone
		}
		if m.Debug != nil {
			out.Debug = m.Debug
		}
		if m.Timings != nil {
			out.Timings = m.Timings
		}
	}
	return out
}

// Resolve fills unset fields with DefaultModifiers.
func (m *Modifiers) Resolve() ResolvedModifiers {
	r := DefaultModifiers
	r.DataWarehouseEventsModifiers = []DataWarehouseEventsModifier{}
	if m == nil {
		return r
	}
	if m.PersonsOnEventsMode != nil {
		r.PersonsOnEventsMode = *m.PersonsOnEventsMode
	}
	if m.SessionTableVersion != nil {
		r.SessionTableVersion = *m.SessionTableVersion
	}
	if m.BounceRatePageViewMode != nil {
		r.BounceRatePageViewMode = *m.BounceRatePageViewMode
	}
	if m.InCohortVia != nil {
		r.InCohortVia = *m.InCohortVia
	}
	if m.MaterializationMode != nil {
		r.MaterializationMode = *m.MaterializationMode
	}
	if m.PersonsJoinMode != nil {
		r.PersonsJoinMode = *m.PersonsJoinMode
	}
	if m.PersonsArgMaxVersion != nil {
		r.PersonsArgMaxVersion = *m.PersonsArgMaxVersion
	}
	if m.DataWarehouseEventsModifiers != nil {
		r.DataWarehouseEventsModifiers = slices.Clone(m.DataWarehouseEventsModifiers)
	}
	if m.UseMaterializedViews != nil {
		r.UseMaterializedViews = *m.UseMaterializedViews
	}
	if m.UsePreaggregatedTables != nil {
		r.UsePreaggregatedTables = *m.UsePreaggregatedTables
	}
	if m.ConvertToProjectTimezone != nil {
		r.ConvertToProjectTimezone = *m.ConvertToProjectTimezone
	}
	if m.Debug != nil {
		r.Debug = *m.Debug
	}
	if m.Timings != nil {
		r.Timings = *m.Timings
	}
	return r
}

func (m *Modifiers) clone() *Modifiers {
	return Merge(m)
}

// Validate rejects values outside the modifier vocabularies.
func (m *Modifiers) Validate() error { return m.validate() }

func (m *Modifiers) validate() error {
	if m == nil {
		return nil
	}
	checks := []struct {
		name  string
		value *string
		allow []string
	}{
		{"personsOnEventsMode", (*string)(m.PersonsOnEventsMode), []string{
			string(PersonsOnEventsDisabled), string(PersonsOnEventsIDNoOverridePropsOnEvents),
			string(PersonsOnEventsIDOverridePropsOnEvents), string(PersonsOnEventsIDOverridePropsJoined),
		}},
		{"sessionTableVersion", (*string)(m.SessionTableVersion), []string{
			string(SessionTableAuto), string(SessionTableV1), string(SessionTableV2),
		}},
		{"bounceRatePageViewMode", (*string)(m.BounceRatePageViewMode), []string{
			string(BounceCountPageviews), string(BounceUniqURLs), string(BounceUniqPageAutocaps),
		}},
		{"inCohortVia", (*string)(m.InCohortVia), []string{
			string(InCohortAuto), string(InCohortLeftJoin), string(InCohortSubquery), string(InCohortLeftJoinConjoined),
		}},
		{"materializationMode", (*string)(m.MaterializationMode), []string{
			string(MaterializationAuto), string(MaterializationNullAsString),
			string(MaterializationNullAsNull), string(MaterializationDisabled),
		}},
		{"personsJoinMode", (*string)(m.PersonsJoinMode), []string{
			string(PersonsJoinInner), string(PersonsJoinLeft),
		}},
		{"personsArgMaxVersion", (*string)(m.PersonsArgMaxVersion), []string{
			string(PersonsArgMaxAuto), string(PersonsArgMaxV1), string(PersonsArgMaxV2),
		}},
	}
	for _, c := range checks {
		if c.value != nil && !slices.Contains(c.allow, *c.value) {
			return domain.ErrValidation("modifiers: invalid %s %q", c.name, *c.value)
		}
	}
	for i, dw := range m.DataWarehouseEventsModifiers {
		if dw.TableName == "" || dw.TimestampField == "" || dw.DistinctIDField == "" {
			return domain.ErrValidation("modifiers: dataWarehouseEventsModifiers[%d] requires table_name, timestamp_field and distinct_id_field", i)
		}
	}
	return nil
}

// String renders the resolved modifiers for explanations.
func (r ResolvedModifiers) String() string {
	return fmt.Sprintf("poe=%s sessions=%s bounce=%s cohort=%s materialization=%s preaggregated=%t",
		r.PersonsOnEventsMode, r.SessionTableVersion, r.BounceRatePageViewMode, r.InCohortVia,
		r.MaterializationMode, r.UsePreaggregatedTables)
}
