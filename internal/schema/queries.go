package schema

import (
	"fmt"
	"slices"
	"strings"
)

// BreakdownType says where a breakdown value is read from.
type BreakdownType string

// Breakdown sources.
const (
	BreakdownEvent   BreakdownType = "event"
	BreakdownPerson  BreakdownType = "person"
	BreakdownSession BreakdownType = "session"
	BreakdownGroup   BreakdownType = "group"
	BreakdownHogQL   BreakdownType = "hogql"
)

// BreakdownFilter splits a series by one property.
type BreakdownFilter struct {
	Breakdown               string        `json:"breakdown"`
	BreakdownType           BreakdownType `json:"breakdown_type,omitempty"`
	BreakdownGroupTypeIndex *int          `json:"breakdown_group_type_index,omitempty"`
	BreakdownLimit          *int          `json:"breakdown_limit,omitempty"`
}

// DefaultBreakdownLimit caps breakdown values when unset.
const DefaultBreakdownLimit = 25

// Limit returns the breakdown value cap.
func (b *BreakdownFilter) Limit() int {
	if b == nil || b.BreakdownLimit == nil || *b.BreakdownLimit <= 0 {
		return DefaultBreakdownLimit
	}
	return *b.BreakdownLimit
}

func (b *BreakdownFilter) validate() error {
	if b == nil {
		return nil
	}
	if b.Breakdown == "" {
		return fmt.Errorf("breakdownFilter requires breakdown")
	}
	switch b.BreakdownType {
	case "":
		b.BreakdownType = BreakdownEvent
	case BreakdownEvent, BreakdownPerson, BreakdownSession, BreakdownHogQL:
	case BreakdownGroup:
		if b.BreakdownGroupTypeIndex == nil {
			return fmt.Errorf("group breakdown requires breakdown_group_type_index")
		}
	default:
		return fmt.Errorf("unknown breakdown_type %q", b.BreakdownType)
	}
	return nil
}

// CompareFilter asks for the previous period alongside the current one.
type CompareFilter struct {
	Compare   bool    `json:"compare,omitempty"`
	CompareTo *string `json:"compare_to,omitempty"`
}

// Enabled reports whether comparison was requested.
func (c *CompareFilter) Enabled() bool { return c != nil && c.Compare }

// ChartDisplay is the visual display of a trends insight.
type ChartDisplay string

var chartDisplays = []ChartDisplay{
	"ActionsLineGraph", "ActionsLineGraphCumulative", "ActionsAreaGraph", "ActionsTable",
	"ActionsPie", "ActionsBar", "ActionsBarValue", "WorldMap", "BoldNumber",
}

// TrendsFilter holds trends display options.
type TrendsFilter struct {
	Display            ChartDisplay `json:"display,omitempty"`
	ShowLegend         bool         `json:"showLegend,omitempty"`
	ShowValuesOnSeries bool         `json:"showValuesOnSeries,omitempty"`
	// Formula combines series arithmetically, naming them by letter (A is
	// the first series) or by custom name.
	Formula string `json:"formula,omitempty"`
}

// FormulaText returns the trimmed formula, empty when none is set.
func (f *TrendsFilter) FormulaText() string {
	if f == nil {
		return ""
	}
	return strings.TrimSpace(f.Formula)
}

// Cumulative reports whether values accumulate across buckets.
func (f *TrendsFilter) Cumulative() bool {
	return f != nil && f.Display == "ActionsLineGraphCumulative"
}

// Aggregated reports whether the display collapses the time axis.
func (f *TrendsFilter) Aggregated() bool {
	if f == nil {
		return false
	}
	switch f.Display {
	case "ActionsPie", "ActionsBarValue", "WorldMap", "BoldNumber", "ActionsTable":
		return true
	}
	return false
}

func (f *TrendsFilter) validate() error {
	if f != nil && f.Formula != "" && f.FormulaText() == "" {
		return fmt.Errorf("formula must not be blank")
	}
	if f == nil || f.Display == "" {
		return nil
	}
	if !slices.Contains(chartDisplays, f.Display) {
		return fmt.Errorf("unknown display %q", f.Display)
	}
	return nil
}

// InsightCommon holds fields shared by insight queries.
type InsightCommon struct {
	DateRange          *DateRange `json:"dateRange,omitempty"`
	Properties         Properties `json:"properties,omitempty"`
	FilterTestAccounts bool       `json:"filterTestAccounts,omitempty"`
	SamplingFactor     *float64   `json:"samplingFactor,omitempty"`
}

func (c *InsightCommon) validate() error {
	if err := c.DateRange.validate(); err != nil {
		return err
	}
	if c.SamplingFactor != nil && (*c.SamplingFactor <= 0 || *c.SamplingFactor > 1) {
		return fmt.Errorf("samplingFactor must be in (0, 1]")
	}
	return c.Properties.validate()
}

func validateSeries(series []Series, min int) error {
	if len(series) < min {
		return fmt.Errorf("at least %d series required", min)
	}
	for i := range series {
		if err := series[i].validate(); err != nil {
			return fmt.Errorf("series[%d]: %w", i, err)
		}
	}
	return nil
}

// TrendsQuery counts or aggregates series over time.
type TrendsQuery struct {
	InsightCommon
	Series          []Series         `json:"series"`
	Interval        Interval         `json:"interval,omitempty"`
	BreakdownFilter *BreakdownFilter `json:"breakdownFilter,omitempty"`
	CompareFilter   *CompareFilter   `json:"compareFilter,omitempty"`
	TrendsFilter    *TrendsFilter    `json:"trendsFilter,omitempty"`
}

func (*TrendsQuery) Kind() Kind { return KindTrends }

func (q *TrendsQuery) validate() error {
	if err := q.InsightCommon.validate(); err != nil {
		return err
	}
	if err := q.Interval.validate(); err != nil {
		return err
	}
	if err := q.BreakdownFilter.validate(); err != nil {
		return err
	}
	if err := q.TrendsFilter.validate(); err != nil {
		return err
	}
	return validateSeries(q.Series, 1)
}

// FunnelOrderType controls how steps must be ordered.
type FunnelOrderType string

// Funnel orderings.
const (
	FunnelOrdered   FunnelOrderType = "ordered"
	FunnelStrict    FunnelOrderType = "strict"
	FunnelUnordered FunnelOrderType = "unordered"
)

// FunnelsFilter configures conversion windows and ordering.
type FunnelsFilter struct {
	FunnelWindowInterval     *int            `json:"funnelWindowInterval,omitempty"`
	FunnelWindowIntervalUnit *string         `json:"funnelWindowIntervalUnit,omitempty"`
	FunnelOrderType          FunnelOrderType `json:"funnelOrderType,omitempty"`
}

// Window returns the conversion window in seconds.
func (f *FunnelsFilter) Window() int64 {
	n, unit := 14, "day"
	if f != nil && f.FunnelWindowInterval != nil {
		n = *f.FunnelWindowInterval
	}
	if f != nil && f.FunnelWindowIntervalUnit != nil {
		unit = *f.FunnelWindowIntervalUnit
	}
	per := map[string]int64{"second": 1, "minute": 60, "hour": 3600, "day": 86400, "week": 604800, "month": 2592000}[unit]
	return int64(n) * per
}

// Order returns the ordering, defaulting to ordered.
func (f *FunnelsFilter) Order() FunnelOrderType {
	if f == nil || f.FunnelOrderType == "" {
		return FunnelOrdered
	}
	return f.FunnelOrderType
}

func (f *FunnelsFilter) validate() error {
	if f == nil {
		return nil
	}
	switch f.Order() {
	case FunnelOrdered, FunnelStrict, FunnelUnordered:
	default:
		return fmt.Errorf("unknown funnelOrderType %q", f.FunnelOrderType)
	}
	if f.FunnelWindowIntervalUnit != nil {
		switch *f.FunnelWindowIntervalUnit {
		case "second", "minute", "hour", "day", "week", "month":
		default:
			return fmt.Errorf("unknown funnelWindowIntervalUnit %q", *f.FunnelWindowIntervalUnit)
		}
	}
	if f.FunnelWindowInterval != nil && *f.FunnelWindowInterval <= 0 {
		return fmt.Errorf("funnelWindowInterval must be positive")
	}
	return nil
}

// FunnelsQuery measures conversion through ordered steps.
type FunnelsQuery struct {
	InsightCommon
	Series          []Series         `json:"series"`
	FunnelsFilter   *FunnelsFilter   `json:"funnelsFilter,omitempty"`
	BreakdownFilter *BreakdownFilter `json:"breakdownFilter,omitempty"`
}

func (*FunnelsQuery) Kind() Kind { return KindFunnels }

func (q *FunnelsQuery) validate() error {
	if err := q.InsightCommon.validate(); err != nil {
		return err
	}
	if err := q.FunnelsFilter.validate(); err != nil {
		return err
	}
	if err := q.BreakdownFilter.validate(); err != nil {
		return err
	}
	return validateSeries(q.Series, 2)
}

// EntityRef names an event or action.
type EntityRef struct {
	ID   any    `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

func (e *EntityRef) validate() error {
	if e == nil {
		return nil
	}
	if e.Type != "events" && e.Type != "actions" {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	return nil
}

// RetentionFilter configures the retention matrix.
type RetentionFilter struct {
	TargetEntity    *EntityRef `json:"targetEntity,omitempty"`
	ReturningEntity *EntityRef `json:"returningEntity,omitempty"`
	Period          string     `json:"period,omitempty"`
	TotalIntervals  int        `json:"totalIntervals,omitempty"`
	RetentionType   string     `json:"retentionType,omitempty"`
}

// PeriodInterval maps the retention period onto an interval.
func (f RetentionFilter) PeriodInterval() Interval {
	switch f.Period {
	case "Hour":
		return IntervalHour
	case "Week":
		return IntervalWeek
	case "Month":
		return IntervalMonth
	default:
		return IntervalDay
	}
}

// Intervals returns the number of cohorts, defaulting to 8.
func (f RetentionFilter) Intervals() int {
	if f.TotalIntervals <= 0 {
		return 8
	}
	return f.TotalIntervals
}

// RetentionQuery builds a cohort retention matrix.
type RetentionQuery struct {
	InsightCommon
	RetentionFilter RetentionFilter `json:"retentionFilter"`
}

func (*RetentionQuery) Kind() Kind { return KindRetention }

func (q *RetentionQuery) validate() error {
	if err := q.InsightCommon.validate(); err != nil {
		return err
	}
	f := &q.RetentionFilter
	switch f.Period {
	case "", "Hour", "Day", "Week", "Month":
	default:
		return fmt.Errorf("unknown retention period %q", f.Period)
	}
	switch f.RetentionType {
	case "", "retention_first_time", "retention_recurring":
	default:
		return fmt.Errorf("unknown retentionType %q", f.RetentionType)
	}
	if f.TotalIntervals > 100 {
		return fmt.Errorf("totalIntervals must be at most 100")
	}
	if err := f.TargetEntity.validate(); err != nil {
		return err
	}
	return f.ReturningEntity.validate()
}

// PathsFilter configures path exploration.
type PathsFilter struct {
	IncludeEventTypes []string `json:"includeEventTypes,omitempty"`
	StartPoint        string   `json:"startPoint,omitempty"`
	EndPoint          string   `json:"endPoint,omitempty"`
	StepLimit         int      `json:"stepLimit,omitempty"`
	EdgeLimit         int      `json:"edgeLimit,omitempty"`
}

// PathsQuery computes transitions between consecutive events.
type PathsQuery struct {
	InsightCommon
	PathsFilter PathsFilter `json:"pathsFilter"`
}

func (*PathsQuery) Kind() Kind { return KindPaths }

func (q *PathsQuery) validate() error {
	if err := q.InsightCommon.validate(); err != nil {
		return err
	}
	for _, t := range q.PathsFilter.IncludeEventTypes {
		switch t {
		case "$pageview", "$screen", "custom_event":
		default:
			return fmt.Errorf("unknown path event type %q", t)
		}
	}
	if q.PathsFilter.StepLimit < 0 || q.PathsFilter.StepLimit > 20 {
		return fmt.Errorf("stepLimit must be between 0 and 20")
	}
	return nil
}

// StickinessQuery counts actors by number of active intervals.
type StickinessQuery struct {
	InsightCommon
	Series        []Series       `json:"series"`
	Interval      Interval       `json:"interval,omitempty"`
	CompareFilter *CompareFilter `json:"compareFilter,omitempty"`
}

func (*StickinessQuery) Kind() Kind { return KindStickiness }

func (q *StickinessQuery) validate() error {
	if err := q.InsightCommon.validate(); err != nil {
		return err
	}
	if err := q.Interval.validate(); err != nil {
		return err
	}
	return validateSeries(q.Series, 1)
}

// LifecycleQuery classifies actors as new, returning, resurrecting or dormant.
type LifecycleQuery struct {
	InsightCommon
	Series   []Series `json:"series"`
	Interval Interval `json:"interval,omitempty"`
}

func (*LifecycleQuery) Kind() Kind { return KindLifecycle }

func (q *LifecycleQuery) validate() error {
	if err := q.InsightCommon.validate(); err != nil {
		return err
	}
	if err := q.Interval.validate(); err != nil {
		return err
	}
	if len(q.Series) != 1 {
		return fmt.Errorf("lifecycle requires exactly one series")
	}
	return validateSeries(q.Series, 1)
}

// Paging limits shared by tabular queries.
const (
	DefaultLimit = 100
	MaxLimit     = 50000
)

// PageLimit returns a bounded limit.
func PageLimit(limit *int) int {
	switch {
	case limit == nil || *limit <= 0:
		return DefaultLimit
	case *limit > MaxLimit:
		return MaxLimit
	}
	return *limit
}

func validatePaging(limit, offset *int) error {
	if limit != nil && *limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	if offset != nil && *offset < 0 {
		return fmt.Errorf("offset must not be negative")
	}
	return nil
}

// EventsQuery lists raw events.
type EventsQuery struct {
	Select             []string   `json:"select"`
	Event              *string    `json:"event,omitempty"`
	Properties         Properties `json:"properties,omitempty"`
	FixedProperties    Properties `json:"fixedProperties,omitempty"`
	OrderBy            []string   `json:"orderBy,omitempty"`
	After              *string    `json:"after,omitempty"`
	Before             *string    `json:"before,omitempty"`
	PersonID           *string    `json:"personId,omitempty"`
	FilterTestAccounts bool       `json:"filterTestAccounts,omitempty"`
	Limit              *int       `json:"limit,omitempty"`
	Offset             *int       `json:"offset,omitempty"`
}

func (*EventsQuery) Kind() Kind { return KindEvents }

func (q *EventsQuery) validate() error {
	if len(q.Select) == 0 {
		return fmt.Errorf("select must not be empty")
	}
	if err := validatePaging(q.Limit, q.Offset); err != nil {
		return err
	}
	if err := q.Properties.validate(); err != nil {
		return err
	}
	return q.FixedProperties.validate()
}

// ActorsQuery lists persons.
type ActorsQuery struct {
	Select          []string   `json:"select,omitempty"`
	Search          *string    `json:"search,omitempty"`
	Properties      Properties `json:"properties,omitempty"`
	FixedProperties Properties `json:"fixedProperties,omitempty"`
	OrderBy         []string   `json:"orderBy,omitempty"`
	Limit           *int       `json:"limit,omitempty"`
	Offset          *int       `json:"offset,omitempty"`
}

func (*ActorsQuery) Kind() Kind { return KindActors }

func (q *ActorsQuery) validate() error {
	if err := validatePaging(q.Limit, q.Offset); err != nil {
		return err
	}
	if err := q.Properties.validate(); err != nil {
		return err
	}
	return q.FixedProperties.validate()
}

// SessionsQuery lists sessions.
type SessionsQuery struct {
	Select     []string   `json:"select"`
	DateRange  *DateRange `json:"dateRange,omitempty"`
	Properties Properties `json:"properties,omitempty"`
	OrderBy    []string   `json:"orderBy,omitempty"`
	Limit      *int       `json:"limit,omitempty"`
	Offset     *int       `json:"offset,omitempty"`
}

func (*SessionsQuery) Kind() Kind { return KindSessions }

func (q *SessionsQuery) validate() error {
	if len(q.Select) == 0 {
		return fmt.Errorf("select must not be empty")
	}
	if err := q.DateRange.validate(); err != nil {
		return err
	}
	if err := validatePaging(q.Limit, q.Offset); err != nil {
		return err
	}
	return q.Properties.validate()
}

// HogQLVariable is a named, typed placeholder value.
type HogQLVariable struct {
	VariableID string `json:"variableId"`
	CodeName   string `json:"code_name"`
	Value      any    `json:"value,omitempty"`
}

// HogQLFilters are dashboard-style filters applied to {filters} placeholders.
type HogQLFilters struct {
	DateRange          *DateRange `json:"dateRange,omitempty"`
	Properties         Properties `json:"properties,omitempty"`
	FilterTestAccounts bool       `json:"filterTestAccounts,omitempty"`
}

// HogQLQuery is a user-written SELECT over logical tables.
type HogQLQuery struct {
	Query     string                   `json:"query"`
	Filters   *HogQLFilters            `json:"filters,omitempty"`
	Values    map[string]any           `json:"values,omitempty"`
	Variables map[string]HogQLVariable `json:"variables,omitempty"`
	Explain   bool                     `json:"explain,omitempty"`
	Name      string                   `json:"name,omitempty"`
	Limit     *int                     `json:"limit,omitempty"`
}

func (*HogQLQuery) Kind() Kind { return KindHogQL }

func (q *HogQLQuery) validate() error {
	if q.Query == "" {
		return fmt.Errorf("query text is required")
	}
	for id, v := range q.Variables {
		if v.CodeName == "" {
			return fmt.Errorf("variable %s requires code_name", id)
		}
	}
	if q.Filters != nil {
		if err := q.Filters.DateRange.validate(); err != nil {
			return err
		}
		if err := q.Filters.Properties.validate(); err != nil {
			return err
		}
	}
	return validatePaging(q.Limit, nil)
}

// WebOverviewQuery returns headline web analytics metrics.
type WebOverviewQuery struct {
	DateRange          *DateRange     `json:"dateRange,omitempty"`
	Properties         Properties     `json:"properties,omitempty"`
	CompareFilter      *CompareFilter `json:"compareFilter,omitempty"`
	FilterTestAccounts bool           `json:"filterTestAccounts,omitempty"`
}

func (*WebOverviewQuery) Kind() Kind { return KindWebOverview }

func (q *WebOverviewQuery) validate() error {
	if err := q.DateRange.validate(); err != nil {
		return err
	}
	return q.Properties.validate()
}

// WebStatsBreakdown is the dimension a web stats table is grouped by.
type WebStatsBreakdown string

// Web stats breakdowns.
const (
	WebBreakdownPage            WebStatsBreakdown = "Page"
	WebBreakdownInitialPage     WebStatsBreakdown = "InitialPage"
	WebBreakdownHost            WebStatsBreakdown = "Host"
	WebBreakdownDeviceType      WebStatsBreakdown = "DeviceType"
	WebBreakdownBrowser         WebStatsBreakdown = "Browser"
	WebBreakdownOS              WebStatsBreakdown = "OS"
	WebBreakdownViewport        WebStatsBreakdown = "Viewport"
	WebBreakdownReferringDomain WebStatsBreakdown = "InitialReferringDomain"
	WebBreakdownUTMSource       WebStatsBreakdown = "InitialUTMSource"
	WebBreakdownUTMMedium       WebStatsBreakdown = "InitialUTMMedium"
	WebBreakdownUTMCampaign     WebStatsBreakdown = "InitialUTMCampaign"
	WebBreakdownUTMTerm         WebStatsBreakdown = "InitialUTMTerm"
	WebBreakdownUTMContent      WebStatsBreakdown = "InitialUTMContent"
	WebBreakdownCountry         WebStatsBreakdown = "Country"
)

var webBreakdowns = []WebStatsBreakdown{
	WebBreakdownPage, WebBreakdownInitialPage, WebBreakdownHost, WebBreakdownDeviceType,
	WebBreakdownBrowser, WebBreakdownOS, WebBreakdownViewport, WebBreakdownReferringDomain,
	WebBreakdownUTMSource, WebBreakdownUTMMedium, WebBreakdownUTMCampaign, WebBreakdownUTMTerm,
	WebBreakdownUTMContent, WebBreakdownCountry,
}

// WebStatsTableQuery returns visitors and views grouped by one dimension.
type WebStatsTableQuery struct {
	BreakdownBy        WebStatsBreakdown `json:"breakdownBy"`
	DateRange          *DateRange        `json:"dateRange,omitempty"`
	Properties         Properties        `json:"properties,omitempty"`
	FilterTestAccounts bool              `json:"filterTestAccounts,omitempty"`
	Limit              *int              `json:"limit,omitempty"`
}

func (*WebStatsTableQuery) Kind() Kind { return KindWebStatsTable }

func (q *WebStatsTableQuery) validate() error {
	if !slices.Contains(webBreakdowns, q.BreakdownBy) {
		return fmt.Errorf("unknown breakdownBy %q", q.BreakdownBy)
	}
	if err := q.DateRange.validate(); err != nil {
		return err
	}
	if err := validatePaging(q.Limit, nil); err != nil {
		return err
	}
	return q.Properties.validate()
}

// ErrorTrackingQuery lists error tracking issues with occurrence counts.
type ErrorTrackingQuery struct {
	IssueID     *string    `json:"issueId,omitempty"`
	Status      string     `json:"status,omitempty"`
	DateRange   *DateRange `json:"dateRange,omitempty"`
	OrderBy     string     `json:"orderBy,omitempty"`
	SearchQuery *string    `json:"searchQuery,omitempty"`
	Properties  Properties `json:"filterGroup,omitempty"`
	Limit       *int       `json:"limit,omitempty"`
	Offset      *int       `json:"offset,omitempty"`
}

func (*ErrorTrackingQuery) Kind() Kind { return KindErrorTracking }

func (q *ErrorTrackingQuery) validate() error {
	switch q.Status {
	case "", "all", "active", "resolved", "suppressed", "archived", "pending_release":
	default:
		return fmt.Errorf("unknown status %q", q.Status)
	}
	switch q.OrderBy {
	case "", "last_seen", "first_seen", "occurrences", "users", "sessions":
	default:
		return fmt.Errorf("unknown orderBy %q", q.OrderBy)
	}
	if err := q.DateRange.validate(); err != nil {
		return err
	}
	if err := validatePaging(q.Limit, q.Offset); err != nil {
		return err
	}
	return q.Properties.validate()
}

// TracesQuery lists LLM traces assembled from AI events.
type TracesQuery struct {
	TraceID    *string    `json:"traceId,omitempty"`
	DateRange  *DateRange `json:"dateRange,omitempty"`
	Properties Properties `json:"properties,omitempty"`
	Limit      *int       `json:"limit,omitempty"`
	Offset     *int       `json:"offset,omitempty"`
}

func (*TracesQuery) Kind() Kind { return KindTraces }

func (q *TracesQuery) validate() error {
	if err := q.DateRange.validate(); err != nil {
		return err
	}
	if err := validatePaging(q.Limit, q.Offset); err != nil {
		return err
	}
	return q.Properties.validate()
}

// VectorSearchQuery ranks stored document embeddings by cosine distance.
type VectorSearchQuery struct {
	Embedding []float64 `json:"embedding"`
	Product   string    `json:"product,omitempty"`
	Limit     *int      `json:"limit,omitempty"`
}

func (*VectorSearchQuery) Kind() Kind { return KindVectorSearch }

func (q *VectorSearchQuery) validate() error {
	if len(q.Embedding) == 0 {
		return fmt.Errorf("embedding must not be empty")
	}
	return validatePaging(q.Limit, nil)
}

// ExperimentQuery counts exposures and metric conversions per variant.
type ExperimentQuery struct {
	ExperimentID   *int64     `json:"experiment_id,omitempty"`
	FeatureFlagKey string     `json:"feature_flag_key"`
	Variants       []string   `json:"variants"`
	Metric         Series     `json:"metric"`
	DateRange      *DateRange `json:"dateRange,omitempty"`
}

func (*ExperimentQuery) Kind() Kind { return KindExperiment }

func (q *ExperimentQuery) validate() error {
	if q.FeatureFlagKey == "" {
		return fmt.Errorf("feature_flag_key is required")
	}
	if len(q.Variants) == 0 {
		return fmt.Errorf("at least one variant is required")
	}
	if err := q.DateRange.validate(); err != nil {
		return err
	}
	if q.Metric.Events == nil && q.Metric.Actions == nil && q.Metric.DataWarehouse == nil {
		return fmt.Errorf("metric is required")
	}
	return q.Metric.validate()
}

// ExperimentExposureQuery returns daily exposures per variant.
type ExperimentExposureQuery struct {
	ExperimentID   *int64     `json:"experiment_id,omitempty"`
	FeatureFlagKey string     `json:"feature_flag_key"`
	Variants       []string   `json:"variants"`
	DateRange      *DateRange `json:"dateRange,omitempty"`
}

func (*ExperimentExposureQuery) Kind() Kind { return KindExperimentExposure }

func (q *ExperimentExposureQuery) validate() error {
	if q.FeatureFlagKey == "" {
		return fmt.Errorf("feature_flag_key is required")
	}
	if len(q.Variants) == 0 {
		return fmt.Errorf("at least one variant is required")
	}
	return q.DateRange.validate()
}

// DatabaseSchemaQuery introspects the tenant's virtual database.
type DatabaseSchemaQuery struct{}

func (*DatabaseSchemaQuery) Kind() Kind { return KindDatabaseSchema }

func (*DatabaseSchemaQuery) validate() error { return nil }

// InsightVizNode wraps an insight query for visualization.
type InsightVizNode struct {
	Source Query `json:"source"`
	Full   bool  `json:"full,omitempty"`
}

func (*InsightVizNode) Kind() Kind { return KindInsightVizNode }

func (n *InsightVizNode) validate() error {
	if n.Source.IsZero() {
		return fmt.Errorf("source is required")
	}
	if !n.Source.Kind().IsInsight() {
		return fmt.Errorf("source must be an insight query, got %s", n.Source.Kind())
	}
	return nil
}

// DataTableNode wraps a tabular query.
type DataTableNode struct {
	Source  Query    `json:"source"`
	Columns []string `json:"columns,omitempty"`
	Full    bool     `json:"full,omitempty"`
}

func (*DataTableNode) Kind() Kind { return KindDataTableNode }

func (n *DataTableNode) validate() error {
	if n.Source.IsZero() {
		return fmt.Errorf("source is required")
	}
	switch n.Source.Kind() {
	case KindEvents, KindActors, KindSessions, KindHogQL, KindWebStatsTable, KindErrorTracking, KindTraces:
		return nil
	}
	return fmt.Errorf("unsupported data table source %s", n.Source.Kind())
}

// DataVisualizationNode wraps a HogQL query for charting.
type DataVisualizationNode struct {
	Source  Query  `json:"source"`
	Display string `json:"display,omitempty"`
}

func (*DataVisualizationNode) Kind() Kind { return KindDataVisualizationNode }

func (n *DataVisualizationNode) validate() error {
	if n.Source.Kind() != KindHogQL {
		return fmt.Errorf("source must be a HogQLQuery")
	}
	return nil
}
