package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Result is the closed set of result payload types. Each query kind has
// exactly one result type.
type Result interface {
	resultShape() string
}

// SeriesRef identifies the series a result row belongs to.
type SeriesRef struct {
	Order      int      `json:"order"`
	Kind       Kind     `json:"kind"`
	Name       string   `json:"name"`
	CustomName string   `json:"custom_name,omitempty"`
	Math       MathType `json:"math"`
}

// TrendsSeriesResult is one line of a trends chart.
type TrendsSeriesResult struct {
	Action          SeriesRef `json:"action"`
	Label           string    `json:"label"`
	Count           float64   `json:"count"`
	AggregatedValue *float64  `json:"aggregated_value,omitempty"`
	Data            []float64 `json:"data"`
	Days            []string  `json:"days"`
	Labels          []string  `json:"labels"`
	BreakdownValue  any       `json:"breakdown_value,omitempty"`
	Compare         bool      `json:"compare,omitempty"`
	CompareLabel    string    `json:"compare_label,omitempty"`
}

// TrendsResult is the trends result shape.
type TrendsResult []TrendsSeriesResult

// StickinessSeriesResult counts actors active in exactly N intervals.
type StickinessSeriesResult struct {
	Action SeriesRef `json:"action"`
	Label  string    `json:"label"`
	Count  float64   `json:"count"`
	Data   []float64 `json:"data"`
	Days   []int     `json:"days"`
	Labels []string  `json:"labels"`
}

// StickinessResult is the stickiness result shape.
type StickinessResult []StickinessSeriesResult

// LifecycleSeriesResult is one lifecycle status over time.
type LifecycleSeriesResult struct {
	Action SeriesRef `json:"action"`
	Label  string    `json:"label"`
	Status string    `json:"status"`
	Count  float64   `json:"count"`
	Data   []float64 `json:"data"`
	Days   []string  `json:"days"`
	Labels []string  `json:"labels"`
}

// LifecycleResult is the lifecycle result shape.
type LifecycleResult []LifecycleSeriesResult

// FunnelStep is one step of a funnel.
type FunnelStep struct {
	Order                 int      `json:"order"`
	Name                  string   `json:"name"`
	CustomName            string   `json:"custom_name,omitempty"`
	Count                 int64    `json:"count"`
	AverageConversionTime *float64 `json:"average_conversion_time"`
	BreakdownValue        any      `json:"breakdown_value,omitempty"`
}

// FunnelsResult holds one step list per breakdown value.
type FunnelsResult [][]FunnelStep

// RetentionValue is one cell of the retention matrix.
type RetentionValue struct {
	Count int64 `json:"count"`
}

// RetentionCohort is one row of the retention matrix.
type RetentionCohort struct {
	Date   string           `json:"date"`
	Label  string           `json:"label"`
	Values []RetentionValue `json:"values"`
}

// RetentionResult is the retention result shape.
type RetentionResult []RetentionCohort

// PathEdge is a transition between consecutive path steps.
type PathEdge struct {
	Source                string   `json:"source"`
	Target                string   `json:"target"`
	Value                 int64    `json:"value"`
	AverageConversionTime *float64 `json:"average_conversion_time"`
}

// PathsResult is the paths result shape.
type PathsResult []PathEdge

// TabularResult is the shape of row-listing queries.
type TabularResult struct {
	Columns []string `json:"columns"`
	Types   []string `json:"types"`
	Results [][]any  `json:"results"`
	HasMore bool     `json:"hasMore"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// WebOverviewItem is one headline metric.
type WebOverviewItem struct {
	Key                   string   `json:"key"`
	Kind                  string   `json:"kind"`
	Value                 *float64 `json:"value"`
	Previous              *float64 `json:"previous"`
	ChangeFromPreviousPct *float64 `json:"changeFromPreviousPct"`
}

// WebOverviewResult is the web overview result shape.
type WebOverviewResult struct {
	Items                   []WebOverviewItem `json:"items"`
	DateFrom                string            `json:"dateFrom"`
	DateTo                  string            `json:"dateTo"`
	UsedPreAggregatedTables bool              `json:"usedPreAggregatedTables"`
}

// WebStatsTableResult is the web stats table result shape.
type WebStatsTableResult struct {
	TabularResult
	UsedPreAggregatedTables bool `json:"usedPreAggregatedTables"`
}

// DatabaseSchemaField describes one column.
type DatabaseSchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// DatabaseSchemaTable describes one logical table.
type DatabaseSchemaTable struct {
	Name   string                `json:"name"`
	Type   string                `json:"type"`
	Fields []DatabaseSchemaField `json:"fields"`
}

// DatabaseSchemaResult maps table names to their descriptions.
type DatabaseSchemaResult struct {
	Tables map[string]DatabaseSchemaTable `json:"tables"`
}

// ExperimentVariantResult holds raw counts for one variant.
type ExperimentVariantResult struct {
	Key         string  `json:"key"`
	Exposures   int64   `json:"exposures"`
	Conversions int64   `json:"conversions"`
	MetricValue float64 `json:"metric_value"`
}

// ExperimentResult is the experiment result shape.
type ExperimentResult struct {
	Variants []ExperimentVariantResult `json:"variants"`
}

// ExposureSeries is the daily exposure count of one variant.
type ExposureSeries struct {
	Variant        string   `json:"variant"`
	Days           []string `json:"days"`
	ExposureCounts []int64  `json:"exposure_counts"`
}

// ExperimentExposureResult is the exposure result shape.
type ExperimentExposureResult struct {
	Timeseries     []ExposureSeries `json:"timeseries"`
	TotalExposures map[string]int64 `json:"total_exposures"`
}

func (TrendsResult) resultShape() string             { return "trends" }
func (StickinessResult) resultShape() string         { return "stickiness" }
func (LifecycleResult) resultShape() string          { return "lifecycle" }
func (FunnelsResult) resultShape() string            { return "funnels" }
func (RetentionResult) resultShape() string          { return "retention" }
func (PathsResult) resultShape() string              { return "paths" }
func (TabularResult) resultShape() string            { return "tabular" }
func (WebOverviewResult) resultShape() string        { return "web_overview" }
func (WebStatsTableResult) resultShape() string      { return "web_stats_table" }
func (DatabaseSchemaResult) resultShape() string     { return "database_schema" }
func (ExperimentResult) resultShape() string         { return "experiment" }
func (ExperimentExposureResult) resultShape() string { return "experiment_exposure" }

func decodeAs[T Result](data []byte) (Result, error) {
	var out T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

var resultDecoders = map[Kind]func([]byte) (Result, error){
	KindTrends:             decodeAs[TrendsResult],
	KindFunnels:            decodeAs[FunnelsResult],
	KindRetention:          decodeAs[RetentionResult],
	KindPaths:              decodeAs[PathsResult],
	KindStickiness:         decodeAs[StickinessResult],
	KindLifecycle:          decodeAs[LifecycleResult],
	KindEvents:             decodeAs[TabularResult],
	KindActors:             decodeAs[TabularResult],
	KindSessions:           decodeAs[TabularResult],
	KindHogQL:              decodeAs[TabularResult],
	KindWebOverview:        decodeAs[WebOverviewResult],
	KindWebStatsTable:      decodeAs[WebStatsTableResult],
	KindErrorTracking:      decodeAs[TabularResult],
	KindTraces:             decodeAs[TabularResult],
	KindVectorSearch:       decodeAs[TabularResult],
	KindExperiment:         decodeAs[ExperimentResult],
	KindExperimentExposure: decodeAs[ExperimentExposureResult],
	KindDatabaseSchema:     decodeAs[DatabaseSchemaResult],
}

// DecodeResult decodes a stored result for the given (effective) query kind.
// Numbers inside untyped cells stay json.Number so re-encoding is byte stable.
func DecodeResult(kind Kind, data []byte) (Result, error) {
	dec, ok := resultDecoders[kind]
	if !ok {
		return nil, fmt.Errorf("no result type for kind %s", kind)
	}
	return dec(data)
}

// Normalize re-encodes r through JSON so freshly computed and cached results
// have identical in-memory forms.
func Normalize(kind Kind, r Result) (Result, []byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, nil, err
	}
	out, err := DecodeResult(kind, raw)
	if err != nil {
		return nil, nil, err
	}
	return out, raw, nil
}
