// Package schema holds the closed query union, its modifiers, property
// filters and result shapes. Decoding fails closed: unknown kinds, filter
// types, operators and fields are validation errors.
package schema

// Kind discriminates a query variant.
type Kind string

// Query kinds.
const (
	KindTrends                Kind = "TrendsQuery"
	KindFunnels               Kind = "FunnelsQuery"
	KindRetention             Kind = "RetentionQuery"
	KindPaths                 Kind = "PathsQuery"
	KindStickiness            Kind = "StickinessQuery"
	KindLifecycle             Kind = "LifecycleQuery"
	KindEvents                Kind = "EventsQuery"
	KindActors                Kind = "ActorsQuery"
	KindSessions              Kind = "SessionsQuery"
	KindHogQL                 Kind = "HogQLQuery"
	KindWebOverview           Kind = "WebOverviewQuery"
	KindWebStatsTable         Kind = "WebStatsTableQuery"
	KindErrorTracking         Kind = "ErrorTrackingQuery"
	KindTraces                Kind = "TracesQuery"
	KindVectorSearch          Kind = "VectorSearchQuery"
	KindExperiment            Kind = "ExperimentQuery"
	KindExperimentExposure    Kind = "ExperimentExposureQuery"
	KindDatabaseSchema        Kind = "DatabaseSchemaQuery"
	KindInsightVizNode        Kind = "InsightVizNode"
	KindDataTableNode         Kind = "DataTableNode"
	KindDataVisualizationNode Kind = "DataVisualizationNode"
)

// Series node kinds.
const (
	KindEventsNode        Kind = "EventsNode"
	KindActionsNode       Kind = "ActionsNode"
	KindDataWarehouseNode Kind = "DataWarehouseNode"
)

type kindInfo struct {
	newBody   func() Body
	cacheable bool
	insight   bool
}

var kinds = map[Kind]kindInfo{
	KindTrends:                {newBody: func() Body { return &TrendsQuery{} }, cacheable: true, insight: true},
	KindFunnels:               {newBody: func() Body { return &FunnelsQuery{} }, cacheable: true, insight: true},
	KindRetention:             {newBody: func() Body { return &RetentionQuery{} }, cacheable: true, insight: true},
	KindPaths:                 {newBody: func() Body { return &PathsQuery{} }, cacheable: true, insight: true},
	KindStickiness:            {newBody: func() Body { return &StickinessQuery{} }, cacheable: true, insight: true},
	KindLifecycle:             {newBody: func() Body { return &LifecycleQuery{} }, cacheable: true, insight: true},
	KindEvents:                {newBody: func() Body { return &EventsQuery{} }, cacheable: true},
	KindActors:                {newBody: func() Body { return &ActorsQuery{} }, cacheable: true},
	KindSessions:              {newBody: func() Body { return &SessionsQuery{} }, cacheable: true},
	KindHogQL:                 {newBody: func() Body { return &HogQLQuery{} }, cacheable: true},
	KindWebOverview:           {newBody: func() Body { return &WebOverviewQuery{} }, cacheable: true},
	KindWebStatsTable:         {newBody: func() Body { return &WebStatsTableQuery{} }, cacheable: true},
	KindErrorTracking:         {newBody: func() Body { return &ErrorTrackingQuery{} }, cacheable: true},
	KindTraces:                {newBody: func() Body { return &TracesQuery{} }, cacheable: true},
	KindVectorSearch:          {newBody: func() Body { return &VectorSearchQuery{} }, cacheable: true},
	KindExperiment:            {newBody: func() Body { return &ExperimentQuery{} }, cacheable: true},
	KindExperimentExposure:    {newBody: func() Body { return &ExperimentExposureQuery{} }, cacheable: true},
	KindDatabaseSchema:        {newBody: func() Body { return &DatabaseSchemaQuery{} }},
	KindInsightVizNode:        {newBody: func() Body { return &InsightVizNode{} }, cacheable: true},
	KindDataTableNode:         {newBody: func() Body { return &DataTableNode{} }, cacheable: true},
	KindDataVisualizationNode: {newBody: func() Body { return &DataVisualizationNode{} }, cacheable: true},
}

// Known reports whether k is part of the closed query vocabulary.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// IsInsight reports whether k is an insight query (usable as InsightVizNode source).
func (k Kind) IsInsight() bool {
	return kinds[k].insight
}

// Kinds returns every query kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	return out
}
