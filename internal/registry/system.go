package registry

import "duck-analytics/internal/schema"

// Physical schemas in the execution engine. User SQL may never name them.
const (
	SchemaAnalytics = "analytics"
	SchemaWarehouse = "warehouse"
	SchemaExports   = "exports"
)

// Well-known system table names.
const (
	TableEvents              = "events"
	TablePersons             = "persons"
	TableSessions            = "sessions"
	TableGroups              = "groups"
	TableCohortPeople        = "cohort_people"
	TableLogEntries          = "log_entries"
	TableErrorTrackingIssues = "error_tracking_issues"
	TableDocumentEmbeddings  = "document_embeddings"
	TableWebOverviewDaily    = "web_overview_daily"
	TableWebStatsDaily       = "web_stats_daily"
)

func raw(name string, fields ...Field) TableDescription {
	return TableDescription{
		Name:       name,
		Kind:       KindRaw,
		Fields:     fields,
		Physical:   SchemaAnalytics + "." + name,
		TeamColumn: "team_id",
		System:     true,
	}
}

func f(name string, typ FieldType) Field { return Field{Name: name, Type: typ} }

func nf(name string, typ FieldType) Field { return Field{Name: name, Type: typ, Nullable: true} }

// SystemTables returns the tables every tenant sees.
func SystemTables() []TableDescription {
	webOverview := raw(TableWebOverviewDaily,
		f("day_bucket", TypeDate),
		nf("host", TypeString),
		nf("device_type", TypeString),
		f("persons_uniq_state", TypeState),
		f("pageviews_count_state", TypeState),
		f("sessions_uniq_state", TypeState),
		f("total_session_duration_state", TypeState),
		f("total_bounces_state", TypeState),
	)
	webOverview.Kind = KindRollup
	webOverview.Rollup = &RollupSpec{
		DateColumn: "day_bucket",
		Grain:      schema.IntervalDay,
		Dimensions: map[string]string{
			"$host":        "host",
			"$device_type": "device_type",
		},
	}

	webStats := raw(TableWebStatsDaily,
		f("day_bucket", TypeDate),
		nf("host", TypeString),
		nf("device_type", TypeString),
		nf("browser", TypeString),
		nf("os", TypeString),
		nf("referring_domain", TypeString),
		nf("viewport", TypeString),
		nf("utm_source", TypeString),
		nf("utm_medium", TypeString),
		nf("utm_campaign", TypeString),
		nf("utm_term", TypeString),
		nf("utm_content", TypeString),
		nf("country", TypeString),
		f("persons_uniq_state", TypeState),
		f("sessions_uniq_state", TypeState),
		f("pageviews_count_state", TypeState),
	)
	webStats.Kind = KindRollup
	webStats.Rollup = &RollupSpec{
		DateColumn: "day_bucket",
		Grain:      schema.IntervalDay,
		Dimensions: map[string]string{
			"$host":               "host",
			"$device_type":        "device_type",
			"$browser":            "browser",
			"$os":                 "os",
			"$referring_domain":   "referring_domain",
			"$viewport":           "viewport",
			"utm_source":          "utm_source",
			"utm_medium":          "utm_medium",
			"utm_campaign":        "utm_campaign",
			"utm_term":            "utm_term",
			"utm_content":         "utm_content",
			"$geoip_country_code": "country",
		},
	}

	return []TableDescription{
		raw(TableEvents,
			f("uuid", TypeString),
			f("event", TypeString),
			f("timestamp", TypeDateTime),
			f("distinct_id", TypeString),
			nf("person_id", TypeString),
			nf("session_id", TypeString),
			f("properties", TypeJSON),
			nf("person_properties", TypeJSON),
			nf("elements_chain", TypeString),
		),
		raw(TablePersons,
			f("id", TypeString),
			f("created_at", TypeDateTime),
			f("properties", TypeJSON),
			f("is_identified", TypeBoolean),
		),
		raw(TableSessions,
			f("session_id", TypeString),
			f("distinct_id", TypeString),
			nf("person_id", TypeString),
			f("min_timestamp", TypeDateTime),
			f("max_timestamp", TypeDateTime),
			f("duration", TypeFloat),
			f("pageview_count", TypeInteger),
			nf("entry_url", TypeString),
			nf("exit_url", TypeString),
			f("is_bounce", TypeBoolean),
		),
		raw(TableGroups,
			f("group_type_index", TypeInteger),
			f("group_key", TypeString),
			f("created_at", TypeDateTime),
			f("properties", TypeJSON),
		),
		raw(TableCohortPeople,
			f("cohort_id", TypeInteger),
			f("person_id", TypeString),
		),
		raw(TableLogEntries,
			f("log_source", TypeString),
			f("log_source_id", TypeString),
			nf("instance_id", TypeString),
			f("timestamp", TypeDateTime),
			f("level", TypeString),
			f("message", TypeString),
		),
		raw(TableErrorTrackingIssues,
			f("id", TypeString),
			f("status", TypeString),
			nf("name", TypeString),
			nf("description", TypeString),
			f("first_seen", TypeDateTime),
		),
		raw(TableDocumentEmbeddings,
			f("product", TypeString),
			f("document_type", TypeString),
			f("document_id", TypeString),
			f("timestamp", TypeDateTime),
			nf("content", TypeString),
			f("embedding", TypeArray),
		),
		webOverview,
		webStats,
	}
}
