// Package compiler turns a validated query into a physical DuckDB plan.
//
// Every physical table is read through a tenant-filtered source so no plan
// can observe another team's rows. Pre-aggregated rollups replace raw event
// scans only when every requested dimension and filter is one the rollup
// carries.
package compiler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

// Catalog is the table registry view the compiler needs.
type Catalog interface {
	Resolve(ctx context.Context, teamID int64, name string) (*registry.TableDescription, error)
	Tables(ctx context.Context, teamID int64) map[string]registry.TableDescription
}

// Options carries per-request compile inputs.
type Options struct {
	// Now anchors relative date ranges. Zero means time.Now().
	Now time.Time
	// Timezone is the tenant timezone. Nil means UTC.
	Timezone *time.Location
	// TeamModifiers are the tenant's modifier defaults.
	TeamModifiers *schema.Modifiers
	// TestAccountFilters apply when a query sets filterTestAccounts.
	TestAccountFilters schema.Properties
	// Explain requests the explanation and physical SQL on the plan.
	Explain bool
}

// Statement is one physical SQL statement of a plan.
type Statement struct {
	Name string
	SQL  string
}

// Debug is attached to a plan only under debug or explain.
type Debug struct {
	Explanation []string `json:"explanation"`
	SQL         string   `json:"sql"`
}

// Plan is an executable physical plan.
type Plan struct {
	// Kind is the effective kind whose result type Assemble returns.
	Kind       schema.Kind
	Statements []Statement
	// Tables lists the logical tables the plan reads.
	Tables                  []string
	UsedPreaggregatedTables bool
	RollupTable             string
	Modifiers               schema.ResolvedModifiers
	// Timezone is the zone the plan buckets and anchors dates in.
	Timezone string
	// TestAccountFilters are the tenant filters the plan applied, if any.
	TestAccountFilters schema.Properties
	Debug              *Debug

	assemble func(rows []*domain.Rows) (schema.Result, error)
}

// SQL returns every statement joined for logging and debug output.
func (p *Plan) SQL() string {
	parts := make([]string, 0, len(p.Statements))
	for _, s := range p.Statements {
		parts = append(parts, fmt.Sprintf("-- %s\n%s", s.Name, s.SQL))
	}
	return strings.Join(parts, ";\n")
}

// Assemble builds the typed result from the rows of each statement, in
// statement order.
func (p *Plan) Assemble(rows []*domain.Rows) (schema.Result, error) {
	if len(rows) != len(p.Statements) {
		return nil, fmt.Errorf("plan %s: got %d row sets for %d statements", p.Kind, len(rows), len(p.Statements))
	}
	return p.assemble(rows)
}

const maxViewDepth = 16

// compilation holds the state of one Compile call.
type compilation struct {
	ctx     context.Context
	teamID  int64
	catalog Catalog
	mods    schema.ResolvedModifiers
	loc     *time.Location
	now     time.Time
	opts    Options

	tables       []string
	notes        []string
	depth        int
	aliases      int
	testAccounts bool
}

// Compile validates q and builds its physical plan. Request modifiers take
// precedence over the query's own, which take precedence over the tenant's.
func Compile(ctx context.Context, teamID int64, q schema.Query, mods *schema.Modifiers, catalog Catalog, opts Options) (*Plan, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := mods.Validate(); err != nil {
		return nil, err
	}
	eff := q.Effective()

	c := &compilation{
		ctx:     ctx,
		teamID:  teamID,
		catalog: catalog,
		mods:    schema.Merge(opts.TeamModifiers, eff.Modifiers(), mods).Resolve(),
		loc:     opts.Timezone,
		now:     opts.Now,
		opts:    opts,
	}
	if c.loc == nil || !c.mods.ConvertToProjectTimezone {
		c.loc = time.UTC
	}
	if c.now.IsZero() {
		c.now = time.Now()
	}
	c.note("kind %s, team %d, timezone %s", eff.Kind(), teamID, c.loc)
	c.note("modifiers: %s", c.mods)

	plan, err := c.compile(eff)
	if err != nil {
		return nil, err
	}
	plan.Kind = eff.Kind()
	plan.Tables = c.tables
	plan.Modifiers = c.mods
	plan.Timezone = c.loc.String()
	if c.testAccounts {
		plan.TestAccountFilters = c.opts.TestAccountFilters
	}

	explain := opts.Explain || c.mods.Debug
	if h, ok := eff.Body().(*schema.HogQLQuery); ok && h.Explain {
		explain = true
	}
	if explain {
		plan.Debug = &Debug{Explanation: c.notes, SQL: plan.SQL()}
	}
	return plan, nil
}

func (c *compilation) compile(q schema.Query) (*Plan, error) {
	switch b := q.Body().(type) {
	case *schema.TrendsQuery:
		return c.trends(b)
	case *schema.FunnelsQuery:
		return c.funnels(b)
	case *schema.RetentionQuery:
		return c.retention(b)
	case *schema.PathsQuery:
		return c.paths(b)
	case *schema.StickinessQuery:
		return c.stickiness(b)
	case *schema.LifecycleQuery:
		return c.lifecycle(b)
	case *schema.EventsQuery:
		return c.tabular(c.eventsSQL(b))
	case *schema.ActorsQuery:
		return c.tabular(c.actorsSQL(b))
	case *schema.SessionsQuery:
		return c.tabular(c.sessionsSQL(b))
	case *schema.HogQLQuery:
		return c.tabular(c.hogqlSQL(b))
	case *schema.WebOverviewQuery:
		return c.webOverview(b)
	case *schema.WebStatsTableQuery:
		return c.webStats(b)
	case *schema.ErrorTrackingQuery:
		return c.tabular(c.errorTrackingSQL(b))
	case *schema.TracesQuery:
		return c.tabular(c.tracesSQL(b))
	case *schema.VectorSearchQuery:
		return c.tabular(c.vectorSearchSQL(b))
	case *schema.ExperimentQuery:
		return c.experiment(b)
	case *schema.ExperimentExposureQuery:
		return c.experimentExposure(b)
	case *schema.DatabaseSchemaQuery:
		return c.databaseSchema()
	default:
		return nil, domain.ErrCompile(domain.CompileUnsupportedQuery, "query kind %s cannot be compiled", q.Kind())
	}
}

func (c *compilation) note(format string, args ...any) {
	c.notes = append(c.notes, fmt.Sprintf(format, args...))
}

func (c *compilation) alias(prefix string) string {
	c.aliases++
	return fmt.Sprintf("%s%d", prefix, c.aliases)
}

// resolve looks a table up and records it as referenced.
func (c *compilation) resolve(name string) (*registry.TableDescription, error) {
	desc, err := c.catalog.Resolve(c.ctx, c.teamID, name)
	if err != nil {
		return nil, err
	}
	c.use(desc.Name)
	return desc, nil
}

func (c *compilation) use(name string) {
	for _, t := range c.tables {
		if t == name {
			return
		}
	}
	c.tables = append(c.tables, name)
}

// source renders the FROM expression for a table. Tenant-shared physical
// tables are always wrapped with the team filter; views are inlined from
// their defining query unless a materialization may be read instead.
func (c *compilation) source(desc *registry.TableDescription) (string, error) {
	switch desc.Kind {
	case registry.KindView, registry.KindManagedView, registry.KindMaterializedView:
		if desc.Kind == registry.KindMaterializedView && desc.Materialized && c.mods.UseMaterializedViews {
			c.note("view %s read from materialization %s", desc.Name, desc.Physical)
			return c.physical(desc), nil
		}
		if desc.DefiningQuery == nil {
			return "", domain.ErrCompile(domain.CompileUnsupportedQuery, "view %q has no defining query", desc.Name)
		}
		if c.depth >= maxViewDepth {
			return "", domain.ErrCompile(domain.CompileCyclicView, "view %q nests deeper than %d levels", desc.Name, maxViewDepth)
		}
		c.depth++
		defer func() { c.depth-- }()
		sql, err := c.subquery(desc.DefiningQuery.Effective())
		if err != nil {
			return "", err
		}
		c.note("view %s inlined from its defining query", desc.Name)
		return "(" + sql + ")", nil
	default:
		return c.physical(desc), nil
	}
}

func (c *compilation) physical(desc *registry.TableDescription) string {
	if desc.TeamColumn == "" {
		return desc.Physical
	}
	return fmt.Sprintf("(SELECT * FROM %s WHERE %s = %d)", desc.Physical, quoteIdent(desc.TeamColumn), c.teamID)
}

// sourceOf resolves a table by name and returns its FROM expression.
func (c *compilation) sourceOf(name string) (string, *registry.TableDescription, error) {
	desc, err := c.resolve(name)
	if err != nil {
		return "", nil, err
	}
	src, err := c.source(desc)
	if err != nil {
		return "", nil, err
	}
	return src, desc, nil
}

// subquery compiles a view's defining query to a single tabular statement.
func (c *compilation) subquery(q schema.Query) (string, error) {
	var (
		sql string
		err error
	)
	switch b := q.Body().(type) {
	case *schema.HogQLQuery:
		sql, _, err = c.hogqlSQL(b)
	case *schema.EventsQuery:
		sql, _, err = c.eventsSQL(b)
	case *schema.ActorsQuery:
		sql, _, err = c.actorsSQL(b)
	case *schema.SessionsQuery:
		sql, _, err = c.sessionsSQL(b)
	case *schema.ErrorTrackingQuery:
		sql, _, err = c.errorTrackingSQL(b)
	case *schema.TracesQuery:
		sql, _, err = c.tracesSQL(b)
	default:
		return "", domain.ErrCompile(domain.CompileUnsupportedQuery, "%s cannot define a view", q.Kind())
	}
	return sql, err
}

// dateRange resolves r in the tenant timezone.
func (c *compilation) dateRange(r *schema.DateRange, interval schema.Interval) (schema.ResolvedRange, error) {
	rng, err := r.Resolve(c.now, c.loc, interval)
	if err != nil {
		return schema.ResolvedRange{}, domain.ErrValidation("dateRange: %v", err)
	}
	return rng, nil
}

// timeBounds renders the half-open range predicate on a timestamp column.
func timeBounds(column string, rng schema.ResolvedRange) string {
	if rng.All {
		return fmt.Sprintf("%s < %s", column, tsLit(rng.To))
	}
	return fmt.Sprintf("%s >= %s AND %s < %s", column, tsLit(rng.From), column, tsLit(rng.To))
}

// localTime converts a TIMESTAMPTZ column to tenant wall-clock time.
func (c *compilation) localTime(column string) string {
	return fmt.Sprintf("timezone(%s, %s)", strLit(c.loc.String()), column)
}

// bucket truncates a TIMESTAMPTZ column to an interval bucket in tenant
// wall-clock time. Weeks start on Sunday.
func (c *compilation) bucket(column string, interval schema.Interval) string {
	local := c.localTime(column)
	if interval.OrDefault() == schema.IntervalWeek {
		return fmt.Sprintf("(date_trunc('week', %s + INTERVAL 1 DAY) - INTERVAL 1 DAY)", local)
	}
	return fmt.Sprintf("date_trunc(%s, %s)", strLit(interval.DuckDBUnit()), local)
}

func bucketFormat(interval schema.Interval) (sqlFormat, goLayout string) {
	switch interval.OrDefault() {
	case schema.IntervalMinute, schema.IntervalHour:
		return "%Y-%m-%d %H:%M:%S", "2006-01-02 15:04:05"
	default:
		return "%Y-%m-%d", "2006-01-02"
	}
}

func (c *compilation) bucketLabel(column string, interval schema.Interval) string {
	format, _ := bucketFormat(interval)
	return fmt.Sprintf("strftime(%s, %s)", c.bucket(column, interval), strLit(format))
}

// buckets lists the bucket starts covering rng.
func buckets(rng schema.ResolvedRange, interval schema.Interval) []time.Time {
	var out []time.Time
	for t := interval.Truncate(rng.From); t.Before(rng.To); t = interval.Next(t) {
		out = append(out, t)
		if len(out) > 10000 {
			break
		}
	}
	return out
}

func intervalSQL(interval schema.Interval) string {
	switch interval.OrDefault() {
	case schema.IntervalMinute:
		return "INTERVAL 1 MINUTE"
	case schema.IntervalHour:
		return "INTERVAL 1 HOUR"
	case schema.IntervalWeek:
		return "INTERVAL 7 DAY"
	case schema.IntervalMonth:
		return "INTERVAL 1 MONTH"
	default:
		return "INTERVAL 1 DAY"
	}
}

func and(preds ...string) string {
	var parts []string
	for _, p := range preds {
		if p != "" && p != "TRUE" {
			parts = append(parts, "("+p+")")
		}
	}
	if len(parts) == 0 {
		return "TRUE"
	}
	return strings.Join(parts, " AND ")
}
