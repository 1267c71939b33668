package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/hogql"
	"duck-analytics/internal/schema"
)

type partition struct {
	tables map[string]TableDescription
	deps   map[string][]string
}

func newPartition() *partition {
	return &partition{tables: map[string]TableDescription{}, deps: map[string][]string{}}
}

func (p *partition) clone() *partition {
	return &partition{tables: maps.Clone(p.tables), deps: maps.Clone(p.deps)}
}

// Registry resolves logical table names per tenant. System tables are shared;
// tenant tables live in a per-tenant partition.
type Registry struct {
	mu      sync.RWMutex
	system  map[string]TableDescription
	tenants map[int64]*partition
	repo    domain.TableDefinitionRepository
	logger  *slog.Logger
}

// New creates a registry seeded with SystemTables. repo may be nil, in which
// case tenant registrations live in memory only.
func New(repo domain.TableDefinitionRepository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		system:  map[string]TableDescription{},
		tenants: map[int64]*partition{},
		repo:    repo,
		logger:  logger.With("component", "registry"),
	}
	for _, t := range SystemTables() {
		r.system[key(t.Name)] = t
	}
	return r
}

func key(name string) string { return strings.ToLower(name) }

// Resolve returns the table visible to teamID under name.
func (r *Registry) Resolve(_ context.Context, teamID int64, name string) (*TableDescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.lookup(teamID, name); ok {
		out := t.clone()
		return &out, nil
	}
	return nil, domain.ErrCompile(domain.CompileTableNotFound, "table %q not found", name)
}

func (r *Registry) lookup(teamID int64, name string) (TableDescription, bool) {
	if t, ok := r.system[key(name)]; ok {
		return t, true
	}
	if p, ok := r.tenants[teamID]; ok {
		if t, ok := p.tables[key(name)]; ok {
			return t, true
		}
	}
	return TableDescription{}, false
}

// Tables returns every table visible to teamID keyed by name.
func (r *Registry) Tables(_ context.Context, teamID int64) map[string]TableDescription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]TableDescription, len(r.system))
	for _, t := range r.system {
		out[t.Name] = t.clone()
	}
	if p, ok := r.tenants[teamID]; ok {
		for _, t := range p.tables {
			out[t.Name] = t.clone()
		}
	}
	return out
}

// Names returns the sorted names visible to teamID.
func (r *Registry) Names(ctx context.Context, teamID int64) []string {
	names := slices.Collect(maps.Keys(r.Tables(ctx, teamID)))
	slices.Sort(names)
	return names
}

// Register adds or replaces a tenant table. Physical identifiers of tenant
// tables are derived from the team id; caller-supplied ones are ignored.
// Registration fails with a CompileError when a dependency is missing or
// the definition would close a cycle.
func (r *Registry) Register(ctx context.Context, teamID int64, desc TableDescription) error {
	desc = desc.clone()
	if err := r.prepare(teamID, &desc); err != nil {
		return err
	}
	deps, err := Dependencies(desc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, hadPrev := r.tenants[teamID]
	if err := r.commit(teamID, desc, deps); err != nil {
		return err
	}
	if r.repo != nil {
		raw, err := json.Marshal(desc)
		if err == nil {
			err = r.repo.Upsert(ctx, &domain.TableDefinition{TeamID: teamID, Name: desc.Name, Definition: raw})
		}
		if err != nil {
			if hadPrev {
				r.tenants[teamID] = prev
			} else {
				delete(r.tenants, teamID)
			}
			return fmt.Errorf("persist table definition: %w", err)
		}
	}
	r.logger.Info("table registered", "team_id", teamID, "table", desc.Name, "kind", desc.Kind, "dependencies", deps)
	return nil
}

func (r *Registry) prepare(teamID int64, desc *TableDescription) error {
	if err := desc.validate(); err != nil {
		return domain.ErrValidation("%v", err)
	}
	if _, ok := r.system[key(desc.Name)]; ok {
		return domain.ErrConflict("table %q is a system table", desc.Name)
	}
	desc.System = false
	desc.TeamColumn = ""
	switch desc.Kind {
	case KindRaw, KindRollup:
		return domain.ErrValidation("%s tables are system managed", desc.Kind)
	case KindDataWarehouse:
		desc.Physical = fmt.Sprintf(`%s."t%d_%s"`, SchemaWarehouse, teamID, desc.Name)
	case KindBatchExport:
		desc.Physical = fmt.Sprintf(`%s."t%d_%s"`, SchemaExports, teamID, desc.Name)
	case KindMaterializedView:
		desc.Physical = fmt.Sprintf(`%s."t%d_mv_%s"`, SchemaWarehouse, teamID, desc.Name)
	default:
		desc.Physical = ""
		desc.Materialized = false
	}
	return nil
}

// commit installs desc after checking dependencies and cycles. Caller holds mu.
func (r *Registry) commit(teamID int64, desc TableDescription, deps []string) error {
	current, ok := r.tenants[teamID]
	if !ok {
		current = newPartition()
	}
	for _, dep := range deps {
		if key(dep) == key(desc.Name) {
			return domain.ErrCompile(domain.CompileCyclicView, "view %q references itself", desc.Name)
		}
		if _, ok := r.system[key(dep)]; ok {
			continue
		}
		if _, ok := current.tables[key(dep)]; !ok {
			return domain.ErrCompile(domain.CompileTableNotFound, "view %q references unknown table %q", desc.Name, dep)
		}
	}

	next := current.clone()
	next.tables[key(desc.Name)] = desc
	next.deps[key(desc.Name)] = deps
	if cycle := findCycle(next); cycle != nil {
		return domain.ErrCompile(domain.CompileCyclicView, "cyclic view definition: %s", strings.Join(cycle, " -> "))
	}
	r.tenants[teamID] = next
	return nil
}

// Unregister removes a tenant table. Tables other views depend on cannot be
// removed.
func (r *Registry) Unregister(ctx context.Context, teamID int64, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.tenants[teamID]
	if !ok {
		return domain.ErrNotFound("table %q not found", name)
	}
	if _, ok := p.tables[key(name)]; !ok {
		return domain.ErrNotFound("table %q not found", name)
	}
	for owner, deps := range p.deps {
		if owner == key(name) {
			continue
		}
		if slices.ContainsFunc(deps, func(d string) bool { return key(d) == key(name) }) {
			return domain.ErrConflict("table %q is referenced by %q", name, p.tables[owner].Name)
		}
	}
	if r.repo != nil {
		if err := r.repo.Delete(ctx, teamID, name); err != nil {
			return fmt.Errorf("delete table definition: %w", err)
		}
	}
	delete(p.tables, key(name))
	delete(p.deps, key(name))
	return nil
}

// Load restores persisted tenant tables. Definitions are installed in
// dependency order; entries that no longer validate are skipped and logged.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	defs, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list table definitions: %w", err)
	}
	pending := make([]domain.TableDefinition, 0, len(defs))
	pending = append(pending, defs...)

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(pending) > 0 {
		var retry []domain.TableDefinition
		var lastErr error
		for _, def := range pending {
			var desc TableDescription
			if err := json.Unmarshal(def.Definition, &desc); err != nil {
				r.logger.Warn("skipping undecodable table definition", "team_id", def.TeamID, "table", def.Name, "error", err)
				continue
			}
			deps, err := Dependencies(desc)
			if err == nil {
				err = r.commit(def.TeamID, desc, deps)
			}
			if err != nil {
				lastErr = err
				retry = append(retry, def)
			}
		}
		if len(retry) == len(pending) {
			for _, def := range retry {
				r.logger.Warn("skipping unresolvable table definition", "team_id", def.TeamID, "table", def.Name, "error", lastErr)
			}
			break
		}
		pending = retry
	}
	return nil
}

// findCycle runs a DFS with an explicit recursion stack over the partition's
// dependency edges and returns one cycle, or nil.
func findCycle(p *partition) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := map[string]int{}
	var stack []string
	var visit func(n string) []string
	visit = func(n string) []string {
		state[n] = onStack
		stack = append(stack, n)
		for _, dep := range p.deps[n] {
			d := key(dep)
			if _, tenant := p.tables[d]; !tenant {
				continue
			}
			switch state[d] {
			case onStack:
				i := slices.Index(stack, d)
				cycle := append(slices.Clone(stack[i:]), d)
				return cycle
			case unvisited:
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}
	names := slices.Sorted(maps.Keys(p.tables))
	for _, n := range names {
		if state[n] == unvisited {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// Dependencies lists the logical tables a description reads through its
// defining query.
func Dependencies(desc TableDescription) ([]string, error) {
	if desc.DefiningQuery == nil {
		return nil, nil
	}
	return QueryDependencies(*desc.DefiningQuery)
}

// QueryDependencies lists the logical tables q reads.
func QueryDependencies(q schema.Query) ([]string, error) {
	var out []string
	add := func(names ...string) {
		for _, n := range names {
			if !slices.Contains(out, n) {
				out = append(out, n)
			}
		}
	}
	addSeries := func(series []schema.Series) {
		for _, s := range series {
			if s.DataWarehouse != nil {
				add(s.DataWarehouse.TableName)
			} else {
				add(TableEvents)
			}
		}
	}
	switch b := q.Effective().Body().(type) {
	case *schema.HogQLQuery:
		refs, err := hogql.TableReferences(b.Query)
		if err != nil {
			return nil, domain.ErrValidation("defining query: %v", err)
		}
		add(refs...)
	case *schema.TrendsQuery:
		addSeries(b.Series)
	case *schema.FunnelsQuery:
		addSeries(b.Series)
	case *schema.StickinessQuery:
		addSeries(b.Series)
	case *schema.LifecycleQuery:
		addSeries(b.Series)
	case *schema.ExperimentQuery:
		add(TableEvents)
		addSeries([]schema.Series{b.Metric})
	case *schema.RetentionQuery, *schema.PathsQuery, *schema.EventsQuery, *schema.TracesQuery,
		*schema.ExperimentExposureQuery:
		add(TableEvents)
	case *schema.ActorsQuery:
		add(TablePersons)
	case *schema.SessionsQuery:
		add(TableSessions)
	case *schema.WebOverviewQuery, *schema.WebStatsTableQuery:
		add(TableEvents, TableSessions)
	case *schema.ErrorTrackingQuery:
		add(TableErrorTrackingIssues, TableEvents)
	case *schema.VectorSearchQuery:
		add(TableDocumentEmbeddings)
	case *schema.DatabaseSchemaQuery:
	default:
		return nil, domain.ErrValidation("unsupported defining query kind %s", q.Kind())
	}
	return out, nil
}
