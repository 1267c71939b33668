// Package tenant loads per-team settings and team-owned tables from a YAML
// document and serves them to the query core.
package tenant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"duck-analytics/internal/domain"
	"duck-analytics/internal/registry"
	"duck-analytics/internal/schema"
)

// Document identification.
const (
	SupportedAPIVersion = "duck-analytics/v1"
	KindTeamList        = "TeamList"
)

// TableSpec is a team-owned table as written in YAML.
type TableSpec struct {
	Name          string           `yaml:"name"`
	Kind          string           `yaml:"kind"`
	Fields        []registry.Field `yaml:"fields"`
	DefiningQuery map[string]any   `yaml:"defining_query,omitempty"`
	Materialized  bool             `yaml:"materialized,omitempty"`
}

// TeamSpec is one team as written in YAML.
type TeamSpec struct {
	ID                 int64            `yaml:"id"`
	Name               string           `yaml:"name"`
	Timezone           string           `yaml:"timezone,omitempty"`
	Modifiers          map[string]any   `yaml:"modifiers,omitempty"`
	TestAccountFilters []map[string]any `yaml:"test_account_filters,omitempty"`
	Tables             []TableSpec      `yaml:"tables,omitempty"`
}

// Document is the root of a teams file.
type Document struct {
	APIVersion string     `yaml:"apiVersion"`
	Kind       string     `yaml:"kind"`
	Teams      []TeamSpec `yaml:"teams"`
}

// Directory resolves team settings. A strict directory only knows the teams
// it was loaded with; a lax one answers any positive id with UTC defaults.
type Directory struct {
	mu     sync.RWMutex
	teams  map[int64]domain.Team
	tables map[int64][]registry.TableDescription
	strict bool
}

var _ domain.TeamDirectory = (*Directory)(nil)

// NewLax returns a directory that accepts every team id.
func NewLax() *Directory {
	return &Directory{teams: map[int64]domain.Team{}, tables: map[int64][]registry.TableDescription{}}
}

// LoadFile reads a teams document. The resulting directory is strict.
func LoadFile(path string) (*Directory, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config file
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Parse decodes a teams document, rejecting unknown fields.
func Parse(data []byte) (*Directory, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse teams document: %w", err)
	}
	if doc.APIVersion != SupportedAPIVersion {
		return nil, fmt.Errorf("unsupported apiVersion %q (expected %q)", doc.APIVersion, SupportedAPIVersion)
	}
	if doc.Kind != KindTeamList {
		return nil, fmt.Errorf("unexpected kind %q (expected %q)", doc.Kind, KindTeamList)
	}

	d := &Directory{teams: map[int64]domain.Team{}, tables: map[int64][]registry.TableDescription{}, strict: true}
	for i, spec := range doc.Teams {
		team, tables, err := spec.build()
		if err != nil {
			return nil, fmt.Errorf("teams[%d]: %w", i, err)
		}
		if _, dup := d.teams[team.ID]; dup {
			return nil, fmt.Errorf("teams[%d]: duplicate team id %d", i, team.ID)
		}
		d.teams[team.ID] = team
		d.tables[team.ID] = tables
	}
	return d, nil
}

func (s TeamSpec) build() (domain.Team, []registry.TableDescription, error) {
	if s.ID <= 0 {
		return domain.Team{}, nil, fmt.Errorf("id must be positive")
	}
	team := domain.Team{ID: s.ID, Name: s.Name, Timezone: s.Timezone}
	if team.Timezone == "" {
		team.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(team.Timezone); err != nil {
		return domain.Team{}, nil, fmt.Errorf("team %d: %w", s.ID, err)
	}
	if len(s.Modifiers) > 0 {
		raw, err := json.Marshal(s.Modifiers)
		if err != nil {
			return domain.Team{}, nil, err
		}
		if _, err := DecodeModifiers(raw); err != nil {
			return domain.Team{}, nil, fmt.Errorf("team %d modifiers: %w", s.ID, err)
		}
		team.Modifiers = raw
	}
	if len(s.TestAccountFilters) > 0 {
		raw, err := json.Marshal(s.TestAccountFilters)
		if err != nil {
			return domain.Team{}, nil, err
		}
		if _, err := DecodeFilters(raw); err != nil {
			return domain.Team{}, nil, fmt.Errorf("team %d test_account_filters: %w", s.ID, err)
		}
		team.TestAccountFilters = raw
	}

	tables := make([]registry.TableDescription, 0, len(s.Tables))
	for _, ts := range s.Tables {
		desc := registry.TableDescription{
			Name:         ts.Name,
			Kind:         registry.PhysicalKind(ts.Kind),
			Fields:       ts.Fields,
			Materialized: ts.Materialized,
		}
		if ts.DefiningQuery != nil {
			raw, err := json.Marshal(ts.DefiningQuery)
			if err != nil {
				return domain.Team{}, nil, err
			}
			q, err := schema.Parse(raw)
			if err != nil {
				return domain.Team{}, nil, fmt.Errorf("table %q defining_query: %w", ts.Name, err)
			}
			desc.DefiningQuery = &q
		}
		tables = append(tables, desc)
	}
	return team, tables, nil
}

// Team implements domain.TeamDirectory.
func (d *Directory) Team(_ context.Context, id int64) (*domain.Team, error) {
	if id <= 0 {
		return nil, domain.ErrValidation("team id must be positive")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if t, ok := d.teams[id]; ok {
		return &t, nil
	}
	if d.strict {
		return nil, domain.ErrNotFound("team %d not found", id)
	}
	return &domain.Team{ID: id, Timezone: "UTC"}, nil
}

// Put adds or replaces a team.
func (d *Directory) Put(t domain.Team) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teams[t.ID] = t
}

// IDs returns the configured team ids in ascending order.
func (d *Directory) IDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]int64, 0, len(d.teams))
	for id := range d.teams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Registrar is the part of the table registry Seed needs.
type Registrar interface {
	Register(ctx context.Context, teamID int64, desc registry.TableDescription) error
}

// Seed registers every team's tables in document order so views can build
// on tables declared before them.
func (d *Directory) Seed(ctx context.Context, reg Registrar, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, id := range d.IDs() {
		d.mu.RLock()
		tables := d.tables[id]
		d.mu.RUnlock()
		for _, desc := range tables {
			if err := reg.Register(ctx, id, desc); err != nil {
				return fmt.Errorf("team %d table %q: %w", id, desc.Name, err)
			}
		}
		if len(tables) > 0 {
			logger.Info("seeded team tables", "team_id", id, "tables", len(tables))
		}
	}
	return nil
}

// DecodeModifiers parses a team's modifier defaults.
func DecodeModifiers(raw json.RawMessage) (*schema.Modifiers, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var m schema.Modifiers
	if err := dec.Decode(&m); err != nil {
		return nil, domain.ErrValidation("modifiers: %v", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeFilters parses a team's test account filters.
func DecodeFilters(raw json.RawMessage) (schema.Properties, error) {
	var p schema.Properties
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return schema.Properties{}, domain.ErrValidation("test account filters: %v", err)
	}
	return p, nil
}
