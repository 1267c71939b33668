// Package registry maps logical table names to physical table descriptions
// per tenant and keeps the view dependency graph acyclic.
package registry

import (
	"fmt"
	"regexp"
	"strings"

	"duck-analytics/internal/schema"
)

// PhysicalKind says what backs a logical table.
type PhysicalKind string

// Physical kinds.
const (
	KindRaw              PhysicalKind = "raw"
	KindRollup           PhysicalKind = "rollup"
	KindDataWarehouse    PhysicalKind = "data_warehouse"
	KindView             PhysicalKind = "view"
	KindMaterializedView PhysicalKind = "materialized_view"
	KindManagedView      PhysicalKind = "managed_view"
	KindBatchExport      PhysicalKind = "batch_export"
)

// Valid reports whether k is a known kind.
func (k PhysicalKind) Valid() bool {
	switch k {
	case KindRaw, KindRollup, KindDataWarehouse, KindView, KindMaterializedView, KindManagedView, KindBatchExport:
		return true
	}
	return false
}

// HasDefiningQuery reports whether tables of this kind are defined by a query.
func (k PhysicalKind) HasDefiningQuery() bool {
	return k == KindView || k == KindMaterializedView || k == KindManagedView
}

// FieldType is the semantic type of a column.
type FieldType string

// Field types.
const (
	TypeString   FieldType = "string"
	TypeInteger  FieldType = "integer"
	TypeFloat    FieldType = "float"
	TypeBoolean  FieldType = "boolean"
	TypeDateTime FieldType = "datetime"
	TypeDate     FieldType = "date"
	TypeJSON     FieldType = "json"
	TypeArray    FieldType = "array"
	// TypeState marks a partially aggregated rollup value.
	TypeState FieldType = "state"
)

// Field is one column.
type Field struct {
	Name     string    `json:"name" yaml:"name"`
	Type     FieldType `json:"type" yaml:"type"`
	Nullable bool      `json:"nullable" yaml:"nullable"`
}

// StateSuffix marks aggregate-state columns in rollup tables.
const StateSuffix = "_state"

// IsState reports whether the field holds an aggregate state.
func (f Field) IsState() bool {
	return f.Type == TypeState || strings.HasSuffix(f.Name, StateSuffix)
}

// RollupSpec describes what a rollup table can answer.
type RollupSpec struct {
	// DateColumn is the bucket column; Grain its granularity.
	DateColumn string          `json:"date_column"`
	Grain      schema.Interval `json:"grain"`
	// Dimensions maps filterable event/session properties to rollup columns.
	Dimensions map[string]string `json:"dimensions"`
}

// Column returns the rollup column for a property key.
func (r *RollupSpec) Column(property string) (string, bool) {
	if r == nil {
		return "", false
	}
	col, ok := r.Dimensions[property]
	return col, ok
}

// TableDescription describes one logical table.
type TableDescription struct {
	Name   string       `json:"name"`
	Kind   PhysicalKind `json:"kind"`
	Fields []Field      `json:"fields"`
	// Physical is the printed identifier in the execution engine. Empty for
	// tables that only exist through their defining query.
	Physical string `json:"physical,omitempty"`
	// TeamColumn is the tenant column every read is constrained on.
	TeamColumn    string        `json:"team_column,omitempty"`
	DefiningQuery *schema.Query `json:"defining_query,omitempty"`
	Rollup        *RollupSpec   `json:"rollup,omitempty"`
	// Materialized marks a materialized view whose physical table is populated.
	Materialized bool `json:"materialized,omitempty"`
	// System tables are shared by every tenant and cannot be replaced.
	System bool `json:"system,omitempty"`
}

// Field returns the named column.
func (d *TableDescription) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return Field{}, false
}

// HasField reports whether the table has the named column.
func (d *TableDescription) HasField(name string) bool {
	_, ok := d.Field(name)
	return ok
}

// StateFields returns the aggregate-state columns.
func (d *TableDescription) StateFields() []Field {
	var out []Field
	for _, f := range d.Fields {
		if f.IsState() {
			out = append(out, f)
		}
	}
	return out
}

// SchemaTable converts the description to its introspection form.
func (d *TableDescription) SchemaTable() schema.DatabaseSchemaTable {
	out := schema.DatabaseSchemaTable{Name: d.Name, Type: string(d.Kind), Fields: make([]schema.DatabaseSchemaField, 0, len(d.Fields))}
	for _, f := range d.Fields {
		out.Fields = append(out.Fields, schema.DatabaseSchemaField{Name: f.Name, Type: string(f.Type), Nullable: f.Nullable})
	}
	return out
}

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,127}$`)

func (d *TableDescription) validate() error {
	if !namePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid table name %q", d.Name)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("unknown physical kind %q", d.Kind)
	}
	if d.Kind.HasDefiningQuery() && d.DefiningQuery == nil {
		return fmt.Errorf("%s %q requires a defining query", d.Kind, d.Name)
	}
	if !d.Kind.HasDefiningQuery() && d.DefiningQuery != nil {
		return fmt.Errorf("%s %q cannot have a defining query", d.Kind, d.Name)
	}
	if d.Kind == KindRollup && d.Rollup == nil {
		return fmt.Errorf("rollup %q requires a rollup spec", d.Name)
	}
	seen := map[string]bool{}
	for _, f := range d.Fields {
		if !namePattern.MatchString(f.Name) {
			return fmt.Errorf("invalid field name %q", f.Name)
		}
		key := strings.ToLower(f.Name)
		if seen[key] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[key] = true
	}
	return nil
}

func (d TableDescription) clone() TableDescription {
	out := d
	out.Fields = append([]Field(nil), d.Fields...)
	return out
}
