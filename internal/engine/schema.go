package engine

import (
	"fmt"
	"strings"

	"duck-analytics/internal/registry"
)

// columnType maps a logical field type onto its DuckDB storage type.
func columnType(f registry.Field) string {
	if f.IsState() {
		// Unique states hold the ids seen in the bucket; every other state
		// is an additive partial sum.
		if strings.HasSuffix(f.Name, "_uniq_state") {
			return "VARCHAR[]"
		}
		return "DOUBLE"
	}
	switch f.Type {
	case registry.TypeInteger:
		return "BIGINT"
	case registry.TypeFloat:
		return "DOUBLE"
	case registry.TypeBoolean:
		return "BOOLEAN"
	case registry.TypeDateTime:
		return "TIMESTAMPTZ"
	case registry.TypeDate:
		return "DATE"
	case registry.TypeJSON:
		return "JSON"
	case registry.TypeArray:
		return "DOUBLE[]"
	default:
		return "VARCHAR"
	}
}

// TableDDL renders CREATE TABLE for a physically backed description. Tables
// shared between tenants carry their team column first.
func TableDDL(desc registry.TableDescription) (string, error) {
	if desc.Physical == "" {
		return "", fmt.Errorf("table %q has no physical identifier", desc.Name)
	}
	cols := make([]string, 0, len(desc.Fields)+1)
	if desc.TeamColumn != "" {
		cols = append(cols, fmt.Sprintf(`"%s" BIGINT NOT NULL`, desc.TeamColumn))
	}
	for _, f := range desc.Fields {
		def := fmt.Sprintf(`"%s" %s`, f.Name, columnType(f))
		if !f.Nullable && !f.IsState() {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", desc.Physical, strings.Join(cols, ", ")), nil
}

// SchemaDDL creates the physical schemas and every system table.
func SchemaDDL() []string {
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + registry.SchemaAnalytics,
		"CREATE SCHEMA IF NOT EXISTS " + registry.SchemaWarehouse,
		"CREATE SCHEMA IF NOT EXISTS " + registry.SchemaExports,
	}
	for _, t := range registry.SystemTables() {
		ddl, err := TableDDL(t)
		if err != nil {
			continue
		}
		stmts = append(stmts, ddl)
	}
	return stmts
}
