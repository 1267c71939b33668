package compiler

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"duck-analytics/internal/domain"
)

func toFloat(v any) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int8:
		f = float64(x)
	case int16:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint8:
		f = float64(x)
	case uint16:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		f, _ = x.Float64()
	case string:
		f, _ = strconv.ParseFloat(x, 64)
	case bool:
		if x {
			f = 1
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func toInt(v any) int64 {
	return int64(math.Round(toFloat(v)))
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// optFloat returns nil for SQL NULL.
func optFloat(v any) *float64 {
	if v == nil {
		return nil
	}
	f := toFloat(v)
	return &f
}

// columnIndex maps column names to positions.
func columnIndex(r *domain.Rows) map[string]int {
	out := make(map[string]int, len(r.Columns))
	for i, c := range r.Columns {
		out[c] = i
	}
	return out
}

// cell reads a named column of a row; missing columns read as nil.
func cell(idx map[string]int, row []any, name string) any {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return nil
	}
	return row[i]
}
