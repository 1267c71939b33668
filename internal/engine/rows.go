package engine

import (
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
)

// normalize turns a scanned DuckDB value into a JSON friendly Go value so
// results encode the same way whether fresh or read back from the cache.
func normalize(dbType string, v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(t)
	case time.Time:
		if dbType == "DATE" {
			return t.Format(time.DateOnly)
		}
		return t.UTC().Format(time.RFC3339Nano)
	case *big.Int:
		if t.IsInt64() {
			return t.Int64()
		}
		f, _ := new(big.Float).SetInt(t).Float64()
		return f
	case duckdb.Decimal:
		return decimalFloat(t)
	case *duckdb.Decimal:
		if t == nil {
			return nil
		}
		return decimalFloat(*t)
	case duckdb.UUID:
		return uuid.UUID(t).String()
	case *duckdb.UUID:
		if t == nil {
			return nil
		}
		return uuid.UUID(*t).String()
	case duckdb.Interval:
		d := time.Duration(t.Micros)*time.Microsecond + time.Duration(t.Days)*24*time.Hour
		if t.Months != 0 {
			return fmt.Sprintf("%d months %s", t.Months, d)
		}
		return d.String()
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case float32:
		return normalize(dbType, float64(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize("", e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize("", e)
		}
		return out
	case duckdb.Map:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize("", e)
		}
		return out
	default:
		return v
	}
}

func decimalFloat(d duckdb.Decimal) float64 {
	if d.Value == nil {
		return 0
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d.Scale)), nil))
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(d.Value), scale).Float64()
	return f
}
