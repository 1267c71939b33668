package compiler

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"duck-analytics/internal/domain"
)

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func col(alias, name string) string {
	return alias + "." + quoteIdent(name)
}

func strLit(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// tsLit renders an instant as a TIMESTAMPTZ literal in UTC.
func tsLit(t time.Time) string {
	return "TIMESTAMPTZ " + strLit(t.UTC().Format("2006-01-02 15:04:05.999999")+"+00")
}

// localLit renders the wall clock of t as a naive TIMESTAMP literal.
func localLit(t time.Time) string {
	return "TIMESTAMP " + strLit(t.Format("2006-01-02 15:04:05"))
}

func dateLit(t time.Time) string {
	return "DATE " + strLit(t.Format("2006-01-02"))
}

// jsonPath extracts key from a JSON column as VARCHAR.
func jsonPath(column, key string) (string, error) {
	if key == "" {
		return "", domain.ErrValidation("property key is required")
	}
	for _, r := range key {
		if r == '"' || r == '\\' || r < 0x20 {
			return "", domain.ErrValidation("property key %q contains unsupported characters", key)
		}
	}
	return fmt.Sprintf("json_extract_string(%s, %s)", column, strLit(`$."`+key+`"`)), nil
}

// scalarText renders a filter value the way it compares against VARCHAR
// property values.
func scalarText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return "", domain.ErrValidation("non-finite filter value")
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", domain.ErrValidation("unsupported filter value %v", v)
	}
}

func numberLit(v any) (string, error) {
	text, err := scalarText(v)
	if err != nil {
		return "", err
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return "", domain.ErrValidation("filter value %q is not a number", text)
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// valueList normalizes a scalar or array filter value to its elements.
func valueList(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

// typedLit renders a HogQL placeholder value as a typed SQL literal.
func typedLit(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return strLit(x), nil
	case bool:
		if x {
			return "TRUE", nil
		}
		return "FALSE", nil
	case json.Number, float64, int, int64:
		return numberLit(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			p, err := typedLit(e)
			if err != nil {
				return "", err
			}
			parts = append(parts, p)
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	default:
		return "", domain.ErrValidation("unsupported placeholder value of type %T", v)
	}
}

func castDouble(expr string) string {
	return "CAST(" + expr + " AS DOUBLE)"
}
