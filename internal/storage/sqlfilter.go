package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
)

// CompileFilter renders a filter as a SQLite predicate over a JSON model column.
// The predicate agrees with Filter.Match on every model.
func CompileFilter(filter datastore.Filter, column string) (string, []any) {
	switch typed := filter.(type) {
	case *datastore.FilterOperator:
		return compileOperator(typed, column)
	case datastore.And:
		return compileNested(typed.Filters, column, " AND ")
	case datastore.Or:
		return compileNested(typed.Filters, column, " OR ")
	case datastore.Not:
		clause, args := CompileFilter(typed.Filter, column)
		return "NOT (" + clause + ")", args
	default:
		datastore.BadCoding("uncompilable filter %T", filter)
		return "", nil
	}
}

// JSONPath returns the json_extract path of a field.
func JSONPath(field string) string {
	return fmt.Sprintf(`$."%s"`, field)
}

func compileNested(filters []datastore.Filter, column, separator string) (string, []any) {
	clauses := make([]string, 0, len(filters))
	var args []any
	for _, nested := range filters {
		clause, nestedArgs := CompileFilter(nested, column)
		clauses = append(clauses, "("+clause+")")
		args = append(args, nestedArgs...)
	}
	return strings.Join(clauses, separator), args
}

func compileOperator(filter *datastore.FilterOperator, column string) (string, []any) {
	path := JSONPath(filter.Field)
	extract := fmt.Sprintf("json_extract(%s, ?)", column)
	jsonType := fmt.Sprintf("json_type(%s, ?)", column)
	value := bindValue(filter.Value)

	switch filter.Operator {
	case datastore.OperatorEqual:
		if filter.Value == nil {
			return extract + " IS NULL", []any{path}
		}
		return strict(typeGuard(jsonType, filter.Value) + " AND " + extract + " = ?"), []any{path, path, value}
	case datastore.OperatorNotEqual:
		if filter.Value == nil {
			return extract + " IS NOT NULL", []any{path}
		}
		return "NOT " + strict(typeGuard(jsonType, filter.Value)+" AND "+extract+" = ?"), []any{path, path, value}
	case datastore.OperatorEqualIgnoreCase:
		return strict(jsonType + " = 'text' AND lower(" + extract + ") = lower(?)"), []any{path, path, value}
	case datastore.OperatorLike:
		return strict(jsonType + " = 'text' AND lower(" + extract + ") LIKE lower(?)"), []any{path, path, value}
	default:
		if _, isBool := filter.Value.(bool); isBool {
			return "1 = 0", nil
		}
		return strict(typeGuard(jsonType, filter.Value) + " AND " + extract + " " + filter.Operator + " ?"), []any{path, path, value}
	}
}

// strict folds SQL NULL into false so NOT and OR behave like the in-memory match.
func strict(clause string) string {
	return "COALESCE((" + clause + "), 0)"
}

// typeGuard restricts comparisons to values of the same JSON kind, as Filter.Match does.
func typeGuard(jsonType string, value any) string {
	switch value.(type) {
	case string:
		return jsonType + " = 'text'"
	case bool:
		return jsonType + " IN ('true', 'false')"
	default:
		return jsonType + " IN ('integer', 'real')"
	}
}

func bindValue(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if parsed, err := typed.Float64(); err == nil {
			return parsed
		}
		return typed.String()
	case bool:
		if typed {
			return 1
		}
		return 0
	default:
		return value
	}
}
