package datastore

import (
	"encoding/json"
	"strings"

	"github.com/gobwas/glob"
)

// Operators accepted by FilterOperator.
const (
	OperatorEqual            = "="
	OperatorNotEqual         = "!="
	OperatorLess             = "<"
	OperatorGreater          = ">"
	OperatorGreaterOrEqual   = ">="
	OperatorLessOrEqual      = "<="
	OperatorEqualIgnoreCase  = "~="
	OperatorLike             = "%="
	globMetaCharacters       = `\*?[]{}`
	likeAnyCharacterSequence = '%'
	likeAnySingleCharacter   = '_'
)

// Filter is a predicate over one model.
type Filter interface {
	// Match evaluates the filter against a materialized model.
	Match(model Model) bool
	isFilter()
}

// FilterOperator compares one field to a value.
type FilterOperator struct {
	Field    string
	Operator string
	Value    any

	pattern glob.Glob
}

// And matches when all nested filters match.
type And struct {
	Filters []Filter
}

// Or matches when any nested filter matches.
type Or struct {
	Filters []Filter
}

// Not inverts a filter.
type Not struct {
	Filter Filter
}

func (*FilterOperator) isFilter() {}
func (And) isFilter()             {}
func (Or) isFilter()              {}
func (Not) isFilter()             {}

// NewFilterOperator validates and builds a FilterOperator.
func NewFilterOperator(field, operator string, value any) (*FilterOperator, error) {
	if err := ValidateQueryField(field); err != nil {
		return nil, err
	}
	switch value.(type) {
	case nil, string, float64, bool, int, int64, json.Number:
	default:
		return nil, NewInvalidFormatError("filter value for %s must be a scalar", field)
	}
	filter := &FilterOperator{Field: field, Operator: operator, Value: value}
	switch operator {
	case OperatorEqual, OperatorNotEqual:
	case OperatorLess, OperatorGreater, OperatorGreaterOrEqual, OperatorLessOrEqual:
		if value == nil {
			return nil, NewInvalidFormatError("operator %s needs a value for %s", operator, field)
		}
	case OperatorEqualIgnoreCase:
		if _, ok := value.(string); !ok {
			return nil, NewInvalidFormatError("operator %s needs a string value for %s", operator, field)
		}
	case OperatorLike:
		pattern, ok := value.(string)
		if !ok {
			return nil, NewInvalidFormatError("operator %s needs a string value for %s", operator, field)
		}
		compiled, err := glob.Compile(likeToGlob(strings.ToLower(pattern)))
		if err != nil {
			return nil, NewInvalidFormatError("invalid pattern %q: %v", pattern, err)
		}
		filter.pattern = compiled
	default:
		return nil, NewInvalidFormatError("invalid filter operator %q", operator)
	}
	return filter, nil
}

// Match implements Filter.
func (filter *FilterOperator) Match(model Model) bool {
	current, present := model[filter.Field]
	switch filter.Operator {
	case OperatorEqual:
		return equalValues(current, present, filter.Value)
	case OperatorNotEqual:
		return !equalValues(current, present, filter.Value)
	case OperatorEqualIgnoreCase:
		text, ok := current.(string)
		return ok && strings.EqualFold(text, filter.Value.(string))
	case OperatorLike:
		text, ok := current.(string)
		return ok && filter.pattern.Match(strings.ToLower(text))
	default:
		comparison, ok := compareValues(current, filter.Value)
		if !ok {
			return false
		}
		switch filter.Operator {
		case OperatorLess:
			return comparison < 0
		case OperatorGreater:
			return comparison > 0
		case OperatorGreaterOrEqual:
			return comparison >= 0
		default:
			return comparison <= 0
		}
	}
}

// Match implements Filter.
func (filter And) Match(model Model) bool {
	for _, nested := range filter.Filters {
		if !nested.Match(model) {
			return false
		}
	}
	return true
}

// Match implements Filter.
func (filter Or) Match(model Model) bool {
	for _, nested := range filter.Filters {
		if nested.Match(model) {
			return true
		}
	}
	return false
}

// Match implements Filter.
func (filter Not) Match(model Model) bool {
	return !filter.Filter.Match(model)
}

// ParseFilter decodes the wire filter grammar.
func ParseFilter(raw json.RawMessage) (Filter, error) {
	var envelope struct {
		Field     *string           `json:"field"`
		Operator  *string           `json:"operator"`
		Value     json.RawMessage   `json:"value"`
		AndFilter []json.RawMessage `json:"and_filter"`
		OrFilter  []json.RawMessage `json:"or_filter"`
		NotFilter json.RawMessage   `json:"not_filter"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, NewInvalidFormatError("invalid filter: %v", err)
	}
	switch {
	case envelope.AndFilter != nil:
		nested, err := parseFilters(envelope.AndFilter)
		if err != nil {
			return nil, err
		}
		return And{Filters: nested}, nil
	case envelope.OrFilter != nil:
		nested, err := parseFilters(envelope.OrFilter)
		if err != nil {
			return nil, err
		}
		return Or{Filters: nested}, nil
	case envelope.NotFilter != nil:
		nested, err := ParseFilter(envelope.NotFilter)
		if err != nil {
			return nil, err
		}
		return Not{Filter: nested}, nil
	case envelope.Field != nil && envelope.Operator != nil:
		var value any
		if len(envelope.Value) > 0 {
			if err := json.Unmarshal(envelope.Value, &value); err != nil {
				return nil, NewInvalidFormatError("invalid filter value: %v", err)
			}
		}
		return NewFilterOperator(*envelope.Field, *envelope.Operator, value)
	default:
		return nil, NewInvalidFormatError("invalid filter: %s", string(raw))
	}
}

func parseFilters(raws []json.RawMessage) ([]Filter, error) {
	if len(raws) == 0 {
		return nil, NewInvalidFormatError("filter lists must not be empty")
	}
	filters := make([]Filter, 0, len(raws))
	for _, raw := range raws {
		filter, err := ParseFilter(raw)
		if err != nil {
			return nil, err
		}
		filters = append(filters, filter)
	}
	return filters, nil
}

func equalValues(current any, present bool, expected any) bool {
	if expected == nil {
		return !present || current == nil
	}
	if !present {
		return false
	}
	if comparison, ok := compareValues(current, expected); ok {
		return comparison == 0
	}
	return ValuesEqual(current, expected)
}

func compareValues(current, expected any) (int, bool) {
	if currentNumber, ok := asFloat(current); ok {
		expectedNumber, ok := asFloat(expected)
		if !ok {
			return 0, false
		}
		switch {
		case currentNumber < expectedNumber:
			return -1, true
		case currentNumber > expectedNumber:
			return 1, true
		default:
			return 0, true
		}
	}
	currentText, ok := current.(string)
	if !ok {
		return 0, false
	}
	expectedText, ok := expected.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(currentText, expectedText), true
}

func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case bool, string, nil:
		return 0, false
	default:
		if _, isList := value.([]any); isList {
			return 0, false
		}
		if _, isMap := value.(map[string]any); isMap {
			return 0, false
		}
		return float64(toInt64(value)), true
	}
}

// likeToGlob rewrites an SQL LIKE pattern into glob syntax.
func likeToGlob(pattern string) string {
	var builder strings.Builder
	for _, character := range pattern {
		switch {
		case character == likeAnyCharacterSequence:
			builder.WriteRune('*')
		case character == likeAnySingleCharacter:
			builder.WriteRune('?')
		case strings.ContainsRune(globMetaCharacters, character):
			builder.WriteRune('\\')
			builder.WriteRune(character)
		default:
			builder.WriteRune(character)
		}
	}
	return builder.String()
}
