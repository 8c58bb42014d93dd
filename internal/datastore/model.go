package datastore

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Model is the materialized document of one fqid, including the derived meta fields.
type Model map[string]any

// Clone copies the model and its list values so folds never alias stored state.
func (model Model) Clone() Model {
	if model == nil {
		return nil
	}
	cloned := make(Model, len(model))
	for field, value := range model {
		cloned[field] = cloneValue(value)
	}
	return cloned
}

// IsDeleted reports the derived meta_deleted flag.
func (model Model) IsDeleted() bool {
	deleted, _ := model[MetaDeleted].(bool)
	return deleted
}

// Position reports the derived meta_position value.
func (model Model) Position() int64 {
	return toInt64(model[MetaPosition])
}

// Project returns only the mapped fields. An empty field list means all fields.
func (model Model) Project(mappedFields []string) Model {
	if len(mappedFields) == 0 {
		return model.Clone()
	}
	projected := make(Model, len(mappedFields))
	for _, field := range mappedFields {
		if value, ok := model[field]; ok {
			projected[field] = cloneValue(value)
		}
	}
	return projected
}

// Fields returns the client visible fields, without the derived meta fields.
func (model Model) Fields() map[string]any {
	fields := make(map[string]any, len(model))
	for field, value := range model {
		if field == MetaDeleted || field == MetaPosition {
			continue
		}
		fields[field] = value
	}
	return fields
}

// DecodeModel parses stored model JSON.
func DecodeModel(raw string) (Model, error) {
	var model Model
	if err := json.Unmarshal([]byte(raw), &model); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if model == nil {
		model = Model{}
	}
	if _, ok := model[MetaPosition]; ok {
		model[MetaPosition] = model.Position()
	}
	return model, nil
}

// Encode serializes the model for storage.
func (model Model) Encode() (string, error) {
	raw, err := json.Marshal(model)
	if err != nil {
		return "", fmt.Errorf("encode model: %w", err)
	}
	return string(raw), nil
}

// DeletedModelsBehaviour selects which models a read considers.
type DeletedModelsBehaviour string

const (
	// NoDeleted admits only models which are not deleted.
	NoDeleted DeletedModelsBehaviour = "NO_DELETED"
	// OnlyDeleted admits only deleted models.
	OnlyDeleted DeletedModelsBehaviour = "ONLY_DELETED"
	// AllModels admits every model.
	AllModels DeletedModelsBehaviour = "ALL_MODELS"
)

// ParseDeletedModelsBehaviour accepts the wire names and the legacy numeric values 1-3.
func ParseDeletedModelsBehaviour(raw string) (DeletedModelsBehaviour, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(NoDeleted), "1":
		return NoDeleted, nil
	case string(OnlyDeleted), "2":
		return OnlyDeleted, nil
	case string(AllModels), "3":
		return AllModels, nil
	default:
		return "", NewInvalidFormatError("invalid get_deleted_models: %q", raw)
	}
}

// Admits reports whether a model with the given deleted state is visible.
func (behaviour DeletedModelsBehaviour) Admits(deleted bool) bool {
	switch behaviour {
	case OnlyDeleted:
		return deleted
	case AllModels:
		return true
	default:
		return !deleted
	}
}

// CheckSingle maps a single-model read onto the error a caller should see.
func (behaviour DeletedModelsBehaviour) CheckSingle(fqid Fqid, deleted bool) error {
	if behaviour.Admits(deleted) {
		return nil
	}
	if behaviour == OnlyDeleted {
		return &ModelNotDeletedError{Fqid: fqid}
	}
	return &ModelDoesNotExistError{Fqid: fqid}
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case []any:
		cloned := make([]any, len(typed))
		for index, element := range typed {
			cloned[index] = cloneValue(element)
		}
		return cloned
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, element := range typed {
			cloned[key] = cloneValue(element)
		}
		return cloned
	default:
		return value
	}
}

func toInt64(value any) int64 {
	switch typed := value.(type) {
	case int64:
		return typed
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	case int16:
		return int64(typed)
	case int8:
		return int64(typed)
	case uint32:
		return int64(typed)
	case uint16:
		return int64(typed)
	case uint8:
		return int64(typed)
	case uint64:
		return int64(typed)
	case float64:
		return int64(typed)
	case json.Number:
		parsed, err := typed.Int64()
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
