package datastore

import (
	"encoding/json"
)

// ApplyEvent folds one event into the state of its fqid and returns the new state.
// model is nil when the fqid has no state yet. The input model is never mutated.
func ApplyEvent(model Model, event Event, position int64) (Model, error) {
	switch event.Type {
	case EventTypeCreate:
		if model != nil {
			return nil, &ModelExistsError{Fqid: event.Fqid}
		}
		next := Model(event.Fields).Clone()
		if next == nil {
			next = Model{}
		}
		next[MetaDeleted] = false
		next[MetaPosition] = position
		return next, nil
	case EventTypeRestore:
		if model == nil {
			return nil, &ModelDoesNotExistError{Fqid: event.Fqid}
		}
		if !model.IsDeleted() {
			return nil, &ModelNotDeletedError{Fqid: event.Fqid}
		}
		next := model.Clone()
		next[MetaDeleted] = false
		next[MetaPosition] = position
		return next, nil
	}

	if model == nil || model.IsDeleted() {
		return nil, &ModelDoesNotExistError{Fqid: event.Fqid}
	}
	next := model.Clone()
	switch event.Type {
	case EventTypeUpdate:
		for field, value := range event.Fields {
			next[field] = cloneValue(value)
		}
	case EventTypeDeleteFields:
		for _, field := range event.DeletedFields {
			delete(next, field)
		}
	case EventTypeListFields:
		if err := applyListUpdate(next, event); err != nil {
			return nil, err
		}
	case EventTypeDelete:
		next[MetaDeleted] = true
	default:
		BadCoding("unknown event type %q for %s", event.Type, event.Fqid)
	}
	next[MetaPosition] = position
	return next, nil
}

// EffectiveListUpdate computes the delta a listfields event really causes against model:
// added values already present are skipped, removed values not present are dropped.
// Adds are applied before removes.
func EffectiveListUpdate(model Model, event Event) (Event, error) {
	if event.Type != EventTypeListFields {
		BadCoding("effective list update on %s event", event.Type)
	}
	if model == nil || model.IsDeleted() {
		return Event{}, &ModelDoesNotExistError{Fqid: event.Fqid}
	}
	add := map[string][]any{}
	remove := map[string][]any{}
	working := map[string][]any{}
	listFor := func(field string) ([]any, error) {
		if current, ok := working[field]; ok {
			return current, nil
		}
		current, err := listField(model, event.Fqid, field)
		if err != nil {
			return nil, err
		}
		working[field] = current
		return current, nil
	}
	for field, values := range event.Add {
		current, err := listFor(field)
		if err != nil {
			return Event{}, err
		}
		for _, value := range values {
			if containsValue(current, value) {
				continue
			}
			current = append(current, cloneValue(value))
			add[field] = append(add[field], cloneValue(value))
		}
		working[field] = current
	}
	for field, values := range event.Remove {
		current, err := listFor(field)
		if err != nil {
			return Event{}, err
		}
		for _, value := range values {
			if !containsValue(current, value) || containsValue(remove[field], value) {
				continue
			}
			remove[field] = append(remove[field], cloneValue(value))
		}
	}
	return NewListUpdateEvent(event.Fqid, add, remove), nil
}

func applyListUpdate(model Model, event Event) error {
	for field, values := range event.Add {
		current, err := listField(model, event.Fqid, field)
		if err != nil {
			return err
		}
		for _, value := range values {
			if !containsValue(current, value) {
				current = append(current, cloneValue(value))
			}
		}
		model[field] = current
	}
	for field, values := range event.Remove {
		current, err := listField(model, event.Fqid, field)
		if err != nil {
			return err
		}
		if _, present := model[field]; !present {
			continue
		}
		kept := make([]any, 0, len(current))
		for _, element := range current {
			if !containsValue(values, element) {
				kept = append(kept, element)
			}
		}
		model[field] = kept
	}
	return nil
}

func listField(model Model, fqid Fqid, field string) ([]any, error) {
	value, ok := model[field]
	if !ok || value == nil {
		return []any{}, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, NewInvalidFormatError("field %s of %s is not a list", field, fqid)
	}
	return cloneValue(list).([]any), nil
}

func containsValue(list []any, value any) bool {
	for _, element := range list {
		if ValuesEqual(element, value) {
			return true
		}
	}
	return false
}

// ValuesEqual compares JSON values by their canonical encoding, so 2 and 2.0 are equal.
func ValuesEqual(left, right any) bool {
	leftRaw, leftErr := json.Marshal(left)
	rightRaw, rightErr := json.Marshal(right)
	if leftErr != nil || rightErr != nil {
		return false
	}
	return string(leftRaw) == string(rightRaw)
}
