package datastore

import (
	"encoding/json"
	"fmt"
	"sort"
)

// EventType enumerates the low-level events stored in the log.
type EventType string

const (
	// EventTypeCreate seeds a new model.
	EventTypeCreate EventType = "create"
	// EventTypeUpdate merges non-null field values.
	EventTypeUpdate EventType = "update"
	// EventTypeDeleteFields removes fields.
	EventTypeDeleteFields EventType = "deletefields"
	// EventTypeListFields adds to and removes from list fields.
	EventTypeListFields EventType = "listfields"
	// EventTypeDelete marks a model deleted.
	EventTypeDelete EventType = "delete"
	// EventTypeRestore undeletes a model.
	EventTypeRestore EventType = "restore"
)

// Event is one immutable change to one fqid.
type Event struct {
	Type          EventType
	Fqid          Fqid
	Fields        map[string]any
	DeletedFields []string
	Add           map[string][]any
	Remove        map[string][]any
}

// NewCreateEvent builds a create event.
func NewCreateEvent(fqid Fqid, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{Type: EventTypeCreate, Fqid: fqid, Fields: fields}
}

// NewUpdateEvent builds an update event.
func NewUpdateEvent(fqid Fqid, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{Type: EventTypeUpdate, Fqid: fqid, Fields: fields}
}

// NewDeleteFieldsEvent builds a deletefields event.
func NewDeleteFieldsEvent(fqid Fqid, fields []string) Event {
	return Event{Type: EventTypeDeleteFields, Fqid: fqid, DeletedFields: append([]string(nil), fields...)}
}

// NewListUpdateEvent builds a listfields event.
func NewListUpdateEvent(fqid Fqid, add, remove map[string][]any) Event {
	if add == nil {
		add = map[string][]any{}
	}
	if remove == nil {
		remove = map[string][]any{}
	}
	return Event{Type: EventTypeListFields, Fqid: fqid, Add: add, Remove: remove}
}

// NewDeleteEvent builds a delete event.
func NewDeleteEvent(fqid Fqid) Event {
	return Event{Type: EventTypeDelete, Fqid: fqid}
}

// NewRestoreEvent builds a restore event.
func NewRestoreEvent(fqid Fqid) Event {
	return Event{Type: EventTypeRestore, Fqid: fqid}
}

// Clone returns a deep copy of the event.
func (event Event) Clone() Event {
	cloned := Event{Type: event.Type, Fqid: event.Fqid}
	if event.Fields != nil {
		cloned.Fields = Model(event.Fields).Clone()
	}
	if event.DeletedFields != nil {
		cloned.DeletedFields = append([]string(nil), event.DeletedFields...)
	}
	if event.Add != nil {
		cloned.Add = cloneLists(event.Add)
	}
	if event.Remove != nil {
		cloned.Remove = cloneLists(event.Remove)
	}
	return cloned
}

// IsNoop reports events that carry nothing to apply.
func (event Event) IsNoop() bool {
	switch event.Type {
	case EventTypeUpdate:
		return len(event.Fields) == 0
	case EventTypeDeleteFields:
		return len(event.DeletedFields) == 0
	case EventTypeListFields:
		return countListValues(event.Add) == 0 && countListValues(event.Remove) == 0
	default:
		return false
	}
}

// ModifiedFields lists the fields an event touches. model is the state before the event.
func (event Event) ModifiedFields(model Model) []string {
	var fields []string
	switch event.Type {
	case EventTypeCreate, EventTypeUpdate:
		for field := range event.Fields {
			fields = append(fields, field)
		}
	case EventTypeDeleteFields:
		fields = append(fields, event.DeletedFields...)
	case EventTypeListFields:
		seen := map[string]struct{}{}
		for field := range event.Add {
			seen[field] = struct{}{}
		}
		for field := range event.Remove {
			seen[field] = struct{}{}
		}
		for field := range seen {
			fields = append(fields, field)
		}
	case EventTypeDelete, EventTypeRestore:
		for field := range model.Fields() {
			fields = append(fields, field)
		}
	}
	if event.Type == EventTypeCreate || event.Type == EventTypeDelete || event.Type == EventTypeRestore {
		fields = append(fields, MetaDeleted)
	}
	sort.Strings(fields)
	return fields
}

// EncodeData serializes the type specific payload for the events table.
func (event Event) EncodeData() (string, error) {
	var payload any
	switch event.Type {
	case EventTypeCreate, EventTypeUpdate:
		payload = event.Fields
	case EventTypeDeleteFields:
		payload = event.DeletedFields
	case EventTypeListFields:
		payload = listFieldsPayload{Add: event.Add, Remove: event.Remove}
	case EventTypeDelete, EventTypeRestore:
		payload = nil
	default:
		return "", fmt.Errorf("encode event: unknown type %q", event.Type)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", event.Fqid, err)
	}
	return string(raw), nil
}

// DecodeEvent rebuilds an event from its stored columns.
func DecodeEvent(eventType string, fqid string, data string) (Event, error) {
	event := Event{Type: EventType(eventType), Fqid: Fqid(fqid)}
	switch event.Type {
	case EventTypeCreate, EventTypeUpdate:
		fields := map[string]any{}
		if err := json.Unmarshal([]byte(data), &fields); err != nil {
			return Event{}, fmt.Errorf("decode %s event %s: %w", eventType, fqid, err)
		}
		event.Fields = fields
	case EventTypeDeleteFields:
		if err := json.Unmarshal([]byte(data), &event.DeletedFields); err != nil {
			return Event{}, fmt.Errorf("decode %s event %s: %w", eventType, fqid, err)
		}
	case EventTypeListFields:
		var payload listFieldsPayload
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return Event{}, fmt.Errorf("decode %s event %s: %w", eventType, fqid, err)
		}
		event.Add = payload.Add
		event.Remove = payload.Remove
		if event.Add == nil {
			event.Add = map[string][]any{}
		}
		if event.Remove == nil {
			event.Remove = map[string][]any{}
		}
	case EventTypeDelete, EventTypeRestore:
	default:
		return Event{}, fmt.Errorf("decode event %s: unknown type %q", fqid, eventType)
	}
	return event, nil
}

// SortCreatesFirst orders create events before all other events while keeping relative order.
func SortCreatesFirst(events []Event) []Event {
	sorted := make([]Event, 0, len(events))
	for _, event := range events {
		if event.Type == EventTypeCreate {
			sorted = append(sorted, event)
		}
	}
	for _, event := range events {
		if event.Type != EventTypeCreate {
			sorted = append(sorted, event)
		}
	}
	return sorted
}

type listFieldsPayload struct {
	Add    map[string][]any `json:"add"`
	Remove map[string][]any `json:"remove"`
}

func cloneLists(lists map[string][]any) map[string][]any {
	cloned := make(map[string][]any, len(lists))
	for field, values := range lists {
		cloned[field] = cloneValue(values).([]any)
	}
	return cloned
}

func countListValues(lists map[string][]any) int {
	total := 0
	for _, values := range lists {
		total += len(values)
	}
	return total
}
