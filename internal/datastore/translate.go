package datastore

import "sort"

// TranslateEvents turns validated request events into low-level events in request order.
// List updates still carry the requested add/remove values; their effective delta is
// computed against the model state when the event is applied.
func TranslateEvents(requestEvents []RequestEvent) []Event {
	events := make([]Event, 0, len(requestEvents))
	for _, requestEvent := range requestEvents {
		events = append(events, TranslateEvent(requestEvent)...)
	}
	return events
}

// TranslateEvent translates one request event.
func TranslateEvent(requestEvent RequestEvent) []Event {
	fqid := Fqid(requestEvent.Fqid)
	switch requestEvent.Type {
	case RequestEventCreate:
		fields := make(map[string]any, len(requestEvent.Fields))
		for field, value := range requestEvent.Fields {
			if value != nil {
				fields[field] = value
			}
		}
		return []Event{NewCreateEvent(fqid, fields)}
	case RequestEventUpdate:
		var events []Event
		updated := map[string]any{}
		var deleted []string
		for field, value := range requestEvent.Fields {
			if value == nil {
				deleted = append(deleted, field)
				continue
			}
			updated[field] = value
		}
		if len(updated) > 0 {
			events = append(events, NewUpdateEvent(fqid, updated))
		}
		if len(deleted) > 0 {
			sort.Strings(deleted)
			events = append(events, NewDeleteFieldsEvent(fqid, deleted))
		}
		if requestEvent.ListFields != nil {
			listUpdate := NewListUpdateEvent(fqid, requestEvent.ListFields.Add, requestEvent.ListFields.Remove)
			if !listUpdate.IsNoop() {
				events = append(events, listUpdate)
			}
		}
		return events
	case RequestEventDelete:
		return []Event{NewDeleteEvent(fqid)}
	case RequestEventRestore:
		return []Event{NewRestoreEvent(fqid)}
	default:
		BadCoding("untranslatable request event %q", requestEvent.Type)
		return nil
	}
}
