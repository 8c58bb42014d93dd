package datastore

import "testing"

func mustApply(t *testing.T, model Model, event Event, position int64) Model {
	t.Helper()
	next, err := ApplyEvent(model, event, position)
	if err != nil {
		t.Fatalf("unexpected apply error for %s at %d: %v", event.Type, position, err)
	}
	return next
}

func mustFilter(t *testing.T, raw string) Filter {
	t.Helper()
	filter, err := ParseFilter([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected filter error: %v", err)
	}
	return filter
}

func foldAll(t *testing.T, events []Event) Model {
	t.Helper()
	var model Model
	for index, event := range events {
		model = mustApply(t, model, event, int64(index+1))
	}
	return model
}
