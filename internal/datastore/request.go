package datastore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestEventType enumerates client facing write events.
type RequestEventType string

const (
	// RequestEventCreate creates a model.
	RequestEventCreate RequestEventType = "create"
	// RequestEventUpdate changes, deletes or list-updates fields.
	RequestEventUpdate RequestEventType = "update"
	// RequestEventDelete deletes a model.
	RequestEventDelete RequestEventType = "delete"
	// RequestEventRestore restores a deleted model.
	RequestEventRestore RequestEventType = "restore"
)

// ListFields carries list additions and removals of an update.
type ListFields struct {
	Add    map[string][]any `json:"add,omitempty"`
	Remove map[string][]any `json:"remove,omitempty"`
}

// RequestEvent is one event of a write request as sent by clients.
type RequestEvent struct {
	Type       RequestEventType `json:"type"`
	Fqid       string           `json:"fqid"`
	Fields     map[string]any   `json:"fields,omitempty"`
	ListFields *ListFields      `json:"list_fields,omitempty"`
}

// LockClaim is one position a client last observed, optionally narrowed by a filter.
type LockClaim struct {
	Position int64
	Filter   Filter
}

// LockedFields groups lock claims by key shape.
type LockedFields struct {
	Fqids            map[Fqid]int64
	Fqfields         map[Fqfield]int64
	CollectionFields map[CollectionField][]LockClaim
}

// Empty reports whether no claims are present.
func (locked LockedFields) Empty() bool {
	return len(locked.Fqids) == 0 && len(locked.Fqfields) == 0 && len(locked.CollectionFields) == 0
}

// WriteRequest is the unit of one position.
type WriteRequest struct {
	Events       []RequestEvent
	Information  json.RawMessage
	UserID       int64
	LockedFields LockedFields
}

type writeRequestPayload struct {
	UserID       int64                      `json:"user_id"`
	Information  json.RawMessage            `json:"information"`
	LockedFields map[string]json.RawMessage `json:"locked_fields"`
	Events       []RequestEvent             `json:"events"`
}

// ParseWriteRequests decodes either one write request object or a list of them.
func ParseWriteRequests(raw []byte) ([]WriteRequest, error) {
	trimmed := bytes.TrimSpace(raw)
	var payloads []writeRequestPayload
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &payloads); err != nil {
			return nil, NewInvalidFormatError("invalid write request: %v", err)
		}
	} else {
		var payload writeRequestPayload
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return nil, NewInvalidFormatError("invalid write request: %v", err)
		}
		payloads = append(payloads, payload)
	}
	if len(payloads) == 0 {
		return nil, NewInvalidFormatError("at least one write request is required")
	}
	requests := make([]WriteRequest, 0, len(payloads))
	for _, payload := range payloads {
		locked, err := ParseLockedFields(payload.LockedFields)
		if err != nil {
			return nil, err
		}
		request := WriteRequest{
			Events:       payload.Events,
			Information:  payload.Information,
			UserID:       payload.UserID,
			LockedFields: locked,
		}
		if err := request.Validate(); err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, nil
}

// Validate checks the request shape before any transaction starts.
func (request WriteRequest) Validate() error {
	if len(request.Events) == 0 {
		return NewInvalidFormatError("a write request needs at least one event")
	}
	if len(request.Information) > 0 && !json.Valid(request.Information) {
		return NewInvalidFormatError("information is not valid json")
	}
	for _, event := range request.Events {
		if err := event.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// InformationOrNil returns nil for absent or null information.
func (request WriteRequest) InformationOrNil() json.RawMessage {
	trimmed := bytes.TrimSpace(request.Information)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}

// Validate checks one request event.
func (event RequestEvent) Validate() error {
	fqid, err := ParseFqid(event.Fqid)
	if err != nil {
		return err
	}
	for field := range event.Fields {
		if err := ValidateField(field); err != nil {
			return err
		}
	}
	switch event.Type {
	case RequestEventCreate:
		if event.ListFields != nil {
			return NewInvalidFormatError("create of %s must not carry list_fields", fqid)
		}
		if rawID, ok := event.Fields["id"]; ok && rawID != nil && toInt64(rawID) != fqid.ID() {
			return NewInvalidFormatError("field id of %s does not match its fqid", fqid)
		}
	case RequestEventUpdate:
		listCount := 0
		if event.ListFields != nil {
			for _, lists := range []map[string][]any{event.ListFields.Add, event.ListFields.Remove} {
				for field, values := range lists {
					if err := ValidateField(field); err != nil {
						return err
					}
					if err := validateListValues(fqid, field, values); err != nil {
						return err
					}
					listCount += len(values)
				}
			}
		}
		if len(event.Fields) == 0 && listCount == 0 {
			return NewInvalidFormatError("update of %s needs fields or list_fields", fqid)
		}
	case RequestEventDelete, RequestEventRestore:
		if len(event.Fields) > 0 || event.ListFields != nil {
			return NewInvalidFormatError("%s of %s must not carry fields", event.Type, fqid)
		}
	default:
		return NewInvalidFormatError("invalid event type %q", event.Type)
	}
	return nil
}

func validateListValues(fqid Fqid, field string, values []any) error {
	for _, value := range values {
		switch value.(type) {
		case string, float64, int, int64, json.Number:
		default:
			return NewInvalidFormatError("list values of %s/%s must be strings or numbers", fqid, field)
		}
	}
	return nil
}

// ParseLockedFields decodes the locked_fields mapping.
func ParseLockedFields(raw map[string]json.RawMessage) (LockedFields, error) {
	locked := LockedFields{
		Fqids:            map[Fqid]int64{},
		Fqfields:         map[Fqfield]int64{},
		CollectionFields: map[CollectionField][]LockClaim{},
	}
	for key, value := range raw {
		kind, err := ClassifyKey(key)
		if err != nil {
			return LockedFields{}, err
		}
		claims, err := parseLockClaims(key, value)
		if err != nil {
			return LockedFields{}, err
		}
		switch kind {
		case KeyKindFqid, KeyKindFqfield:
			if len(claims) != 1 || claims[0].Filter != nil {
				return LockedFields{}, NewInvalidFormatError("lock on %s must be a single position", key)
			}
			if kind == KeyKindFqid {
				locked.Fqids[Fqid(key)] = claims[0].Position
			} else {
				locked.Fqfields[Fqfield(key)] = claims[0].Position
			}
		case KeyKindCollectionField:
			locked.CollectionFields[CollectionField(key)] = claims
		}
	}
	return locked, nil
}

func parseLockClaims(key string, raw json.RawMessage) ([]LockClaim, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, NewInvalidFormatError("invalid lock on %s: %v", key, err)
		}
		if len(items) == 0 {
			return nil, NewInvalidFormatError("lock on %s must not be empty", key)
		}
		claims := make([]LockClaim, 0, len(items))
		for _, item := range items {
			claim, err := parseLockClaim(key, item)
			if err != nil {
				return nil, err
			}
			claims = append(claims, claim)
		}
		return claims, nil
	}
	claim, err := parseLockClaim(key, trimmed)
	if err != nil {
		return nil, err
	}
	return []LockClaim{claim}, nil
}

func parseLockClaim(key string, raw json.RawMessage) (LockClaim, error) {
	if len(raw) > 0 && raw[0] == '{' {
		var payload struct {
			Position *int64          `json:"position"`
			Filter   json.RawMessage `json:"filter"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil || payload.Position == nil {
			return LockClaim{}, NewInvalidFormatError("invalid lock on %s", key)
		}
		claim := LockClaim{Position: *payload.Position}
		if len(payload.Filter) > 0 && string(payload.Filter) != "null" {
			filter, err := ParseFilter(payload.Filter)
			if err != nil {
				return LockClaim{}, err
			}
			claim.Filter = filter
		}
		return claim, validatePosition(key, claim.Position)
	}
	var position int64
	if err := json.Unmarshal(raw, &position); err != nil {
		return LockClaim{}, NewInvalidFormatError("invalid lock on %s: %v", key, err)
	}
	return LockClaim{Position: position}, validatePosition(key, position)
}

func validatePosition(key string, position int64) error {
	if position < 0 {
		return NewInvalidFormatError("lock position of %s must not be negative", key)
	}
	return nil
}

// String renders the claim for logs.
func (claim LockClaim) String() string {
	if claim.Filter == nil {
		return fmt.Sprintf("%d", claim.Position)
	}
	return fmt.Sprintf("%d (filtered)", claim.Position)
}
