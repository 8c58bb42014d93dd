package datastore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	// KeySeparator joins collection, id and field inside fqids, fqfields and collectionfields.
	KeySeparator = "/"
	// MetaDeleted is the derived field reporting whether a model is deleted.
	MetaDeleted = "meta_deleted"
	// MetaPosition is the derived field holding the last position that touched a model.
	MetaPosition = "meta_position"

	reservedFieldPrefix = "meta"
	maxKeyLength        = 255
)

var (
	collectionPattern = regexp.MustCompile(`^[a-z](?:[a-z0-9_]*[a-z0-9])?$`)
	fieldPattern      = regexp.MustCompile(`^[a-z][a-z0-9_]*\$?[a-z0-9_]*$`)
)

// Fqid identifies one model as "collection/id".
type Fqid string

// NewFqid joins a collection and an id.
func NewFqid(collection string, id int64) Fqid {
	return Fqid(collection + KeySeparator + strconv.FormatInt(id, 10))
}

// ParseFqid validates raw input and returns a Fqid.
func ParseFqid(raw string) (Fqid, error) {
	parts := strings.Split(raw, KeySeparator)
	if len(parts) != 2 || len(raw) > maxKeyLength {
		return "", NewInvalidFormatError("invalid fqid: %q", raw)
	}
	if err := ValidateCollection(parts[0]); err != nil {
		return "", err
	}
	if _, err := parseID(parts[1]); err != nil {
		return "", NewInvalidFormatError("invalid fqid: %q", raw)
	}
	return Fqid(raw), nil
}

// String returns the underlying key.
func (fqid Fqid) String() string {
	return string(fqid)
}

// Collection returns the collection part of the fqid.
func (fqid Fqid) Collection() string {
	collection, _, _ := strings.Cut(string(fqid), KeySeparator)
	return collection
}

// ID returns the numeric id part of the fqid.
func (fqid Fqid) ID() int64 {
	_, rawID, _ := strings.Cut(string(fqid), KeySeparator)
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Fqfield identifies a single field of one model as "collection/id/field".
type Fqfield string

// NewFqfield joins an fqid and a field.
func NewFqfield(fqid Fqid, field string) Fqfield {
	return Fqfield(string(fqid) + KeySeparator + field)
}

// ParseFqfield validates raw input and returns a Fqfield.
func ParseFqfield(raw string) (Fqfield, error) {
	parts := strings.Split(raw, KeySeparator)
	if len(parts) != 3 || len(raw) > maxKeyLength {
		return "", NewInvalidFormatError("invalid fqfield: %q", raw)
	}
	if _, err := ParseFqid(parts[0] + KeySeparator + parts[1]); err != nil {
		return "", NewInvalidFormatError("invalid fqfield: %q", raw)
	}
	if err := ValidateField(parts[2]); err != nil {
		return "", err
	}
	return Fqfield(raw), nil
}

// Fqid returns the model part of the fqfield.
func (fqfield Fqfield) Fqid() Fqid {
	index := strings.LastIndex(string(fqfield), KeySeparator)
	return Fqid(fqfield[:index])
}

// String returns the raw key.
func (fqfield Fqfield) String() string {
	return string(fqfield)
}

// Field returns the field part of the fqfield.
func (fqfield Fqfield) Field() string {
	index := strings.LastIndex(string(fqfield), KeySeparator)
	return string(fqfield[index+1:])
}

// CollectionField identifies one field across a whole collection as "collection/field".
type CollectionField string

// NewCollectionField joins a collection and a field.
func NewCollectionField(collection, field string) CollectionField {
	return CollectionField(collection + KeySeparator + field)
}

// ParseCollectionField validates raw input and returns a CollectionField.
func ParseCollectionField(raw string) (CollectionField, error) {
	parts := strings.Split(raw, KeySeparator)
	if len(parts) != 2 || len(raw) > maxKeyLength {
		return "", NewInvalidFormatError("invalid collectionfield: %q", raw)
	}
	if err := ValidateCollection(parts[0]); err != nil {
		return "", err
	}
	if !fieldPattern.MatchString(parts[1]) {
		return "", NewInvalidFormatError("invalid collectionfield: %q", raw)
	}
	return CollectionField(raw), nil
}

// Collection returns the collection part of the collectionfield.
func (collectionField CollectionField) Collection() string {
	collection, _, _ := strings.Cut(string(collectionField), KeySeparator)
	return collection
}

// Field returns the field part of the collectionfield.
func (collectionField CollectionField) Field() string {
	_, field, _ := strings.Cut(string(collectionField), KeySeparator)
	return field
}

// ValidateCollection checks a collection name.
func ValidateCollection(collection string) error {
	if !collectionPattern.MatchString(collection) {
		return NewInvalidFormatError("invalid collection: %q", collection)
	}
	return nil
}

// ValidateField checks a client supplied field name, including the reserved meta namespace.
func ValidateField(field string) error {
	if !fieldPattern.MatchString(field) {
		return NewInvalidFormatError("invalid field: %q", field)
	}
	if IsReservedField(field) {
		return NewInvalidFormatError("field %q uses the reserved %q prefix", field, reservedFieldPrefix)
	}
	return nil
}

// ValidateQueryField checks a field used in reads, where the derived meta fields are allowed.
func ValidateQueryField(field string) error {
	if !fieldPattern.MatchString(field) {
		return NewInvalidFormatError("invalid field: %q", field)
	}
	return nil
}

// IsReservedField reports whether the field lives in the reserved meta namespace.
func IsReservedField(field string) bool {
	return strings.HasPrefix(field, reservedFieldPrefix)
}

// ClassifyKey reports the kind of a locked_fields key.
func ClassifyKey(raw string) (KeyKind, error) {
	parts := strings.Split(raw, KeySeparator)
	switch len(parts) {
	case 2:
		if _, err := parseID(parts[1]); err == nil {
			if _, err := ParseFqid(raw); err != nil {
				return KeyKindUnknown, err
			}
			return KeyKindFqid, nil
		}
		if _, err := ParseCollectionField(raw); err != nil {
			return KeyKindUnknown, err
		}
		return KeyKindCollectionField, nil
	case 3:
		if _, err := ParseFqfield(raw); err != nil {
			return KeyKindUnknown, err
		}
		return KeyKindFqfield, nil
	default:
		return KeyKindUnknown, NewInvalidFormatError("invalid key: %q", raw)
	}
}

// KeyKind enumerates the key shapes accepted in locked_fields.
type KeyKind int

const (
	// KeyKindUnknown marks an unparseable key.
	KeyKindUnknown KeyKind = iota
	// KeyKindFqid is "collection/id".
	KeyKindFqid
	// KeyKindFqfield is "collection/id/field".
	KeyKindFqfield
	// KeyKindCollectionField is "collection/field".
	KeyKindCollectionField
)

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 || strconv.FormatInt(id, 10) != raw {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
