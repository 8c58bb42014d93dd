// Package snapshot imports and exports the complete current state of a datastore as one JSON
// document: {collection: {id: {field: value}}, "_migration_index": n}.
package snapshot

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
)

// MigrationIndexKey carries the migration index the models of a document were produced at.
const MigrationIndexKey = "_migration_index"

// Document is a decoded snapshot.
type Document struct {
	MigrationIndex int64
	Models         map[datastore.Fqid]datastore.Model
}

// MarshalJSON renders the document with collections and ids in ascending order.
func (d Document) MarshalJSON() ([]byte, error) {
	collections := map[string]map[string]map[string]any{}
	for fqid, model := range d.Models {
		collection := collections[fqid.Collection()]
		if collection == nil {
			collection = map[string]map[string]any{}
			collections[fqid.Collection()] = collection
		}
		collection[strconv.FormatInt(fqid.ID(), 10)] = model.Fields()
	}
	payload := make(map[string]any, len(collections)+1)
	for name, collection := range collections {
		payload[name] = collection
	}
	payload[MigrationIndexKey] = d.MigrationIndex
	return json.Marshal(payload)
}

// UnmarshalJSON parses and validates a document.
func (d *Document) UnmarshalJSON(raw []byte) error {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return datastore.NewInvalidFormatError("invalid snapshot: %v", err)
	}
	rawIndex, ok := payload[MigrationIndexKey]
	if !ok {
		return datastore.NewInvalidFormatError("snapshot has no %s", MigrationIndexKey)
	}
	var index int64
	if err := json.Unmarshal(rawIndex, &index); err != nil || index < 1 {
		return datastore.NewInvalidFormatError("snapshot has an invalid %s", MigrationIndexKey)
	}
	delete(payload, MigrationIndexKey)

	models := map[datastore.Fqid]datastore.Model{}
	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := datastore.ValidateCollection(name); err != nil {
			return err
		}
		var collection map[string]map[string]any
		if err := json.Unmarshal(payload[name], &collection); err != nil {
			return datastore.NewInvalidFormatError("invalid collection %s: %v", name, err)
		}
		for key, fields := range collection {
			fqid, err := datastore.ParseFqid(name + datastore.KeySeparator + key)
			if err != nil {
				return err
			}
			model, err := importedModel(fqid, fields)
			if err != nil {
				return err
			}
			models[fqid] = model
		}
	}
	d.MigrationIndex = index
	d.Models = models
	return nil
}

func importedModel(fqid datastore.Fqid, fields map[string]any) (datastore.Model, error) {
	model := datastore.Model{}
	for field, value := range fields {
		switch field {
		case datastore.MetaDeleted:
			deleted, ok := value.(bool)
			if !ok {
				return nil, datastore.NewInvalidFormatError("%s of %s must be a boolean", field, fqid)
			}
			model[field] = deleted
			continue
		case datastore.MetaPosition:
			continue
		}
		if err := datastore.ValidateField(field); err != nil {
			return nil, err
		}
		if value == nil {
			continue
		}
		model[field] = value
	}
	if id, ok := model["id"]; ok {
		number, isNumber := id.(float64)
		if !isNumber || int64(number) != fqid.ID() {
			return nil, datastore.NewInvalidFormatError("field id of %s does not match its fqid", fqid)
		}
	}
	if _, ok := model[datastore.MetaDeleted]; !ok {
		model[datastore.MetaDeleted] = false
	}
	return model, nil
}
