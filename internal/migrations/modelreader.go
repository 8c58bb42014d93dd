package migrations

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"gorm.io/gorm"
)

// storeReader reads the live models table inside the finalize transaction.
type storeReader struct {
	db *gorm.DB
}

func (r storeReader) Get(ctx context.Context, fqid datastore.Fqid) (datastore.Model, bool, error) {
	models, err := storage.LoadModels(ctx, r.db, []datastore.Fqid{fqid})
	if err != nil {
		return nil, false, err
	}
	model, found := models[fqid]
	if !found || model.IsDeleted() {
		return nil, false, nil
	}
	return model, true, nil
}

func (r storeReader) GetAll(ctx context.Context, collection string) (map[int64]datastore.Model, error) {
	models, err := storage.LoadCollection(ctx, r.db, collection)
	if err != nil {
		return nil, err
	}
	return liveByID(models, nil), nil
}

func (r storeReader) Filter(ctx context.Context, collection string, filter datastore.Filter) (map[int64]datastore.Model, error) {
	clause, args := storage.CompileFilter(filter, "data")
	var records []storage.ModelRecord
	err := r.db.WithContext(ctx).
		Scopes(storage.InCollection(collection)).
		Where("deleted = ?", false).
		Where(clause, args...).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", collection, err)
	}
	models, err := storage.DecodeModelRecords(records)
	if err != nil {
		return nil, err
	}
	return liveByID(models, nil), nil
}

// memoryReader serves model migrations of the in-memory migrater.
type memoryReader struct {
	models map[datastore.Fqid]datastore.Model
}

func (r memoryReader) Get(_ context.Context, fqid datastore.Fqid) (datastore.Model, bool, error) {
	model, found := r.models[fqid]
	if !found || model.IsDeleted() {
		return nil, false, nil
	}
	return model.Clone(), true, nil
}

func (r memoryReader) GetAll(_ context.Context, collection string) (map[int64]datastore.Model, error) {
	return liveByID(inCollection(r.models, collection), nil), nil
}

func (r memoryReader) Filter(_ context.Context, collection string, filter datastore.Filter) (map[int64]datastore.Model, error) {
	return liveByID(inCollection(r.models, collection), filter), nil
}

func inCollection(models map[datastore.Fqid]datastore.Model, collection string) map[datastore.Fqid]datastore.Model {
	selected := map[datastore.Fqid]datastore.Model{}
	for fqid, model := range models {
		if fqid.Collection() == collection {
			selected[fqid] = model
		}
	}
	return selected
}

// liveByID keys the non-deleted models matching filter by id. A nil filter matches all.
func liveByID(models map[datastore.Fqid]datastore.Model, filter datastore.Filter) map[int64]datastore.Model {
	result := make(map[int64]datastore.Model, len(models))
	for fqid, model := range models {
		if model.IsDeleted() {
			continue
		}
		if filter != nil && !filter.Match(model) {
			continue
		}
		result[fqid.ID()] = model.Clone()
	}
	return result
}
