package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"gorm.io/gorm"
)

// NoMigrationIndex marks a database whose positions carry no migration index yet.
const NoMigrationIndex int64 = -1

// ErrMismatchingMigrationIndices reports positions stored at more than one migration index.
var ErrMismatchingMigrationIndices = errors.New("positions carry different migration indices")

// MaxPosition returns the highest committed position, or 0 for an empty log.
func MaxPosition(ctx context.Context, db *gorm.DB) (int64, error) {
	var position int64
	err := db.WithContext(ctx).Model(&PositionRecord{}).Select("COALESCE(MAX(position), 0)").Scan(&position).Error
	if err != nil {
		return 0, fmt.Errorf("load max position: %w", err)
	}
	return position, nil
}

// MigrationIndex returns the uniform migration index of all positions, or NoMigrationIndex
// when no position exists.
func MigrationIndex(ctx context.Context, db *gorm.DB) (int64, error) {
	var indices []int64
	err := db.WithContext(ctx).Model(&PositionRecord{}).Distinct("migration_index").Order("migration_index").Pluck("migration_index", &indices).Error
	if err != nil {
		return 0, fmt.Errorf("load migration index: %w", err)
	}
	switch len(indices) {
	case 0:
		return NoMigrationIndex, nil
	case 1:
		return indices[0], nil
	default:
		return 0, fmt.Errorf("%w: %v", ErrMismatchingMigrationIndices, indices)
	}
}

// LoadModels reads the current models of the given fqids. Missing fqids are absent from the result.
func LoadModels(ctx context.Context, db *gorm.DB, fqids []datastore.Fqid) (map[datastore.Fqid]datastore.Model, error) {
	models := make(map[datastore.Fqid]datastore.Model, len(fqids))
	if len(fqids) == 0 {
		return models, nil
	}
	keys := make([]string, 0, len(fqids))
	for _, fqid := range fqids {
		keys = append(keys, fqid.String())
	}
	for start := 0; start < len(keys); start += BatchSize {
		end := min(start+BatchSize, len(keys))
		var records []ModelRecord
		if err := db.WithContext(ctx).Where("fqid IN ?", keys[start:end]).Find(&records).Error; err != nil {
			return nil, fmt.Errorf("load models: %w", err)
		}
		for _, record := range records {
			model, err := datastore.DecodeModel(record.Data)
			if err != nil {
				return nil, err
			}
			models[datastore.Fqid(record.Fqid)] = model
		}
	}
	return models, nil
}

// LoadEvents reads events of the given fqids up to and including maxPosition in log order.
// A maxPosition of 0 reads the whole history.
func LoadEvents(ctx context.Context, db *gorm.DB, fqids []datastore.Fqid, maxPosition int64) ([]EventRecord, error) {
	var events []EventRecord
	for start := 0; start < len(fqids); start += BatchSize {
		end := min(start+BatchSize, len(fqids))
		keys := make([]string, 0, end-start)
		for _, fqid := range fqids[start:end] {
			keys = append(keys, fqid.String())
		}
		query := db.WithContext(ctx).Where("fqid IN ?", keys)
		if maxPosition > 0 {
			query = query.Where("position <= ?", maxPosition)
		}
		var batch []EventRecord
		if err := query.Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("load events: %w", err)
		}
		events = append(events, batch...)
	}
	SortEvents(events)
	return events, nil
}

// SortEvents orders event records by position and weight.
func SortEvents(events []EventRecord) {
	slices.SortStableFunc(events, func(left, right EventRecord) int {
		if left.Position != right.Position {
			return cmp.Compare(left.Position, right.Position)
		}
		return cmp.Compare(left.Weight, right.Weight)
	})
}

// FoldEvents projects stored events into models, grouped by fqid.
func FoldEvents(events []EventRecord) (map[datastore.Fqid]datastore.Model, error) {
	models := map[datastore.Fqid]datastore.Model{}
	for _, record := range events {
		event, err := datastore.DecodeEvent(record.Type, record.Fqid, record.Data)
		if err != nil {
			return nil, err
		}
		next, err := datastore.ApplyEvent(models[event.Fqid], event, record.Position)
		if err != nil {
			return nil, fmt.Errorf("fold %s at position %d: %w", record.Fqid, record.Position, err)
		}
		models[event.Fqid] = next
	}
	return models, nil
}

// SaveModel upserts or removes the materialized row of one fqid.
func SaveModel(ctx context.Context, db *gorm.DB, fqid datastore.Fqid, model datastore.Model) error {
	data, err := model.Encode()
	if err != nil {
		return err
	}
	record := ModelRecord{Fqid: fqid.String(), Data: data, Deleted: model.IsDeleted()}
	if err := db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("save model %s: %w", fqid, err)
	}
	return nil
}

// BatchSize bounds the number of bound parameters of IN queries.
const BatchSize = 500

// BumpIDSequences raises the next id of every collection above its highest model id.
func BumpIDSequences(ctx context.Context, db *gorm.DB) error {
	statement := `INSERT INTO id_sequences (collection, next_id)
SELECT substr(fqid, 1, instr(fqid, '/') - 1) AS collection,
       MAX(CAST(substr(fqid, instr(fqid, '/') + 1) AS INTEGER)) + 1
FROM models WHERE true GROUP BY collection
ON CONFLICT(collection) DO UPDATE SET next_id = MAX(id_sequences.next_id, excluded.next_id)`
	if err := db.WithContext(ctx).Exec(statement).Error; err != nil {
		return fmt.Errorf("bump id sequences: %w", err)
	}
	return nil
}

// InCollection scopes a models or events query to the fqids of one collection. The range
// bounds keep the fqid index usable; '0' is the byte following the '/' separator.
func InCollection(collection string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("fqid >= ? AND fqid < ?", collection+"/", collection+"0")
	}
}

// LoadCollection reads every current model of a collection.
func LoadCollection(ctx context.Context, db *gorm.DB, collection string) (map[datastore.Fqid]datastore.Model, error) {
	var records []ModelRecord
	if err := db.WithContext(ctx).Scopes(InCollection(collection)).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load collection %s: %w", collection, err)
	}
	return DecodeModelRecords(records)
}

// DecodeModelRecords decodes model rows keyed by fqid.
func DecodeModelRecords(records []ModelRecord) (map[datastore.Fqid]datastore.Model, error) {
	models := make(map[datastore.Fqid]datastore.Model, len(records))
	for _, record := range records {
		model, err := datastore.DecodeModel(record.Data)
		if err != nil {
			return nil, err
		}
		models[datastore.Fqid(record.Fqid)] = model
	}
	return models, nil
}
