package writer

import (
	"context"
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"gorm.io/gorm"
)

// AssertLocked checks every lock claim against the log inside tx. All stale keys are
// collected into one ModelLockedError.
func AssertLocked(ctx context.Context, tx *gorm.DB, locked datastore.LockedFields) error {
	if locked.Empty() {
		return nil
	}
	db := tx.WithContext(ctx)
	var offending []string

	for _, fqid := range sortedKeys(locked.Fqids) {
		stale, err := exists(db.Model(&storage.EventRecord{}).
			Where("fqid = ? AND position > ?", fqid.String(), locked.Fqids[fqid]))
		if err != nil {
			return err
		}
		if stale {
			offending = append(offending, fqid.String())
		}
	}

	for _, fqfield := range sortedKeys(locked.Fqfields) {
		collectionField := datastore.NewCollectionField(fqfield.Fqid().Collection(), fqfield.Field())
		stale, err := exists(db.Table("events AS e").
			Joins("JOIN events_to_collectionfields AS ecf ON ecf.event_id = e.id").
			Joins("JOIN collectionfields AS cf ON cf.id = ecf.collectionfield_id").
			Where("e.fqid = ? AND cf.collectionfield = ? AND e.position > ?",
				fqfield.Fqid().String(), string(collectionField), locked.Fqfields[fqfield]))
		if err != nil {
			return err
		}
		if stale {
			offending = append(offending, fqfield.String())
		}
	}

	for _, collectionField := range sortedKeys(locked.CollectionFields) {
		for _, claim := range locked.CollectionFields[collectionField] {
			stale, err := collectionFieldStale(db, collectionField, claim)
			if err != nil {
				return err
			}
			if stale {
				offending = append(offending, string(collectionField))
				break
			}
		}
	}

	if len(offending) > 0 {
		return datastore.NewModelLockedError(offending)
	}
	return nil
}

func collectionFieldStale(db *gorm.DB, collectionField datastore.CollectionField, claim datastore.LockClaim) (bool, error) {
	if claim.Filter == nil {
		var record storage.CollectionFieldRecord
		err := db.Where("collectionfield = ?", string(collectionField)).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return record.Position > claim.Position, nil
	}
	clause, args := storage.CompileFilter(claim.Filter, "m.data")
	return exists(db.Table("events_to_collectionfields AS ecf").
		Joins("JOIN collectionfields AS cf ON cf.id = ecf.collectionfield_id").
		Joins("JOIN events AS e ON e.id = ecf.event_id").
		Joins("JOIN models AS m ON m.fqid = e.fqid").
		Where("cf.collectionfield = ? AND e.position > ?", string(collectionField), claim.Position).
		Where(clause, args...))
}

func exists(query *gorm.DB) (bool, error) {
	var found []int
	if err := query.Select("1").Limit(1).Scan(&found).Error; err != nil {
		return false, err
	}
	return len(found) > 0, nil
}

func sortedKeys[K ~string, V any](values map[K]V) []K {
	keys := make([]K, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
