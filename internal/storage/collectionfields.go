package storage

import (
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LinkCollectionFields raises every touched collectionfield to position and links the events
// that touched it.
func LinkCollectionFields(db *gorm.DB, position int64, links map[datastore.CollectionField][]int64) error {
	if len(links) == 0 {
		return nil
	}
	keys := make([]string, 0, len(links))
	for collectionField := range links {
		keys = append(keys, string(collectionField))
	}
	sort.Strings(keys)
	records := make([]CollectionFieldRecord, 0, len(keys))
	for _, key := range keys {
		records = append(records, CollectionFieldRecord{CollectionField: key, Position: position})
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collectionfield"}},
		DoUpdates: clause.AssignmentColumns([]string{"position"}),
	}).CreateInBatches(&records, BatchSize).Error
	if err != nil {
		return err
	}

	var rows []EventToCollectionFieldRecord
	for start := 0; start < len(keys); start += BatchSize {
		end := min(start+BatchSize, len(keys))
		var stored []CollectionFieldRecord
		if err := db.Where("collectionfield IN ?", keys[start:end]).Find(&stored).Error; err != nil {
			return err
		}
		for _, record := range stored {
			for _, eventID := range uniqueIDs(links[datastore.CollectionField(record.CollectionField)]) {
				rows = append(rows, EventToCollectionFieldRecord{EventID: eventID, CollectionFieldID: record.ID})
			}
		}
	}
	if len(rows) == 0 {
		return errors.New("collectionfields vanished during update")
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, BatchSize).Error
}

func uniqueIDs(ids []int64) []int64 {
	seen := map[int64]struct{}{}
	unique := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
