package migrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingWriter = errors.New("migrations: a writer is required to run model migrations")

// Finalize migrates whatever is still missing, swaps the staged log in as the live log and
// runs the pending model migrations. Everything happens in one transaction.
func (e *Engine) Finalize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	published := messaging.EventsByPosition{}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.inspect(ctx, tx)
		if err != nil {
			return err
		}
		status, err := e.status(current)
		if err != nil {
			return err
		}
		switch status {
		case NoMigrationRequired:
			return nil
		case MigrationRequired:
			if current.live == storage.NoMigrationIndex {
				return e.bootstrap(ctx, tx)
			}
			if err := e.stage(ctx, tx, current); err != nil {
				return err
			}
			if current, err = e.inspect(ctx, tx); err != nil {
				return err
			}
		}

		live := current.live
		eventTarget := e.registry.EventTarget()
		if live < eventTarget {
			if err := e.swap(ctx, tx, current.positions, eventTarget); err != nil {
				return err
			}
			live = eventTarget
		}
		for _, migration := range e.registry.ModelMigrations(live) {
			if err := e.runModelMigration(ctx, tx, migration, published); err != nil {
				return err
			}
			live = migration.TargetMigrationIndex()
		}
		e.metrics.MigrationIndex.Set(float64(live))
		e.logger.Info("migrations finalized", zap.Int64("migration_index", live))
		return nil
	})
	if err != nil {
		return err
	}
	if len(published) > 0 {
		if err := e.publisher.HandleEvents(ctx, published); err != nil {
			e.logger.Warn("publish after finalize failed", zap.Error(err))
		}
	}
	return nil
}

// swap replaces the live log with the staged one and rebuilds the derived tables from the
// final keyframe of the staged index.
func (e *Engine) swap(ctx context.Context, tx *gorm.DB, positions int64, eventTarget int64) error {
	db := tx.WithContext(ctx)
	session := db.Session(&gorm.Session{AllowGlobalUpdate: true})
	for _, record := range []any{&storage.EventToCollectionFieldRecord{}, &storage.CollectionFieldRecord{}, &storage.EventRecord{}, &storage.ModelRecord{}} {
		if err := session.Delete(record).Error; err != nil {
			return fmt.Errorf("clear live tables: %w", err)
		}
	}
	err := db.Exec(`INSERT INTO events (id, position, fqid, type, data, weight)
SELECT id, position, fqid, type, data, weight FROM migration_events`).Error
	if err != nil {
		return fmt.Errorf("copy staged events: %w", err)
	}
	if err := rebuildCollectionFields(ctx, tx); err != nil {
		return err
	}

	final, err := e.openAccessor(ctx, tx, eventTarget)
	if err != nil {
		return err
	}
	if final.Position() != positions {
		return mismatch("final keyframe of index %d is at position %d, the log ends at %d", eventTarget, final.Position(), positions)
	}
	err = final.ForEach(ctx, func(fqid datastore.Fqid, model datastore.Model) error {
		return storage.SaveModel(ctx, tx, fqid, model)
	})
	if err != nil {
		return err
	}
	if err := storage.BumpIDSequences(ctx, tx); err != nil {
		return err
	}
	if err := setMigrationIndex(ctx, tx, eventTarget); err != nil {
		return err
	}
	if err := clearStaging(ctx, tx); err != nil {
		return err
	}
	e.logger.Info("migrated log swapped in", zap.Int64("migration_index", eventTarget), zap.Int64("positions", positions))
	return nil
}

// rebuildCollectionFields relinks every staged event to the collectionfields it modified,
// position by position.
func rebuildCollectionFields(ctx context.Context, tx *gorm.DB) error {
	db := tx.WithContext(ctx)
	position := int64(0)
	links := map[datastore.CollectionField][]int64{}
	flush := func() error {
		if len(links) == 0 {
			return nil
		}
		err := storage.LinkCollectionFields(db, position, links)
		links = map[datastore.CollectionField][]int64{}
		return err
	}
	lastID := int64(0)
	for {
		var records []storage.MigrationEventRecord
		err := db.Where("id > ?", lastID).Order("id").Limit(storage.BatchSize).Find(&records).Error
		if err != nil {
			return fmt.Errorf("scan staged events: %w", err)
		}
		for _, record := range records {
			if record.Position != position {
				if err := flush(); err != nil {
					return err
				}
				position = record.Position
			}
			var fields []string
			if err := json.Unmarshal([]byte(record.ModifiedFields), &fields); err != nil {
				return fmt.Errorf("decode modified fields of staged event %d: %w", record.ID, err)
			}
			collection := datastore.Fqid(record.Fqid).Collection()
			for _, field := range fields {
				collectionField := datastore.NewCollectionField(collection, field)
				links[collectionField] = append(links[collectionField], record.ID)
			}
		}
		if len(records) < storage.BatchSize {
			break
		}
		lastID = records[len(records)-1].ID
	}
	return flush()
}

func (e *Engine) runModelMigration(ctx context.Context, tx *gorm.DB, migration ModelMigration, published messaging.EventsByPosition) error {
	index := migration.TargetMigrationIndex()
	fail := func(err error) error {
		return &MigrationError{MigrationIndex: index, Err: err}
	}
	if e.writer == nil {
		return fail(errMissingWriter)
	}
	events, err := migration.Migrate(ctx, storeReader{db: tx})
	if err != nil {
		return fail(err)
	}
	if len(events) > 0 {
		request := datastore.WriteRequest{Events: events}
		if err := request.Validate(); err != nil {
			return fail(err)
		}
		positions, written, err := e.writer.WriteInTransaction(ctx, tx, []datastore.WriteRequest{request}, index)
		if err != nil {
			return fail(err)
		}
		for position, modified := range written {
			published[position] = modified
		}
		e.logger.Info("model migration written", zap.Int64("migration_index", index), zap.Int64s("positions", positions))
	}
	return setMigrationIndex(ctx, tx, index)
}

// Reset drops staged positions, staged events and every keyframe. The live log is untouched.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return clearStaging(ctx, tx)
	})
	if err != nil {
		return err
	}
	e.logger.Info("migration staging reset")
	return nil
}

// Stats summarizes the live and staged logs.
type Stats struct {
	Status                Status `json:"status"`
	CurrentMigrationIndex int64  `json:"current_migration_index"`
	TargetMigrationIndex  int64  `json:"target_migration_index"`
	Positions             int64  `json:"positions"`
	Events                int64  `json:"events"`
	StagedMigrationIndex  int64  `json:"staged_migration_index"`
	StagedPositions       int64  `json:"staged_positions"`
	StagedEvents          int64  `json:"staged_events"`
	Keyframes             int64  `json:"keyframes"`
}

// Stats reports the migration state.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := e.inspect(ctx, tx)
		if err != nil {
			return err
		}
		if stats.Status, err = e.status(current); err != nil {
			return err
		}
		stats.CurrentMigrationIndex = current.live
		stats.TargetMigrationIndex = e.registry.Target()
		stats.Positions = current.positions
		stats.StagedMigrationIndex = current.stagedIndex
		counts := []struct {
			record any
			into   *int64
		}{
			{&storage.EventRecord{}, &stats.Events},
			{&storage.MigrationPositionRecord{}, &stats.StagedPositions},
			{&storage.MigrationEventRecord{}, &stats.StagedEvents},
			{&storage.MigrationKeyframeRecord{}, &stats.Keyframes},
		}
		for _, count := range counts {
			if err := tx.WithContext(ctx).Model(count.record).Count(count.into).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return stats, err
}
