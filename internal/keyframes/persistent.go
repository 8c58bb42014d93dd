package keyframes

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	// DefaultInterval is the number of positions between two materialized keyframes.
	DefaultInterval int64 = 1000
	// DefaultCacheSize bounds the number of decoded base models kept per accessor.
	DefaultCacheSize = 10000
)

// PersistentConfig wires a PersistentAccessor.
type PersistentConfig struct {
	Database       *gorm.DB
	Codec          *Codec
	MigrationIndex int64
	Interval       int64
	CacheSize      int
	Logger         *zap.Logger
}

type cachedModel struct {
	model datastore.Model
	found bool
}

// PersistentAccessor reads a base keyframe from the migration_keyframe tables and keeps the
// changes since in memory. Every Interval positions the changes are materialized as a new
// keyframe and older keyframes of the same migration index are dropped.
type PersistentAccessor struct {
	db       *gorm.DB
	codec    *Codec
	index    int64
	interval int64
	logger   *zap.Logger

	baseID       int64
	basePosition int64
	position     int64
	delta        map[datastore.Fqid]datastore.Model
	cache        *lru.Cache[datastore.Fqid, cachedModel]
}

// OpenPersistent resumes from the latest keyframe of the migration index, or starts from an
// empty state at position 0.
func OpenPersistent(ctx context.Context, cfg PersistentConfig) (*PersistentAccessor, error) {
	if cfg.Database == nil || cfg.Codec == nil {
		return nil, errors.New("keyframes: database and codec are required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[datastore.Fqid, cachedModel](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("keyframes: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	accessor := &PersistentAccessor{
		db:       cfg.Database,
		codec:    cfg.Codec,
		index:    cfg.MigrationIndex,
		interval: interval,
		logger:   logger,
		delta:    map[datastore.Fqid]datastore.Model{},
		cache:    cache,
	}
	latest, found, err := LatestKeyframe(ctx, cfg.Database, cfg.MigrationIndex)
	if err != nil {
		return nil, err
	}
	if found {
		accessor.baseID = latest.ID
		accessor.basePosition = latest.Position
		accessor.position = latest.Position
	}
	return accessor, nil
}

// LatestKeyframe returns the keyframe with the highest position of a migration index.
func LatestKeyframe(ctx context.Context, db *gorm.DB, migrationIndex int64) (storage.MigrationKeyframeRecord, bool, error) {
	var records []storage.MigrationKeyframeRecord
	err := db.WithContext(ctx).Where("migration_index = ?", migrationIndex).Order("position DESC").Limit(1).Find(&records).Error
	if err != nil {
		return storage.MigrationKeyframeRecord{}, false, fmt.Errorf("load keyframe of index %d: %w", migrationIndex, err)
	}
	if len(records) == 0 {
		return storage.MigrationKeyframeRecord{}, false, nil
	}
	return records[0], true, nil
}

// Clear drops every keyframe.
func Clear(ctx context.Context, db *gorm.DB) error {
	session := db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
	if err := session.Delete(&storage.MigrationKeyframeModelRecord{}).Error; err != nil {
		return fmt.Errorf("clear keyframe models: %w", err)
	}
	if err := session.Delete(&storage.MigrationKeyframeRecord{}).Error; err != nil {
		return fmt.Errorf("clear keyframes: %w", err)
	}
	return nil
}

func (a *PersistentAccessor) GetModel(ctx context.Context, fqid datastore.Fqid) (datastore.Model, bool, error) {
	if model, ok := a.delta[fqid]; ok {
		return model, true, nil
	}
	if a.baseID == 0 {
		return nil, false, nil
	}
	if cached, ok := a.cache.Get(fqid); ok {
		return cached.model, cached.found, nil
	}
	var records []storage.MigrationKeyframeModelRecord
	err := a.db.WithContext(ctx).Where("keyframe_id = ? AND fqid = ?", a.baseID, fqid.String()).Limit(1).Find(&records).Error
	if err != nil {
		return nil, false, fmt.Errorf("load keyframe model %s: %w", fqid, err)
	}
	if len(records) == 0 {
		a.cache.Add(fqid, cachedModel{})
		return nil, false, nil
	}
	model, err := a.codec.Decode(records[0].Data)
	if err != nil {
		return nil, false, err
	}
	a.cache.Add(fqid, cachedModel{model: model, found: true})
	return model, true, nil
}

func (a *PersistentAccessor) GetAllIDsForCollection(ctx context.Context, collection string) ([]int64, error) {
	live := map[int64]bool{}
	if a.baseID != 0 {
		var rows []struct {
			Fqid    string
			Deleted bool
		}
		err := a.db.WithContext(ctx).Model(&storage.MigrationKeyframeModelRecord{}).
			Select("fqid, deleted").
			Where("keyframe_id = ? AND collection = ?", a.baseID, collection).
			Scan(&rows).Error
		if err != nil {
			return nil, fmt.Errorf("load keyframe ids of %s: %w", collection, err)
		}
		for _, row := range rows {
			live[datastore.Fqid(row.Fqid).ID()] = !row.Deleted
		}
	}
	for fqid, model := range a.delta {
		if fqid.Collection() == collection {
			live[fqid.ID()] = !model.IsDeleted()
		}
	}
	ids := make([]int64, 0, len(live))
	for id, isLive := range live {
		if isLive {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (a *PersistentAccessor) ApplyEvent(ctx context.Context, event datastore.Event) error {
	current, _, err := a.GetModel(ctx, event.Fqid)
	if err != nil {
		return err
	}
	next, err := datastore.ApplyEvent(current, event, a.position)
	if err != nil {
		return err
	}
	a.delta[event.Fqid] = next
	return nil
}

func (a *PersistentAccessor) MoveToNextPosition(ctx context.Context, position int64) error {
	if position <= a.position {
		datastore.BadCoding("keyframe of index %d moved from position %d to %d", a.index, a.position, position)
	}
	if a.position-a.basePosition >= a.interval {
		if err := a.Checkpoint(ctx); err != nil {
			return err
		}
	}
	a.position = position
	return nil
}

func (a *PersistentAccessor) Position() int64 {
	return a.position
}

// MigrationIndex reports the migration index the accessor folds events for.
func (a *PersistentAccessor) MigrationIndex() int64 {
	return a.index
}

// Checkpoint materializes the current state as the keyframe (migration index, position).
// When that keyframe already exists the accessor rebases onto it, since two accessors of one
// migration index fold identical events.
func (a *PersistentAccessor) Checkpoint(ctx context.Context) error {
	if a.baseID != 0 && a.position == a.basePosition && len(a.delta) == 0 {
		return nil
	}
	record := storage.MigrationKeyframeRecord{Position: a.position, MigrationIndex: a.index}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return tx.Where("migration_index = ? AND position = ?", a.index, a.position).Take(&record).Error
		}
		if a.baseID != 0 {
			err := tx.Exec(`INSERT INTO migration_keyframe_models (keyframe_id, fqid, collection, deleted, data)
SELECT ?, fqid, collection, deleted, data FROM migration_keyframe_models WHERE keyframe_id = ?`, record.ID, a.baseID).Error
			if err != nil {
				return err
			}
		}
		if err := a.writeDelta(tx, record.ID); err != nil {
			return err
		}
		return pruneKeyframes(tx, a.index, record)
	})
	if err != nil {
		return fmt.Errorf("checkpoint keyframe of index %d at position %d: %w", a.index, a.position, err)
	}
	a.logger.Debug("keyframe materialized",
		zap.Int64("migration_index", a.index),
		zap.Int64("position", a.position),
		zap.Int("changed_models", len(a.delta)))
	a.baseID = record.ID
	a.basePosition = a.position
	a.delta = map[datastore.Fqid]datastore.Model{}
	a.cache.Purge()
	return nil
}

// ForEach visits every model of the current state, deleted ones included.
func (a *PersistentAccessor) ForEach(ctx context.Context, visit func(datastore.Fqid, datastore.Model) error) error {
	if a.baseID != 0 {
		last := ""
		for {
			var records []storage.MigrationKeyframeModelRecord
			err := a.db.WithContext(ctx).
				Where("keyframe_id = ? AND fqid > ?", a.baseID, last).
				Order("fqid").Limit(storage.BatchSize).
				Find(&records).Error
			if err != nil {
				return fmt.Errorf("scan keyframe %d: %w", a.baseID, err)
			}
			for _, record := range records {
				fqid := datastore.Fqid(record.Fqid)
				if _, changed := a.delta[fqid]; changed {
					continue
				}
				model, err := a.codec.Decode(record.Data)
				if err != nil {
					return err
				}
				if err := visit(fqid, model); err != nil {
					return err
				}
			}
			if len(records) < storage.BatchSize {
				break
			}
			last = records[len(records)-1].Fqid
		}
	}
	for fqid, model := range a.delta {
		if err := visit(fqid, model); err != nil {
			return err
		}
	}
	return nil
}

func (a *PersistentAccessor) writeDelta(tx *gorm.DB, keyframeID int64) error {
	if len(a.delta) == 0 {
		return nil
	}
	rows := make([]storage.MigrationKeyframeModelRecord, 0, len(a.delta))
	for fqid, model := range a.delta {
		blob, err := a.codec.Encode(model)
		if err != nil {
			return err
		}
		rows = append(rows, storage.MigrationKeyframeModelRecord{
			KeyframeID: keyframeID,
			Fqid:       fqid.String(),
			Collection: fqid.Collection(),
			Deleted:    model.IsDeleted(),
			Data:       blob,
		})
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "keyframe_id"}, {Name: "fqid"}},
		DoUpdates: clause.AssignmentColumns([]string{"collection", "deleted", "data"}),
	}).CreateInBatches(&rows, storage.BatchSize).Error
}

func pruneKeyframes(tx *gorm.DB, migrationIndex int64, current storage.MigrationKeyframeRecord) error {
	older := tx.Model(&storage.MigrationKeyframeRecord{}).
		Select("id").
		Where("migration_index = ? AND position < ?", migrationIndex, current.Position)
	if err := tx.Where("keyframe_id IN (?)", older).Delete(&storage.MigrationKeyframeModelRecord{}).Error; err != nil {
		return err
	}
	return tx.Where("migration_index = ? AND position < ?", migrationIndex, current.Position).
		Delete(&storage.MigrationKeyframeRecord{}).Error
}
