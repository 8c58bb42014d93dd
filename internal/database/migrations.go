package database

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillIDSequences    = "2026-06-02_backfill_id_sequences"
	migrationNormalizeUnsetPosition = "2026-07-14_normalize_unset_migration_index"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// applyMigrations runs one-shot schema repairs, each in its own transaction together with
// its db_migrations row. These are unrelated to event migrations, which rewrite the event log
// and live in the migrations package.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	definitions := []migrationDefinition{
		{name: migrationBackfillIDSequences, apply: backfillIDSequences},
		{name: migrationNormalizeUnsetPosition, apply: normalizeUnsetMigrationIndex},
	}

	for _, definition := range definitions {
		applied := false
		err := db.Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&migrationRecord{}).Where("name = ?", definition.name).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			if err := definition.apply(tx); err != nil {
				return fmt.Errorf("%s: %w", definition.name, err)
			}
			applied = true
			return tx.Create(&migrationRecord{Name: definition.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if applied && logger != nil {
			logger.Info("database migration applied", zap.String("migration", definition.name))
		}
	}
	return nil
}

func backfillIDSequences(db *gorm.DB) error {
	return storage.BumpIDSequences(context.Background(), db)
}

// Older databases stored 0 for positions written before any migration index was known.
func normalizeUnsetMigrationIndex(db *gorm.DB) error {
	return db.Model(&storage.PositionRecord{}).
		Where("migration_index = 0").
		Update("migration_index", storage.NoMigrationIndex).Error
}
