package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsIDSequences(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(storage.Records(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	rows := []storage.ModelRecord{
		{Fqid: "motion/3", Data: `{}`},
		{Fqid: "motion/12", Data: `{}`},
		{Fqid: "user/1", Data: `{}`},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert models: %v", err)
	}
	if err := database.Create(&storage.IDSequenceRecord{Collection: "user", NextID: 40}).Error; err != nil {
		testContext.Fatalf("failed to insert sequence: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var sequences []storage.IDSequenceRecord
	if err := database.Order("collection").Find(&sequences).Error; err != nil {
		testContext.Fatalf("failed to load sequences: %v", err)
	}
	if len(sequences) != 2 {
		testContext.Fatalf("expected two sequences, got %#v", sequences)
	}
	if sequences[0].Collection != "motion" || sequences[0].NextID != 13 {
		testContext.Fatalf("unexpected motion sequence: %#v", sequences[0])
	}
	if sequences[1].Collection != "user" || sequences[1].NextID != 40 {
		testContext.Fatalf("expected user sequence to keep its higher value: %#v", sequences[1])
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillIDSequences).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
