package storage

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "storage.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(Records()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestCompileFilterAgreesWithMatch(testContext *testing.T) {
	database := openTestDatabase(testContext)
	models := map[datastore.Fqid]datastore.Model{
		"user/1": {"name": "Alice", "age": float64(30), "active": true, datastore.MetaDeleted: false},
		"user/2": {"name": "bob", "age": float64(17), "active": false, datastore.MetaDeleted: false},
		"user/3": {"name": nil, "age": "old", datastore.MetaDeleted: false},
		"user/4": {"age": float64(65.5), datastore.MetaDeleted: false},
	}
	for fqid, model := range models {
		if err := SaveModel(testContext.Context(), database, fqid, model); err != nil {
			testContext.Fatalf("failed to save model: %v", err)
		}
	}

	filters := []string{
		`{"field":"name","operator":"=","value":"Alice"}`,
		`{"field":"name","operator":"=","value":null}`,
		`{"field":"name","operator":"!=","value":null}`,
		`{"field":"name","operator":"!=","value":"Alice"}`,
		`{"field":"age","operator":">=","value":18}`,
		`{"field":"age","operator":"<","value":100}`,
		`{"field":"name","operator":"~=","value":"BOB"}`,
		`{"field":"name","operator":"%=","value":"%l%"}`,
		`{"field":"active","operator":"=","value":true}`,
		`{"field":"active","operator":"<","value":true}`,
		`{"not_filter":{"field":"age","operator":">","value":20}}`,
		`{"or_filter":[{"field":"name","operator":"=","value":"bob"},{"not_filter":{"field":"name","operator":"%=","value":"a%"}}]}`,
		`{"and_filter":[{"field":"meta_deleted","operator":"=","value":false},{"field":"age","operator":"<=","value":30}]}`,
	}

	for _, raw := range filters {
		filter, err := datastore.ParseFilter([]byte(raw))
		if err != nil {
			testContext.Fatalf("unexpected filter error: %v", err)
		}
		clause, args := CompileFilter(filter, "data")
		var fromSQL []string
		if err := database.Model(&ModelRecord{}).Where(clause, args...).Order("fqid").Pluck("fqid", &fromSQL).Error; err != nil {
			testContext.Fatalf("query for %s failed: %v", raw, err)
		}

		var fromMemory []string
		for fqid, model := range models {
			if filter.Match(model) {
				fromMemory = append(fromMemory, fqid.String())
			}
		}
		sort.Strings(fromMemory)

		if len(fromSQL) != len(fromMemory) {
			testContext.Fatalf("filter %s: sql %v, memory %v", raw, fromSQL, fromMemory)
		}
		for index := range fromSQL {
			if fromSQL[index] != fromMemory[index] {
				testContext.Fatalf("filter %s: sql %v, memory %v", raw, fromSQL, fromMemory)
			}
		}
	}
}

func TestMigrationIndexDetectsMismatch(testContext *testing.T) {
	database := openTestDatabase(testContext)
	ctx := testContext.Context()

	index, err := MigrationIndex(ctx, database)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if index != NoMigrationIndex {
		testContext.Fatalf("expected no migration index, got %d", index)
	}

	for _, migrationIndex := range []int64{2, 3} {
		record := PositionRecord{MigrationIndex: migrationIndex}
		if err := database.Create(&record).Error; err != nil {
			testContext.Fatalf("failed to insert position: %v", err)
		}
	}
	if _, err := MigrationIndex(ctx, database); err == nil {
		testContext.Fatalf("expected mismatching indices error")
	}
}

func TestFoldEventsOrdersByPositionAndWeight(testContext *testing.T) {
	events := []EventRecord{
		{Position: 2, Weight: 1, Fqid: "a/1", Type: "update", Data: `{"f":2}`},
		{Position: 1, Weight: 2, Fqid: "a/1", Type: "update", Data: `{"f":1}`},
		{Position: 1, Weight: 1, Fqid: "a/1", Type: "create", Data: `{}`},
	}
	SortEvents(events)
	models, err := FoldEvents(events)
	if err != nil {
		testContext.Fatalf("unexpected fold error: %v", err)
	}
	model := models["a/1"]
	if model["f"] != float64(2) || model.Position() != 2 {
		testContext.Fatalf("unexpected model: %#v", model)
	}
}
