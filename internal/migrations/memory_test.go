package migrations

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func importedModels() map[datastore.Fqid]datastore.Model {
	return map[datastore.Fqid]datastore.Model{
		"a/1": {"old": "x", datastore.MetaDeleted: false, datastore.MetaPosition: int64(5)},
		"a/2": {"old": "y", datastore.MetaDeleted: true, datastore.MetaPosition: int64(6)},
	}
}

func TestMemoryMigraterRunsEveryStep(t *testing.T) {
	registry, err := NewRegistry(
		rename(2),
		countLive{BaseEventMigration: BaseEventMigration{Index: 3}, collection: "a"},
		tagAll{index: 4, collection: "a"},
	)
	require.NoError(t, err)
	input := importedModels()

	migrated, err := NewMemoryMigrater(registry).Migrate(context.Background(), input, FirstMigrationIndex)
	require.NoError(t, err)

	assert.Equal(t, "x", migrated["a/1"]["new"])
	assert.NotContains(t, migrated["a/1"], "old")
	assert.Equal(t, true, migrated["a/1"]["tagged"])
	assert.Equal(t, "y", migrated["a/2"]["new"])
	assert.True(t, migrated["a/2"].IsDeleted())
	assert.NotContains(t, migrated["a/2"], "tagged")
	assert.Equal(t, float64(1), migrated["summary/1"]["count"])
	assert.Equal(t, "x", input["a/1"]["old"], "input models are not mutated")
}

func TestMemoryMigraterStartsAtTheGivenIndex(t *testing.T) {
	registry, err := NewRegistry(rename(2), tagAll{index: 3, collection: "a"})
	require.NoError(t, err)
	migrater := NewMemoryMigrater(registry)
	ctx := context.Background()

	migrated, err := migrater.Migrate(ctx, importedModels(), 2)
	require.NoError(t, err)
	assert.Equal(t, "x", migrated["a/1"]["old"])
	assert.Equal(t, true, migrated["a/1"]["tagged"])

	unchanged, err := migrater.Migrate(ctx, importedModels(), 3)
	require.NoError(t, err)
	assert.Equal(t, importedModels(), unchanged)

	_, err = migrater.Migrate(ctx, importedModels(), 4)
	var mismatchErr *MismatchingMigrationIndicesError
	require.ErrorAs(t, err, &mismatchErr)
}

func TestMemoryMigraterWrapsHookFailures(t *testing.T) {
	registry, err := NewRegistry(failing{BaseEventMigration{Index: 2}})
	require.NoError(t, err)

	_, err = NewMemoryMigrater(registry).Migrate(context.Background(), importedModels(), FirstMigrationIndex)
	var migrationErr *MigrationError
	require.ErrorAs(t, err, &migrationErr)
	assert.Equal(t, int64(2), migrationErr.MigrationIndex)
	assert.ErrorIs(t, err, errHook)
}
