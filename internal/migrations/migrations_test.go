package migrations

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/reader"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countedRename struct {
	renameField
	calls *int
}

func (m countedRename) MigrateEvent(ctx context.Context, event datastore.Event, step Step) (Result, error) {
	*m.calls++
	return m.renameField.MigrateEvent(ctx, event, step)
}

func TestRegistryValidatesIndices(t *testing.T) {
	_, err := NewRegistry(rename(2), rename(4))
	var setupErr *MigrationSetupError
	require.ErrorAs(t, err, &setupErr)

	_, err = NewRegistry(rename(3))
	require.ErrorAs(t, err, &setupErr)

	_, err = NewRegistry(rename(2), tagAll{index: 3, collection: "a"}, rename(4))
	require.ErrorAs(t, err, &setupErr)
	assert.Contains(t, err.Error(), "follows a model migration")

	registry, err := NewRegistry(rename(2), rename(3), tagAll{index: 4, collection: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), registry.Target())
	assert.Equal(t, int64(3), registry.EventTarget())
	assert.Len(t, registry.EventMigrations(2), 1)
	assert.Len(t, registry.ModelMigrations(3), 1)

	empty, err := NewRegistry()
	require.NoError(t, err)
	assert.Equal(t, FirstMigrationIndex, empty.Target())
}

func TestEngineRenamesFieldAcrossHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, FirstMigrationIndex)
	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/1", "fields": {"old": "x", "other": 1}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "update", "fqid": "a/1", "fields": {"old": "y"}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/2", "fields": {"old": "z"}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "update", "fqid": "a/1", "fields": {"old": null}}]}`)
	engine := store.engine(t, rename(2))

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationRequired, status)

	require.NoError(t, engine.Migrate(ctx))
	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, FinalizationRequired, stats.Status)
	assert.Equal(t, int64(1), stats.CurrentMigrationIndex)
	assert.Equal(t, int64(2), stats.StagedMigrationIndex)
	assert.Equal(t, int64(4), stats.StagedPositions)
	assert.Equal(t, int64(4), stats.StagedEvents)
	assert.Positive(t, stats.Keyframes)

	models, err := storage.LoadModels(ctx, store.db, []datastore.Fqid{"a/2"})
	require.NoError(t, err)
	assert.Equal(t, "z", models["a/2"]["old"], "live tables stay untouched until finalize")

	require.NoError(t, engine.Finalize(ctx))
	status, err = engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoMigrationRequired, status)

	index, err := storage.MigrationIndex(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, int64(2), index)

	models, err = storage.LoadModels(ctx, store.db, []datastore.Fqid{"a/1", "a/2"})
	require.NoError(t, err)
	assert.NotContains(t, models["a/1"], "old")
	assert.NotContains(t, models["a/1"], "new")
	assert.Equal(t, float64(1), models["a/1"]["other"])
	assert.Equal(t, int64(4), models["a/1"].Position())
	assert.Equal(t, "z", models["a/2"]["new"])

	dataReader, err := reader.New(reader.Config{Database: store.db})
	require.NoError(t, err)
	historical, err := dataReader.Get(ctx, reader.GetRequest{Fqid: "a/1", Position: 2, DeletedModels: datastore.NoDeleted})
	require.NoError(t, err)
	assert.Equal(t, "y", historical["new"])
	assert.NotContains(t, historical, "old")

	var collectionFields []storage.CollectionFieldRecord
	require.NoError(t, store.db.Order("collectionfield").Find(&collectionFields).Error)
	positions := map[string]int64{}
	for _, record := range collectionFields {
		positions[record.CollectionField] = record.Position
	}
	assert.Equal(t, int64(4), positions["a/new"])
	assert.Equal(t, int64(1), positions["a/other"])
	assert.NotContains(t, positions, "a/old")

	stats, err = engine.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.StagedPositions)
	assert.Zero(t, stats.StagedEvents)
	assert.Zero(t, stats.Keyframes)
	assert.Equal(t, storage.NoMigrationIndex, stats.StagedMigrationIndex)

	ids, err := store.writer.ReserveIDs(ctx, "a", 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
}

func TestEngineResumesStagedMigration(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, FirstMigrationIndex)
	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/1", "fields": {"old": "x"}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "update", "fqid": "a/1", "fields": {"old": "y"}}]}`)
	calls := 0
	engine := store.engine(t, countedRename{renameField: rename(2), calls: &calls})

	require.NoError(t, engine.Migrate(ctx))
	assert.Equal(t, 2, calls)

	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/2", "fields": {"old": "z"}}]}`)
	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationRequired, status)

	require.NoError(t, engine.Migrate(ctx))
	assert.Equal(t, 3, calls, "only the new position is migrated")
	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.StagedPositions)
	assert.Equal(t, FinalizationRequired, stats.Status)

	require.NoError(t, engine.Finalize(ctx))
	models, err := storage.LoadModels(ctx, store.db, []datastore.Fqid{"a/1", "a/2"})
	require.NoError(t, err)
	assert.Equal(t, "y", models["a/1"]["new"])
	assert.Equal(t, "z", models["a/2"]["new"])
}

func TestEngineResetDropsStaging(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, FirstMigrationIndex)
	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/1", "fields": {"old": "x"}}]}`)
	engine := store.engine(t, rename(2))

	require.NoError(t, engine.Migrate(ctx))
	require.NoError(t, engine.Reset(ctx))

	stats, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationRequired, stats.Status)
	assert.Zero(t, stats.StagedPositions)
	assert.Zero(t, stats.Keyframes)
	assert.Equal(t, int64(1), stats.Events)
}

func TestEngineBootstrapsUnsetIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 0)
	engine := store.engine(t, rename(2))

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoMigrationRequired, status, "an empty log needs nothing")

	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/1", "fields": {"old": "x"}}]}`)
	index, err := storage.MigrationIndex(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, storage.NoMigrationIndex, index)

	status, err = engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, MigrationRequired, status)

	require.NoError(t, engine.Migrate(ctx))
	index, err = storage.MigrationIndex(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, int64(2), index)

	models, err := storage.LoadModels(ctx, store.db, []datastore.Fqid{"a/1"})
	require.NoError(t, err)
	assert.Equal(t, "x", models["a/1"]["old"], "bootstrap stamps the index without rewriting events")
}

func TestEngineRejectsMismatchingIndices(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 3)
	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/1", "fields": {"old": "x"}}]}`)
	engine := store.engine(t, rename(2))

	_, err := engine.Status(ctx)
	var mismatchErr *MismatchingMigrationIndicesError
	require.ErrorAs(t, err, &mismatchErr)
	require.ErrorAs(t, engine.Migrate(ctx), &mismatchErr)
	require.ErrorAs(t, engine.Finalize(ctx), &mismatchErr)
}

func TestFinalizeRunsModelMigrations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, FirstMigrationIndex)
	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/1", "fields": {"old": "x"}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/2", "fields": {"old": "y"}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "delete", "fqid": "a/2"}]}`)
	engine := store.engine(t, rename(2), tagAll{index: 3, collection: "a"})

	require.NoError(t, engine.Finalize(ctx))

	index, err := storage.MigrationIndex(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, int64(3), index)
	position, err := storage.MaxPosition(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, int64(4), position)

	models, err := storage.LoadModels(ctx, store.db, []datastore.Fqid{"a/1", "a/2"})
	require.NoError(t, err)
	assert.Equal(t, true, models["a/1"]["tagged"])
	assert.Equal(t, "x", models["a/1"]["new"])
	assert.True(t, models["a/2"].IsDeleted())
	assert.NotContains(t, models["a/2"], "tagged")

	require.NotEmpty(t, store.publisher.batches)
	last := store.publisher.batches[len(store.publisher.batches)-1]
	assert.Equal(t, true, last[4]["a/1"]["tagged"])

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoMigrationRequired, status)
}

func TestFinalizeWithOnlyModelMigrationsSkipsTheSwap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, FirstMigrationIndex)
	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/1", "fields": {"old": "x"}}]}`)
	engine := store.engine(t, tagAll{index: 2, collection: "a"})

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, FinalizationRequired, status)

	require.NoError(t, engine.Finalize(ctx))
	models, err := storage.LoadModels(ctx, store.db, []datastore.Fqid{"a/1"})
	require.NoError(t, err)
	assert.Equal(t, "x", models["a/1"]["old"])
	assert.Equal(t, true, models["a/1"]["tagged"])
}

func TestEngineFailingStepLeavesStagingEmpty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, FirstMigrationIndex)
	store.write(t, `{"user_id": 1, "events": [{"type": "create", "fqid": "a/1", "fields": {"old": "x"}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "update", "fqid": "a/1", "fields": {"old": "y"}}]}`)
	broken := store.engine(t, failing{BaseEventMigration{Index: 2}})

	for _, run := range []func(context.Context) error{broken.Migrate, broken.Finalize} {
		err := run(ctx)
		var migrationErr *MigrationError
		require.ErrorAs(t, err, &migrationErr)
		assert.Equal(t, int64(2), migrationErr.MigrationIndex)
		assert.Equal(t, int64(1), migrationErr.Position)
		assert.ErrorIs(t, err, errHook)

		stats, err := broken.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, MigrationRequired, stats.Status)
		assert.Equal(t, int64(1), stats.CurrentMigrationIndex)
		assert.Zero(t, stats.StagedPositions)
		assert.Zero(t, stats.StagedEvents)
		assert.Zero(t, stats.Keyframes)
		assert.Equal(t, int64(2), stats.Events)
	}

	models, err := storage.LoadModels(ctx, store.db, []datastore.Fqid{"a/1"})
	require.NoError(t, err)
	assert.Equal(t, "y", models["a/1"]["old"])

	require.NoError(t, broken.Reset(ctx))
	fixed := store.engine(t, rename(2))
	require.NoError(t, fixed.Finalize(ctx))

	models, err = storage.LoadModels(ctx, store.db, []datastore.Fqid{"a/1"})
	require.NoError(t, err)
	assert.Equal(t, "y", models["a/1"]["new"])
	assert.NotContains(t, models["a/1"], "old")
}

func TestEngineChainReadsOldStateAcrossCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, FirstMigrationIndex)
	store.write(t, `{"user_id": 1, "events": [
		{"type": "create", "fqid": "a/1", "fields": {"old": "x", "tags": ["a"]}},
		{"type": "create", "fqid": "a/2", "fields": {"old": "z"}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "update", "fqid": "a/1", "fields": {"old": "y"}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "delete", "fqid": "a/2"}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "restore", "fqid": "a/2"}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "update", "fqid": "a/1", "list_fields": {"add": {"tags": ["b"]}}}]}`)
	store.write(t, `{"user_id": 1, "events": [{"type": "update", "fqid": "a/2", "fields": {"old": "w"}}]}`)
	const latest = int64(6)

	engine := store.engine(t,
		renameField{BaseEventMigration: BaseEventMigration{Index: 2}, collection: "a", from: "old", to: "mid"},
		copyFromOld{BaseEventMigration: BaseEventMigration{Index: 3}, collection: "a", field: "mid", target: "seen"},
		renameField{BaseEventMigration: BaseEventMigration{Index: 4}, collection: "a", from: "mid", to: "new"},
	)
	require.NoError(t, engine.Finalize(ctx))

	index, err := storage.MigrationIndex(ctx, store.db)
	require.NoError(t, err)
	assert.Equal(t, int64(4), index)

	dataReader, err := reader.New(reader.Config{Database: store.db})
	require.NoError(t, err)
	fqids := []datastore.Fqid{"a/1", "a/2"}
	for position := int64(1); position <= latest; position++ {
		for _, fqid := range fqids {
			historical, err := dataReader.Get(ctx, reader.GetRequest{Fqid: fqid, Position: position, DeletedModels: datastore.AllModels})
			require.NoError(t, err)
			assert.NotContains(t, historical, "old", "%s at %d", fqid, position)
			assert.NotContains(t, historical, "mid", "%s at %d", fqid, position)
			assert.Equal(t, historical["new"], historical["seen"], "%s at %d", fqid, position)
		}
	}

	current, err := storage.LoadModels(ctx, store.db, fqids)
	require.NoError(t, err)
	for _, fqid := range fqids {
		replayed, err := dataReader.Get(ctx, reader.GetRequest{Fqid: fqid, Position: latest, DeletedModels: datastore.AllModels})
		require.NoError(t, err)
		assert.Equal(t, replayed.Fields(), current[fqid].Fields(), "%s", fqid)
	}
	assert.Equal(t, "y", current["a/1"]["new"])
	assert.Equal(t, []any{"a", "b"}, current["a/1"]["tags"])
	assert.Equal(t, "w", current["a/2"]["seen"])
	assert.False(t, current["a/2"].IsDeleted())
}
