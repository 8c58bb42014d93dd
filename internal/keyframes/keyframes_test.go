package keyframes

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/database"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type positionEvents struct {
	position int64
	events   []datastore.Event
}

func testHistory() []positionEvents {
	return []positionEvents{
		{position: 1, events: []datastore.Event{
			datastore.NewCreateEvent("a/1", map[string]any{"f": "one", "n": float64(1)}),
			datastore.NewCreateEvent("a/2", nil),
		}},
		{position: 2, events: []datastore.Event{
			datastore.NewUpdateEvent("a/1", map[string]any{"l": []any{"x"}}),
		}},
		{position: 4, events: []datastore.Event{
			datastore.NewDeleteEvent("a/2"),
			datastore.NewCreateEvent("b/7", map[string]any{"nested": map[string]any{"k": true}}),
		}},
		{position: 5, events: []datastore.Event{
			datastore.NewListUpdateEvent("a/1", map[string][]any{"l": {"y"}}, nil),
			datastore.NewDeleteFieldsEvent("a/1", []string{"n"}),
		}},
		{position: 6, events: []datastore.Event{
			datastore.NewRestoreEvent("a/2"),
			datastore.NewCreateEvent("a/3", nil),
		}},
	}
}

func fold(t *testing.T, ctx context.Context, accessor Accessor, history []positionEvents) {
	t.Helper()
	for _, step := range history {
		require.NoError(t, accessor.MoveToNextPosition(ctx, step.position))
		for _, event := range step.events {
			require.NoError(t, accessor.ApplyEvent(ctx, event))
		}
	}
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "keyframes.db"), zap.NewNop())
	require.NoError(t, err)
	return db
}

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestMemoryAccessorFoldsEvents(t *testing.T) {
	ctx := context.Background()
	accessor := NewMemoryAccessor(nil, 0)
	fold(t, ctx, accessor, testHistory())

	model, found, err := accessor.GetModel(ctx, "a/1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, datastore.Model{
		"f":                    "one",
		"l":                    []any{"x", "y"},
		datastore.MetaDeleted:  false,
		datastore.MetaPosition: int64(5),
	}, model)

	ids, err := accessor.GetAllIDsForCollection(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)

	err = accessor.ApplyEvent(ctx, datastore.NewCreateEvent("a/1", nil))
	assert.True(t, datastore.IsModelExists(err))
}

func TestMemoryAccessorDoesNotAliasInput(t *testing.T) {
	ctx := context.Background()
	seed := map[datastore.Fqid]datastore.Model{"a/1": {"l": []any{"x"}, datastore.MetaDeleted: false}}
	accessor := NewMemoryAccessor(seed, 1)
	require.NoError(t, accessor.ApplyEvent(ctx, datastore.NewListUpdateEvent("a/1", map[string][]any{"l": {"y"}}, nil)))
	assert.Equal(t, []any{"x"}, seed["a/1"]["l"])
}

func TestCodecPreservesModelValues(t *testing.T) {
	codec := newTestCodec(t)
	model := datastore.Model{
		"text":                 "value",
		"number":               float64(2.5),
		"whole":                float64(3),
		"flag":                 true,
		"list":                 []any{"a", float64(1)},
		"object":               map[string]any{"inner": []any{float64(4)}},
		"empty":                nil,
		datastore.MetaDeleted:  false,
		datastore.MetaPosition: int64(12),
	}
	blob, err := codec.Encode(model)
	require.NoError(t, err)
	decoded, err := codec.Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, model, decoded)
}

func TestPersistentAccessorAgreesWithMemoryAccessor(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	persistent, err := OpenPersistent(ctx, PersistentConfig{Database: db, Codec: newTestCodec(t), MigrationIndex: 3, Interval: 2, CacheSize: 2})
	require.NoError(t, err)
	memory := NewMemoryAccessor(nil, 0)

	history := testHistory()
	fold(t, ctx, persistent, history)
	fold(t, ctx, memory, history)

	for _, fqid := range []datastore.Fqid{"a/1", "a/2", "a/3", "b/7", "c/1"} {
		expected, expectedFound, _ := memory.GetModel(ctx, fqid)
		actual, actualFound, err := persistent.GetModel(ctx, fqid)
		require.NoError(t, err)
		assert.Equal(t, expectedFound, actualFound, fqid)
		assert.Equal(t, expected, actual, fqid)
	}
	for _, collection := range []string{"a", "b"} {
		expected, _ := memory.GetAllIDsForCollection(ctx, collection)
		actual, err := persistent.GetAllIDsForCollection(ctx, collection)
		require.NoError(t, err)
		assert.Equal(t, expected, actual, collection)
	}

	var keyframes []storage.MigrationKeyframeRecord
	require.NoError(t, db.Find(&keyframes).Error)
	require.Len(t, keyframes, 1, "older keyframes of an index are pruned")
	assert.Equal(t, int64(4), keyframes[0].Position)
}

func TestPersistentAccessorResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	codec := newTestCodec(t)
	config := PersistentConfig{Database: db, Codec: codec, MigrationIndex: 2, Interval: 100}

	accessor, err := OpenPersistent(ctx, config)
	require.NoError(t, err)
	fold(t, ctx, accessor, testHistory())
	require.NoError(t, accessor.Checkpoint(ctx))

	resumed, err := OpenPersistent(ctx, config)
	require.NoError(t, err)
	assert.Equal(t, int64(6), resumed.Position())

	collected := map[datastore.Fqid]datastore.Model{}
	require.NoError(t, resumed.ForEach(ctx, func(fqid datastore.Fqid, model datastore.Model) error {
		collected[fqid] = model
		return nil
	}))
	memory := NewMemoryAccessor(nil, 0)
	fold(t, ctx, memory, testHistory())
	assert.Equal(t, memory.Models(), collected)

	require.NoError(t, resumed.MoveToNextPosition(ctx, 7))
	require.NoError(t, resumed.ApplyEvent(ctx, datastore.NewUpdateEvent("a/3", map[string]any{"g": "new"})))
	model, found, err := resumed.GetModel(ctx, "a/3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "new", model["g"])
	assert.Equal(t, int64(7), model.Position())
}

func TestSiblingAccessorsShareKeyframes(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	codec := newTestCodec(t)
	config := PersistentConfig{Database: db, Codec: codec, MigrationIndex: 2, Interval: 1}

	first, err := OpenPersistent(ctx, config)
	require.NoError(t, err)
	second, err := OpenPersistent(ctx, config)
	require.NoError(t, err)

	for _, step := range testHistory() {
		require.NoError(t, first.MoveToNextPosition(ctx, step.position))
		require.NoError(t, second.MoveToNextPosition(ctx, step.position))
		for _, event := range step.events {
			require.NoError(t, first.ApplyEvent(ctx, event))
			require.NoError(t, second.ApplyEvent(ctx, event))
		}
	}
	require.NoError(t, first.Checkpoint(ctx))
	require.NoError(t, second.Checkpoint(ctx))

	var count int64
	require.NoError(t, db.Model(&storage.MigrationKeyframeRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	expected, _, err := first.GetModel(ctx, "a/1")
	require.NoError(t, err)
	actual, _, err := second.GetModel(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, expected, actual)

	require.NoError(t, Clear(ctx, db))
	require.NoError(t, db.Model(&storage.MigrationKeyframeModelRecord{}).Count(&count).Error)
	assert.Zero(t, count)
}
