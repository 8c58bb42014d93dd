package migrations

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/database"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/writer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// renameField renames one field of a collection in every create, update and deletefields event.
type renameField struct {
	BaseEventMigration
	collection string
	from       string
	to         string
}

func (m renameField) MigrateEvent(_ context.Context, event datastore.Event, _ Step) (Result, error) {
	if event.Fqid.Collection() != m.collection {
		return Keep(), nil
	}
	switch event.Type {
	case datastore.EventTypeCreate, datastore.EventTypeUpdate:
		value, ok := event.Fields[m.from]
		if !ok {
			return Keep(), nil
		}
		delete(event.Fields, m.from)
		event.Fields[m.to] = value
		return Replace(event), nil
	case datastore.EventTypeDeleteFields:
		renamed := make([]string, 0, len(event.DeletedFields))
		for _, field := range event.DeletedFields {
			if field == m.from {
				field = m.to
			}
			renamed = append(renamed, field)
		}
		return Replace(datastore.NewDeleteFieldsEvent(event.Fqid, renamed)), nil
	default:
		return Keep(), nil
	}
}

// countLive maintains summary/1 with the number of live models of a collection after every position.
type countLive struct {
	BaseEventMigration
	collection string
}

func (m countLive) AdditionalEvents(ctx context.Context, step Step) ([]datastore.Event, error) {
	ids, err := step.New.GetAllIDsForCollection(ctx, m.collection)
	if err != nil {
		return nil, err
	}
	summary := datastore.NewFqid("summary", 1)
	fields := map[string]any{"count": float64(len(ids))}
	if _, found, err := step.New.GetModel(ctx, summary); err != nil {
		return nil, err
	} else if found {
		return []datastore.Event{datastore.NewUpdateEvent(summary, fields)}, nil
	}
	return []datastore.Event{datastore.NewCreateEvent(summary, fields)}, nil
}

// tagAll marks every live model of a collection.
type tagAll struct {
	index      int64
	collection string
}

func (m tagAll) TargetMigrationIndex() int64 {
	return m.index
}

func (m tagAll) Migrate(ctx context.Context, reader ModelReader) ([]datastore.RequestEvent, error) {
	models, err := reader.GetAll(ctx, m.collection)
	if err != nil {
		return nil, err
	}
	events := make([]datastore.RequestEvent, 0, len(models))
	for id := range models {
		events = append(events, datastore.RequestEvent{
			Type:   datastore.RequestEventUpdate,
			Fqid:   datastore.NewFqid(m.collection, id).String(),
			Fields: map[string]any{"tagged": true},
		})
	}
	return events, nil
}

type recordingPublisher struct {
	batches []messaging.EventsByPosition
}

func (p *recordingPublisher) HandleEvents(_ context.Context, events messaging.EventsByPosition) error {
	p.batches = append(p.batches, events)
	return nil
}

type testStore struct {
	db        *gorm.DB
	writer    *writer.Writer
	publisher *recordingPublisher
}

func newTestStore(t *testing.T, initialMigrationIndex int64) testStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "migrations.db"), zap.NewNop())
	require.NoError(t, err)
	publisher := &recordingPublisher{}
	dataWriter, err := writer.New(writer.Config{
		Database:              db,
		Publisher:             publisher,
		Clock:                 func() time.Time { return time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC) },
		InitialMigrationIndex: initialMigrationIndex,
	})
	require.NoError(t, err)
	return testStore{db: db, writer: dataWriter, publisher: publisher}
}

func (s testStore) write(t *testing.T, raw string) {
	t.Helper()
	requests, err := datastore.ParseWriteRequests([]byte(raw))
	require.NoError(t, err)
	_, err = s.writer.Write(context.Background(), requests)
	require.NoError(t, err)
}

func (s testStore) engine(t *testing.T, migrations ...Migration) *Engine {
	t.Helper()
	registry, err := NewRegistry(migrations...)
	require.NoError(t, err)
	engine, err := New(Config{
		Database:         s.db,
		Registry:         registry,
		Writer:           s.writer,
		Publisher:        s.publisher,
		KeyframeInterval: 2,
	})
	require.NoError(t, err)
	return engine
}

func rename(index int64) renameField {
	return renameField{BaseEventMigration: BaseEventMigration{Index: index}, collection: "a", from: "old", to: "new"}
}

var errHook = errors.New("hook failed")

type failing struct {
	BaseEventMigration
}

func (failing) MigrateEvent(context.Context, datastore.Event, Step) (Result, error) {
	return Result{}, errHook
}

// copyFromOld stores the value a field had in the pre-step state on every create and update.
type copyFromOld struct {
	BaseEventMigration
	collection string
	field      string
	target     string
}

func (m copyFromOld) MigrateEvent(ctx context.Context, event datastore.Event, step Step) (Result, error) {
	if event.Fqid.Collection() != m.collection {
		return Keep(), nil
	}
	if event.Type != datastore.EventTypeCreate && event.Type != datastore.EventTypeUpdate {
		return Keep(), nil
	}
	model, found, err := step.Old.GetModel(ctx, event.Fqid)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, fmt.Errorf("%s missing from the old state at position %d", event.Fqid, step.Position)
	}
	value, ok := model[m.field]
	if !ok {
		return Keep(), nil
	}
	event.Fields[m.target] = value
	return Replace(event), nil
}
