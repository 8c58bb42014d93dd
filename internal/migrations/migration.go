// Package migrations rewrites the event log to newer event shapes. Migrations are registered
// with strictly sequential target indices starting at 2. Event migrations rewrite every stored
// event into a staging log which replaces the live log on Finalize; model migrations run
// afterwards against the materialized models and write their results as new positions.
package migrations

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/keyframes"
)

// FirstMigrationIndex is the index of a log no migration was applied to.
const FirstMigrationIndex int64 = 1

// Migration is implemented by EventMigration and ModelMigration.
type Migration interface {
	TargetMigrationIndex() int64
}

// PositionData describes the position whose events are being migrated.
type PositionData struct {
	Position    int64
	Timestamp   time.Time
	UserID      int64
	Information json.RawMessage
}

// Step is what an event migration sees while migrating one position. Old holds the state
// before the step, including the event being migrated. New holds the migrated state, up to
// the previously migrated event.
type Step struct {
	PositionData
	Old keyframes.Accessor
	New keyframes.Accessor
}

// Result is the outcome of migrating one event.
type Result struct {
	replace bool
	events  []datastore.Event
}

// Keep passes the event through unchanged.
func Keep() Result {
	return Result{}
}

// Replace substitutes the event with zero or more events.
func Replace(events ...datastore.Event) Result {
	return Result{replace: true, events: events}
}

// EventMigration rewrites the events of one migration step.
type EventMigration interface {
	Migration
	// MigrateEvent is called for every event of a position, creates first.
	MigrateEvent(ctx context.Context, event datastore.Event, step Step) (Result, error)
	// AdditionalEvents is called once per position after all of its events were migrated.
	// The returned events are appended to the position and applied to New only.
	AdditionalEvents(ctx context.Context, step Step) ([]datastore.Event, error)
}

// BaseEventMigration keeps every event and adds none. Embed it and override what a migration
// changes.
type BaseEventMigration struct {
	Index int64
}

func (m BaseEventMigration) TargetMigrationIndex() int64 {
	return m.Index
}

func (BaseEventMigration) MigrateEvent(context.Context, datastore.Event, Step) (Result, error) {
	return Keep(), nil
}

func (BaseEventMigration) AdditionalEvents(context.Context, Step) ([]datastore.Event, error) {
	return nil, nil
}

// ModelReader is the read surface offered to model migrations. Reads only see live models.
type ModelReader interface {
	Get(ctx context.Context, fqid datastore.Fqid) (datastore.Model, bool, error)
	GetAll(ctx context.Context, collection string) (map[int64]datastore.Model, error)
	Filter(ctx context.Context, collection string, filter datastore.Filter) (map[int64]datastore.Model, error)
}

// ModelMigration derives write events from the materialized models. It runs after every
// event migration of a lower index.
type ModelMigration interface {
	Migration
	Migrate(ctx context.Context, reader ModelReader) ([]datastore.RequestEvent, error)
}
