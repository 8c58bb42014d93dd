package migrations

import (
	"context"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/keyframes"
)

// stagedEvent is a migrated event together with the fields it modified in the migrated state.
type stagedEvent struct {
	event          datastore.Event
	modifiedFields []string
}

// stepRunner migrates the positions of one step K-1 -> K. old folds the events as they are
// stored at index K-1, new folds their migrated replacements at index K.
type stepRunner struct {
	migration EventMigration
	old       keyframes.Accessor
	new       keyframes.Accessor
}

func (r stepRunner) move(ctx context.Context, position int64) error {
	if err := r.old.MoveToNextPosition(ctx, position); err != nil {
		return err
	}
	return r.new.MoveToNextPosition(ctx, position)
}

// migratePosition runs the migration over the events of one position and returns the events
// which replace them. Each event is applied to old before its hook runs; replacements and
// additional events are applied to new.
func (r stepRunner) migratePosition(ctx context.Context, data PositionData, events []datastore.Event) ([]stagedEvent, error) {
	step := Step{PositionData: data, Old: r.old, New: r.new}
	var migrated []stagedEvent
	for _, event := range datastore.SortCreatesFirst(events) {
		if err := r.old.ApplyEvent(ctx, event.Clone()); err != nil {
			return nil, r.fail(data.Position, err)
		}
		result, err := r.migration.MigrateEvent(ctx, event.Clone(), step)
		if err != nil {
			return nil, r.fail(data.Position, err)
		}
		replacements := []datastore.Event{event}
		if result.replace {
			replacements = result.events
		}
		for _, replacement := range replacements {
			staged, keep, err := applyMigrated(ctx, r.new, replacement)
			if err != nil {
				return nil, r.fail(data.Position, err)
			}
			if keep {
				migrated = append(migrated, staged)
			}
		}
	}
	additional, err := r.migration.AdditionalEvents(ctx, step)
	if err != nil {
		return nil, r.fail(data.Position, err)
	}
	for _, event := range datastore.SortCreatesFirst(additional) {
		staged, keep, err := applyMigrated(ctx, r.new, event)
		if err != nil {
			return nil, r.fail(data.Position, err)
		}
		if keep {
			migrated = append(migrated, staged)
		}
	}
	return migrated, nil
}

func (r stepRunner) fail(position int64, err error) error {
	return &MigrationError{MigrationIndex: r.migration.TargetMigrationIndex(), Position: position, Err: err}
}

// applyMigrated drops no-op events, narrows list updates to their effective delta against
// the migrated state and applies the result to accessor.
func applyMigrated(ctx context.Context, accessor keyframes.Accessor, event datastore.Event) (stagedEvent, bool, error) {
	if event.IsNoop() {
		return stagedEvent{}, false, nil
	}
	before, _, err := accessor.GetModel(ctx, event.Fqid)
	if err != nil {
		return stagedEvent{}, false, err
	}
	if event.Type == datastore.EventTypeListFields {
		effective, err := datastore.EffectiveListUpdate(before, event)
		if err != nil {
			return stagedEvent{}, false, err
		}
		if effective.IsNoop() {
			return stagedEvent{}, false, nil
		}
		event = effective
	}
	modified := event.ModifiedFields(before)
	if err := accessor.ApplyEvent(ctx, event); err != nil {
		return stagedEvent{}, false, err
	}
	return stagedEvent{event: event, modifiedFields: modified}, true, nil
}

func stagedEvents(staged []stagedEvent) []datastore.Event {
	events := make([]datastore.Event, 0, len(staged))
	for _, entry := range staged {
		events = append(events, entry.event)
	}
	return events
}
