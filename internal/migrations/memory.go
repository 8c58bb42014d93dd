package migrations

import (
	"context"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/keyframes"
)

// syntheticPosition is the single position a set of imported models is folded at.
const syntheticPosition int64 = 1

// MemoryMigrater migrates a self-contained set of models with the registered migrations,
// without touching any table. The models are replayed as creates at one synthetic position.
type MemoryMigrater struct {
	registry *Registry
	clock    func() time.Time
}

// NewMemoryMigrater builds a MemoryMigrater over registry.
func NewMemoryMigrater(registry *Registry) *MemoryMigrater {
	return &MemoryMigrater{registry: registry, clock: time.Now}
}

// Migrate returns models migrated from fromIndex to the target index. Deleted models stay
// deleted. The input is never mutated.
func (m *MemoryMigrater) Migrate(ctx context.Context, models map[datastore.Fqid]datastore.Model, fromIndex int64) (map[datastore.Fqid]datastore.Model, error) {
	target := m.registry.Target()
	if fromIndex < FirstMigrationIndex || fromIndex > target {
		return nil, mismatch("models at index %d cannot be migrated to index %d", fromIndex, target)
	}
	if fromIndex == target {
		return keyframes.NewMemoryAccessor(models, syntheticPosition).Models(), nil
	}

	data := PositionData{Position: syntheticPosition, Timestamp: m.clock().UTC()}
	events := seedEvents(models)
	state := keyframes.NewMemoryAccessor(nil, syntheticPosition)
	migrations := m.registry.EventMigrations(fromIndex)
	if len(migrations) == 0 {
		for _, event := range events {
			if err := state.ApplyEvent(ctx, event); err != nil {
				return nil, err
			}
		}
	}
	for _, migration := range migrations {
		runner := stepRunner{
			migration: migration,
			old:       keyframes.NewMemoryAccessor(nil, 0),
			new:       keyframes.NewMemoryAccessor(nil, 0),
		}
		if err := runner.move(ctx, syntheticPosition); err != nil {
			return nil, err
		}
		staged, err := runner.migratePosition(ctx, data, events)
		if err != nil {
			return nil, err
		}
		events = stagedEvents(staged)
		state = runner.new.(*keyframes.MemoryAccessor)
	}

	for _, migration := range m.registry.ModelMigrations(max(fromIndex, m.registry.EventTarget())) {
		requestEvents, err := migration.Migrate(ctx, memoryReader{models: state.Models()})
		if err != nil {
			return nil, &MigrationError{MigrationIndex: migration.TargetMigrationIndex(), Position: syntheticPosition, Err: err}
		}
		for _, requestEvent := range requestEvents {
			if err := requestEvent.Validate(); err != nil {
				return nil, &MigrationError{MigrationIndex: migration.TargetMigrationIndex(), Position: syntheticPosition, Err: err}
			}
		}
		for _, event := range datastore.SortCreatesFirst(datastore.TranslateEvents(requestEvents)) {
			if _, _, err := applyMigrated(ctx, state, event); err != nil {
				return nil, &MigrationError{MigrationIndex: migration.TargetMigrationIndex(), Position: syntheticPosition, Err: err}
			}
		}
	}
	return state.Models(), nil
}

// seedEvents recreates models as creates, followed by a delete for every deleted model.
func seedEvents(models map[datastore.Fqid]datastore.Model) []datastore.Event {
	fqids := make([]datastore.Fqid, 0, len(models))
	for fqid := range models {
		fqids = append(fqids, fqid)
	}
	sort.Slice(fqids, func(i, j int) bool { return fqids[i] < fqids[j] })
	events := make([]datastore.Event, 0, len(fqids))
	var deletes []datastore.Event
	for _, fqid := range fqids {
		model := models[fqid]
		events = append(events, datastore.NewCreateEvent(fqid, model.Clone().Fields()))
		if model.IsDeleted() {
			deletes = append(deletes, datastore.NewDeleteEvent(fqid))
		}
	}
	return append(events, deletes...)
}
