// Package keyframes provides indexed model snapshots scoped to one migration index. An
// accessor starts from a base state, folds events position by position and answers model
// lookups as of its current position.
package keyframes

import (
	"context"
	"slices"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
)

// Accessor reads and advances the model state of one migration index.
type Accessor interface {
	// GetModel returns the model of fqid as of the current position, including deleted
	// models. The returned model must not be mutated.
	GetModel(ctx context.Context, fqid datastore.Fqid) (datastore.Model, bool, error)
	// GetAllIDsForCollection lists the ids of the live models of a collection in ascending order.
	GetAllIDsForCollection(ctx context.Context, collection string) ([]int64, error)
	// ApplyEvent folds one event at the current position.
	ApplyEvent(ctx context.Context, event datastore.Event) error
	// MoveToNextPosition advances the accessor before the events of position are applied.
	MoveToNextPosition(ctx context.Context, position int64) error
	// Position reports the position events are currently applied at.
	Position() int64
}

// MemoryAccessor keeps the full state resident. It serves imports of a self-contained set of
// models folded at a single synthetic position.
type MemoryAccessor struct {
	models   map[datastore.Fqid]datastore.Model
	position int64
}

// NewMemoryAccessor starts from a copy of models at position.
func NewMemoryAccessor(models map[datastore.Fqid]datastore.Model, position int64) *MemoryAccessor {
	cloned := make(map[datastore.Fqid]datastore.Model, len(models))
	for fqid, model := range models {
		cloned[fqid] = model.Clone()
	}
	return &MemoryAccessor{models: cloned, position: position}
}

func (a *MemoryAccessor) GetModel(_ context.Context, fqid datastore.Fqid) (datastore.Model, bool, error) {
	model, ok := a.models[fqid]
	return model, ok, nil
}

func (a *MemoryAccessor) GetAllIDsForCollection(_ context.Context, collection string) ([]int64, error) {
	var ids []int64
	for fqid, model := range a.models {
		if fqid.Collection() == collection && !model.IsDeleted() {
			ids = append(ids, fqid.ID())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (a *MemoryAccessor) ApplyEvent(_ context.Context, event datastore.Event) error {
	next, err := datastore.ApplyEvent(a.models[event.Fqid], event, a.position)
	if err != nil {
		return err
	}
	a.models[event.Fqid] = next
	return nil
}

func (a *MemoryAccessor) MoveToNextPosition(_ context.Context, position int64) error {
	a.position = position
	return nil
}

func (a *MemoryAccessor) Position() int64 {
	return a.position
}

// Models returns the current state. The map is owned by the accessor.
func (a *MemoryAccessor) Models() map[datastore.Fqid]datastore.Model {
	return a.models
}
