package migrations

import "fmt"

// Registry holds the validated, ordered chain of migrations.
type Registry struct {
	migrations []Migration
}

// NewRegistry validates that target indices run 2, 3, 4, ... without gaps and that no event
// migration follows a model migration.
func NewRegistry(migrations ...Migration) (*Registry, error) {
	seenModelMigration := false
	for position, migration := range migrations {
		expected := FirstMigrationIndex + 1 + int64(position)
		if migration == nil {
			return nil, &MigrationSetupError{Reason: fmt.Sprintf("migration %d is nil", expected)}
		}
		if index := migration.TargetMigrationIndex(); index != expected {
			return nil, &MigrationSetupError{Reason: fmt.Sprintf("expected target index %d, got %d", expected, index)}
		}
		switch migration.(type) {
		case EventMigration:
			if seenModelMigration {
				return nil, &MigrationSetupError{Reason: fmt.Sprintf("event migration %d follows a model migration", expected)}
			}
		case ModelMigration:
			seenModelMigration = true
		default:
			return nil, &MigrationSetupError{Reason: fmt.Sprintf("migration %d is neither an event nor a model migration", expected)}
		}
	}
	return &Registry{migrations: append([]Migration(nil), migrations...)}, nil
}

// Target is the index a fully migrated log carries.
func (r *Registry) Target() int64 {
	return FirstMigrationIndex + int64(len(r.migrations))
}

// EventTarget is the index after the last event migration.
func (r *Registry) EventTarget() int64 {
	target := FirstMigrationIndex
	for _, migration := range r.migrations {
		if _, ok := migration.(EventMigration); ok {
			target = migration.TargetMigrationIndex()
		}
	}
	return target
}

// EventMigrations returns the event migrations with a target index above from.
func (r *Registry) EventMigrations(from int64) []EventMigration {
	var selected []EventMigration
	for _, migration := range r.migrations {
		if eventMigration, ok := migration.(EventMigration); ok && migration.TargetMigrationIndex() > from {
			selected = append(selected, eventMigration)
		}
	}
	return selected
}

// ModelMigrations returns the model migrations with a target index above from.
func (r *Registry) ModelMigrations(from int64) []ModelMigration {
	var selected []ModelMigration
	for _, migration := range r.migrations {
		if modelMigration, ok := migration.(ModelMigration); ok && migration.TargetMigrationIndex() > from {
			selected = append(selected, modelMigration)
		}
	}
	return selected
}
