package migrations

import "fmt"

// MigrationSetupError reports an invalid set of registered migrations.
type MigrationSetupError struct {
	Reason string
}

func (e *MigrationSetupError) Error() string {
	return "migration setup: " + e.Reason
}

// MismatchingMigrationIndicesError reports stored migration indices which disagree with each
// other or with the registered migrations. It is never resolved automatically.
type MismatchingMigrationIndicesError struct {
	Reason string
}

func (e *MismatchingMigrationIndicesError) Error() string {
	return "mismatching migration indices: " + e.Reason
}

// MigrationError wraps a failure while migrating one position.
type MigrationError struct {
	MigrationIndex int64
	Position       int64
	Err            error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration to index %d failed at position %d: %v", e.MigrationIndex, e.Position, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func mismatch(format string, args ...any) error {
	return &MismatchingMigrationIndicesError{Reason: fmt.Sprintf(format, args...)}
}
