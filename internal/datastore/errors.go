package datastore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// InvalidFormatError reports a malformed request. It is raised before any transaction starts.
type InvalidFormatError struct {
	Message string
}

// NewInvalidFormatError formats an InvalidFormatError.
func NewInvalidFormatError(format string, args ...any) *InvalidFormatError {
	return &InvalidFormatError{Message: fmt.Sprintf(format, args...)}
}

func (e *InvalidFormatError) Error() string {
	return "invalid format: " + e.Message
}

// ModelExistsError reports a create of an fqid that already exists.
type ModelExistsError struct {
	Fqid Fqid
}

func (e *ModelExistsError) Error() string {
	return fmt.Sprintf("model %s already exists", e.Fqid)
}

// ModelDoesNotExistError reports access to an absent model or one in the wrong deleted-state.
type ModelDoesNotExistError struct {
	Fqid Fqid
}

func (e *ModelDoesNotExistError) Error() string {
	return fmt.Sprintf("model %s does not exist", e.Fqid)
}

// ModelNotDeletedError reports a restore of, or an ONLY_DELETED read on, a model that is not deleted.
type ModelNotDeletedError struct {
	Fqid Fqid
}

func (e *ModelNotDeletedError) Error() string {
	return fmt.Sprintf("model %s is not deleted", e.Fqid)
}

// ModelLockedError carries every key whose lock claim was stale.
type ModelLockedError struct {
	Keys []string
}

// NewModelLockedError deduplicates and sorts the offending keys.
func NewModelLockedError(keys []string) *ModelLockedError {
	seen := make(map[string]struct{}, len(keys))
	unique := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	sort.Strings(unique)
	return &ModelLockedError{Keys: unique}
}

func (e *ModelLockedError) Error() string {
	return "model locked: " + strings.Join(e.Keys, ", ")
}

// IsInvalidFormat reports whether err is an InvalidFormatError.
func IsInvalidFormat(err error) bool {
	var target *InvalidFormatError
	return errors.As(err, &target)
}

// IsModelExists reports whether err is a ModelExistsError.
func IsModelExists(err error) bool {
	var target *ModelExistsError
	return errors.As(err, &target)
}

// IsModelDoesNotExist reports whether err is a ModelDoesNotExistError.
func IsModelDoesNotExist(err error) bool {
	var target *ModelDoesNotExistError
	return errors.As(err, &target)
}

// IsModelNotDeleted reports whether err is a ModelNotDeletedError.
func IsModelNotDeleted(err error) bool {
	var target *ModelNotDeletedError
	return errors.As(err, &target)
}

// IsModelLocked reports whether err is a ModelLockedError.
func IsModelLocked(err error) bool {
	var target *ModelLockedError
	return errors.As(err, &target)
}

// BadCoding panics with an invariant violation. Such failures are bugs and are never recovered locally.
func BadCoding(format string, args ...any) {
	panic("bad coding: " + fmt.Sprintf(format, args...))
}
