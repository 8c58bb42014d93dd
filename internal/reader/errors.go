package reader

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"go.uber.org/zap"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opReaderNew          = "reader.new"
	opGet                = "reader.get"
	opGetMany            = "reader.get_many"
	opGetAll             = "reader.get_all"
	opGetEverything      = "reader.get_everything"
	opFilter             = "reader.filter"
	opExists             = "reader.exists"
	opCount              = "reader.count"
	opMin                = "reader.min"
	opMax                = "reader.max"
	opHistoryInformation = "reader.history_information"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (r *Reader) loggerOrDefault() *zap.Logger {
	if r == nil || r.logger == nil {
		return noOpLogger
	}
	return r.logger
}

// queryFailed logs an infrastructure failure and wraps it. Domain errors pass through.
func (r *Reader) queryFailed(operation string, err error) error {
	if isDomainError(err) {
		return err
	}
	r.loggerOrDefault().Error("reader error",
		zap.String("operation", operation),
		zap.String("reason", "query_failed"),
		zap.Error(err))
	return newServiceError(operation, "query_failed", err)
}

func isDomainError(err error) bool {
	return datastore.IsInvalidFormat(err) ||
		datastore.IsModelDoesNotExist(err) ||
		datastore.IsModelNotDeleted(err) ||
		datastore.IsModelExists(err)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case datastore.IsInvalidFormat(err):
		return "invalid"
	case isDomainError(err):
		return "not_found"
	default:
		return "failed"
	}
}
