package writer

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errInvalidAmount   = errors.New("amount must be positive")
	// ErrNotDevMode rejects destructive maintenance outside dev mode.
	ErrNotDevMode = errors.New("writer: truncate is only allowed in dev mode")
	noOpLogger    = zap.NewNop()
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
	opWriterNew            = "writer.new"
	opWrite                = "writer.write"
	opReserveIDs           = "writer.reserve_ids"
	opTruncateDB           = "writer.truncate_db"
	opDeleteHistory        = "writer.delete_history_information"
	opTrimCollectionFields = "writer.trim_collectionfields"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (w *Writer) loggerOrDefault() *zap.Logger {
	if w == nil || w.logger == nil {
		return noOpLogger
	}
	return w.logger
}

func (w *Writer) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	w.loggerOrDefault().Error("writer error", attrs...)
}
