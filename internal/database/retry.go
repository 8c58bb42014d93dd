package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

const (
	defaultRetryAttempts = 3
	defaultRetryInterval = 100 * time.Millisecond
)

var transientMessages = []string{
	"database is locked",
	"database table is locked",
	"sqlite_busy",
	"bad connection",
}

// RetryConfig bounds how often transient failures are retried.
type RetryConfig struct {
	Attempts int
	Interval time.Duration
	Logger   *zap.Logger
}

// Retrier reruns read-only calls and self-contained transactions on transient failures.
type Retrier struct {
	attempts uint64
	interval time.Duration
	logger   *zap.Logger
}

// NewRetrier applies defaults to cfg.
func NewRetrier(cfg RetryConfig) *Retrier {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{attempts: uint64(attempts), interval: interval, logger: logger}
}

// Do runs operation until it succeeds, fails permanently or the attempts are used up.
func (r *Retrier) Do(ctx context.Context, operation string, call func() error) error {
	if r == nil {
		return call()
	}
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.interval), r.attempts), ctx)
	return backoff.Retry(func() error {
		attempt++
		err := call()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		r.logger.Warn("transient database failure",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, policy)
}

// IsTransient reports connection level failures that are safe to retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, fragment := range transientMessages {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}
