package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/datastore"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/telemetry"
	"go.uber.org/zap"
)

// EventsByPosition maps each committed position to the new values of the fields it modified.
// Deleted fields carry nil and every touched fqid carries meta_position.
type EventsByPosition map[int64]map[datastore.Fqid]map[string]any

// Publisher is notified once per committed write batch, strictly after commit.
type Publisher interface {
	HandleEvents(ctx context.Context, events EventsByPosition) error
}

// NoopPublisher drops every notification.
type NoopPublisher struct{}

// HandleEvents implements Publisher.
func (NoopPublisher) HandleEvents(context.Context, EventsByPosition) error {
	return nil
}

// NamedPublisher labels a publisher for logs and metrics.
type NamedPublisher struct {
	Name      string
	Publisher Publisher
}

// FanoutConfig configures a Fanout.
type FanoutConfig struct {
	Publishers []NamedPublisher
	Logger     *zap.Logger
	Metrics    *telemetry.Metrics
}

// Fanout hands every batch to each publisher in turn. A failing publisher never stops the others.
type Fanout struct {
	publishers []NamedPublisher
	logger     *zap.Logger
	metrics    *telemetry.Metrics
}

// NewFanout builds a Fanout.
func NewFanout(cfg FanoutConfig) *Fanout {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		publishers: append([]NamedPublisher(nil), cfg.Publishers...),
		logger:     logger,
		metrics:    telemetry.OrNoop(cfg.Metrics),
	}
}

// HandleEvents implements Publisher and joins the errors of all failing publishers.
func (f *Fanout) HandleEvents(ctx context.Context, events EventsByPosition) error {
	if len(events) == 0 {
		return nil
	}
	var failures []error
	for _, named := range f.publishers {
		if err := named.Publisher.HandleEvents(ctx, events); err != nil {
			f.metrics.PublishFailuresTotal.With(named.Name).Inc()
			f.logger.Warn("publish failed",
				zap.String("operation", "messaging.fanout"),
				zap.String("publisher", named.Name),
				zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", named.Name, err))
		}
	}
	return errors.Join(failures...)
}

// ModifiedFqfields flattens one position into fqfield keys.
func ModifiedFqfields(fields map[datastore.Fqid]map[string]any) map[datastore.Fqfield]any {
	flattened := make(map[datastore.Fqfield]any)
	for fqid, values := range fields {
		for field, value := range values {
			flattened[datastore.NewFqfield(fqid, field)] = value
		}
	}
	return flattened
}
