package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// DefaultTopic is the stream modified fields are published to.
const DefaultTopic = "ModifiedFields"

// Sink delivers encoded messages to an external broker.
type Sink interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// SinkConfig selects and configures a registered sink.
type SinkConfig struct {
	Type      string
	Addresses []string
	Topic     string
}

// SinkFactory builds a sink from its configuration.
type SinkFactory func(SinkConfig) (Sink, error)

var (
	sinkFactories = make(map[string]SinkFactory)
	factoryMu     sync.RWMutex
)

// RegisterSink registers a sink factory for a type.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[strings.ToLower(sinkType)] = factory
}

// NewSink builds a registered sink.
func NewSink(config SinkConfig) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[strings.ToLower(config.Type)]
	factoryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown sink type: %q", config.Type)
	}
	return factory(config)
}

// StreamPublisher publishes every position as one message keyed by the position.
type StreamPublisher struct {
	sink  Sink
	topic string
}

// NewStreamPublisher wraps a sink. An empty topic selects DefaultTopic.
func NewStreamPublisher(sink Sink, topic string) *StreamPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &StreamPublisher{sink: sink, topic: topic}
}

// StreamPayload is the wire body of one position.
type StreamPayload struct {
	Position int64          `json:"position"`
	Fields   map[string]any `json:"modified_fields"`
}

// HandleEvents implements Publisher. Positions are published in ascending order and the
// first failure stops the batch.
func (p *StreamPublisher) HandleEvents(ctx context.Context, events EventsByPosition) error {
	positions := make([]int64, 0, len(events))
	for position := range events {
		positions = append(positions, position)
	}
	slices.Sort(positions)
	for _, position := range positions {
		payload := StreamPayload{Position: position, Fields: map[string]any{}}
		for fqfield, value := range ModifiedFqfields(events[position]) {
			payload.Fields[fqfield.String()] = value
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode position %d: %w", position, err)
		}
		if err := p.sink.Publish(ctx, p.topic, strconv.FormatInt(position, 10), raw); err != nil {
			return fmt.Errorf("publish position %d: %w", position, err)
		}
	}
	return nil
}

// Close releases the sink.
func (p *StreamPublisher) Close() error {
	return p.sink.Close()
}
