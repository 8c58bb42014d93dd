package sink

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
)

func init() {
	messaging.RegisterSink("memory", func(messaging.SinkConfig) (messaging.Sink, error) {
		return &MemorySink{}, nil
	})
}

// MemorySink records messages in process. It backs tests and single-node development setups.
type MemorySink struct {
	Messages   []MemoryMessage
	PublishErr error
	mu         sync.Mutex
}

// MemoryMessage is one recorded message.
type MemoryMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records the message.
func (m *MemorySink) Publish(_ context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Messages = append(m.Messages, MemoryMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Snapshot returns a copy of the recorded messages.
func (m *MemorySink) Snapshot() []MemoryMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemoryMessage(nil), m.Messages...)
}

// Close is a no-op.
func (m *MemorySink) Close() error {
	return nil
}
