package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsStreamMaxAge = 24 * time.Hour

func init() {
	messaging.RegisterSink("nats", func(config messaging.SinkConfig) (messaging.Sink, error) {
		if len(config.Addresses) == 0 {
			return nil, fmt.Errorf("nats sink requires a url")
		}
		return NewNatsSink(strings.Join(config.Addresses, ","))
	})
}

// NatsSink publishes to NATS JetStream.
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	streams map[string]struct{}
	mu      sync.Mutex
}

// NewNatsSink connects to the given server urls.
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: map[string]struct{}{}}, nil
}

// Publish sends a message to the subject named by topic, keyed by a header.
func (n *NatsSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.streams[topic]; !ok {
		_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      streamName(topic),
			Subjects:  []string{topic},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    natsStreamMaxAge,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure stream for %s: %w", topic, err)
		}
		n.streams[topic] = struct{}{}
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"position": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases the connection.
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// JetStream stream names must not contain dots.
func streamName(topic string) string {
	return strings.ReplaceAll(topic, ".", "_")
}
