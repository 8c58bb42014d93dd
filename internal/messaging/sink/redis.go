package sink

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/redis/go-redis/v9"
)

func init() {
	messaging.RegisterSink("redis", func(config messaging.SinkConfig) (messaging.Sink, error) {
		if len(config.Addresses) == 0 {
			return nil, fmt.Errorf("redis sink requires an address")
		}
		return NewRedisSink(redis.NewClient(&redis.Options{Addr: config.Addresses[0]})), nil
	})
}

// RedisSink appends messages to a redis stream.
type RedisSink struct {
	client redis.UniversalClient
}

// NewRedisSink wraps a redis client.
func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client}
}

// Publish appends one entry to the stream named by topic.
func (r *RedisSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"position": key, "data": value},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", topic, err)
	}
	return nil
}

// Close releases the client.
func (r *RedisSink) Close() error {
	return r.client.Close()
}
