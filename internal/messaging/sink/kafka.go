package sink

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	"github.com/segmentio/kafka-go"
)

const defaultKafkaBatchBytes = 1 << 20

func init() {
	messaging.RegisterSink("kafka", func(config messaging.SinkConfig) (messaging.Sink, error) {
		return NewKafkaSink(config.Addresses)
	})
}

// KafkaSink writes messages to kafka, partitioned by position.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds a synchronous writer for the given brokers.
func NewKafkaSink(brokers []string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchBytes:             defaultKafkaBatchBytes,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer}, nil
}

// Publish sends one message.
func (k *KafkaSink) Publish(ctx context.Context, topic, key string, value []byte) error {
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: value})
}

// Close flushes and releases the writer.
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
