package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes synchronously with all-replica acks.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			Async:                  false,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

// DialKafka checks that the first reachable broker accepts connections.
func DialKafka(brokers []string) func(ctx context.Context) (Publisher, error) {
	return func(ctx context.Context) (Publisher, error) {
		var errs []error
		for _, b := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", b)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			_ = conn.Close()
			return NewKafkaPublisher(brokers), nil
		}
		return nil, fmt.Errorf("dial kafka: %w", errors.Join(errs...))
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, queue string, key, body []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: queue,
		Key:   key,
		Value: body,
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
