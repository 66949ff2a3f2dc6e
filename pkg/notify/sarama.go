package notify

import (
	"context"

	"github.com/IBM/sarama"
)

// SaramaPublisher is the alternative Kafka driver.
type SaramaPublisher struct {
	producer sarama.SyncProducer
}

func SaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

func NewSaramaPublisher(p sarama.SyncProducer) *SaramaPublisher {
	return &SaramaPublisher{producer: p}
}

func DialSarama(brokers []string) func(ctx context.Context) (Publisher, error) {
	return func(ctx context.Context) (Publisher, error) {
		p, err := sarama.NewSyncProducer(brokers, SaramaConfig())
		if err != nil {
			return nil, err
		}
		return NewSaramaPublisher(p), nil
	}
}

// Publish ignores ctx once the send starts; sarama has no per-call cancellation.
func (p *SaramaPublisher) Publish(ctx context.Context, queue string, key, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: queue,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(body),
	})
	return err
}

func (p *SaramaPublisher) Close() error { return p.producer.Close() }
