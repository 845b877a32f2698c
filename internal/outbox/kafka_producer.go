package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer is the subset of Kafka behaviour the streamer needs.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) (producedAt time.Time, err error)
	Close() error
}

type KafkaProducerConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout defaults to 10s.
	WriteTimeout time.Duration
}

// KafkaProducer delivers certificate events to the notification topic. The
// hash balancer keeps every event for one certificate on one partition.
type KafkaProducer struct {
	writer      *kafka.Writer
	maxAttempts int
}

func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaProducer{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// Produce writes one message, retrying transient failures with exponential
// backoff capped at 2s.
func (p *KafkaProducer) Produce(ctx context.Context, key, value []byte) (time.Time, error) {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{Key: key, Value: value, Time: time.Now().UTC()}
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return msg.Time, nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return time.Time{}, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return time.Time{}, fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
