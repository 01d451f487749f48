package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka sink
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// messageWriter is the part of kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON keyed by recipient domain, so that
// events for one domain stay ordered within a partition
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool

	written atomic.Int64
	failed  atomic.Int64
}

// NewKafkaSink creates a sink writing to cfg.Topic
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: false,
	}
	s := newKafkaSink(writer, cfg.Topic)
	s.logger.Info("Kafka event sink created", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return s, nil
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{
		writer: w,
		topic:  topic,
		logger: slog.Default().With("component", "kafka-events"),
	}
}

func (s *KafkaSink) Publish(ctx context.Context, e Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("kafka sink is closed")
	}

	value, err := json.Marshal(e)
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(e.Domain),
		Value: value,
		Headers: []kafka.Header{
			{Key: "outcome", Value: []byte(e.Outcome)},
			{Key: "timestamp", Value: []byte(e.Timestamp.Format(time.RFC3339))},
		},
	}
	if e.CampaignID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "campaign-id", Value: []byte(e.CampaignID)})
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.failed.Add(1)
		s.logger.Warn("Failed to publish event",
			"event_id", e.ID,
			"job_id", e.JobID,
			"error", err)
		return fmt.Errorf("failed to write event to kafka: %w", err)
	}
	s.written.Add(1)
	return nil
}

// Stats returns the number of written and failed events
func (s *KafkaSink) Stats() (written, failed int64) {
	return s.written.Load(), s.failed.Load()
}

func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.writer.Close()
}
