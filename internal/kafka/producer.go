package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"sentinelops/internal/recovery"
	"sentinelops/internal/schema"
)

// Header keys set on every produced record.
const (
	HeaderMessageID     = "message_id"
	HeaderCorrelationID = "correlation_id"
	HeaderMessageType   = "message_type"
)

// Writer is the subset of *kafka.Writer the producer uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes orchestrator messages to their target topics.
type Producer struct {
	writer Writer
	config *Config
	logger *slog.Logger
	closed atomic.Bool

	produced  atomic.Int64
	errors    atomic.Int64
	lastError atomic.Value // string
	lastAt    atomic.Value // time.Time
}

// NewProducer creates a producer writing to the configured brokers. Records
// are partitioned by key hash so one incident stays on one partition.
func NewProducer(cfg *Config, logger *slog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  1,
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.Compression(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-writer")
		}),
	}

	logger.Info("kafka producer initialized",
		"brokers", cfg.Brokers,
		"topic_prefix", cfg.TopicPrefix,
		"compression", cfg.CompressionType,
	)
	return NewProducerWithWriter(w, cfg, logger), nil
}

// NewProducerWithWriter creates a producer over an existing writer.
func NewProducerWithWriter(w Writer, cfg *Config, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		writer: w,
		config: cfg,
		logger: logger.With("component", "kafka-producer"),
	}
}

// Publish writes msg to its target's topic, keyed by incident ID so every
// message of an incident is read in publish order.
func (p *Producer) Publish(ctx context.Context, msg schema.Message) error {
	return p.produce(ctx, p.config.TopicFor(msg.Target), partitionKey(msg), msg)
}

// produce writes one JSON record. A single attempt is made; the caller owns
// the retry schedule.
func (p *Producer) produce(ctx context.Context, topic, key string, msg schema.Message) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return recovery.NewError(recovery.KindValidation, "kafka.produce",
			fmt.Errorf("%w: %v", ErrInvalidMessage, err))
	}

	record := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(msg.MessageID)},
			{Key: HeaderCorrelationID, Value: []byte(msg.CorrelationID)},
			{Key: HeaderMessageType, Value: []byte(msg.Type)},
		},
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		p.errors.Add(1)
		p.lastError.Store(err.Error())
		p.lastAt.Store(time.Now())
		if isNonRetryable(err) {
			return recovery.NewError(recovery.KindValidation, "kafka.produce",
				fmt.Errorf("%w: %v", schema.ErrValidation, err))
		}
		return recovery.NewError(recovery.KindAgentCommunication, "kafka.produce",
			fmt.Errorf("write to %s: %w", topic, err))
	}

	p.produced.Add(1)
	p.logger.Debug("produced message",
		"topic", topic,
		"message_id", msg.MessageID,
		"message_type", msg.Type,
	)
	return nil
}

// Metrics returns producer counters.
func (p *Producer) Metrics() Metrics {
	m := Metrics{
		MessagesProduced: p.produced.Load(),
		Errors:           p.errors.Load(),
	}
	if s, ok := p.lastError.Load().(string); ok {
		m.LastError = s
	}
	if t, ok := p.lastAt.Load().(time.Time); ok {
		m.LastErrorTime = t
	}
	return m
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka producer", "messages_produced", p.produced.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close producer: %w", err)
	}
	return nil
}

// partitionKey returns the incident ID, falling back to the correlation ID
// for messages that carry none.
func partitionKey(msg schema.Message) string {
	if id := msg.IncidentID(); id != "" {
		return id
	}
	return msg.CorrelationID
}

// isNonRetryable reports errors a retry cannot fix.
func isNonRetryable(err error) bool {
	for _, e := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
