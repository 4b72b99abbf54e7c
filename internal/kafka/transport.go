package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"sentinelops/internal/router"
	"sentinelops/internal/schema"
)

var _ router.Transport = (*Transport)(nil)

// Transport implements router.Transport on Kafka.
type Transport struct {
	producer  *Producer
	newReader ReaderFactory
	config    *Config
	logger    *slog.Logger

	mu        sync.Mutex
	consumers map[string]*Consumer
	closed    bool
}

// NewTransport creates a transport publishing with producer and opening a
// consumer per subscribed target through newReader.
func NewTransport(cfg *Config, producer *Producer, newReader ReaderFactory, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		producer:  producer,
		newReader: newReader,
		config:    cfg,
		logger:    logger.With("component", "kafka-transport"),
		consumers: make(map[string]*Consumer),
	}
}

// Publish implements router.Transport.
func (t *Transport) Publish(ctx context.Context, msg schema.Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return router.ErrTransportClosed
	}
	return t.producer.Publish(ctx, msg)
}

// Subscribe implements router.Transport. One consumer serves each target.
func (t *Transport) Subscribe(ctx context.Context, target string, deliver router.Delivery) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return router.ErrTransportClosed
	}
	if _, ok := t.consumers[target]; ok {
		return fmt.Errorf("kafka: target %s already subscribed", target)
	}

	topic := t.config.TopicFor(target)
	reader, err := t.newReader(topic)
	if err != nil {
		return fmt.Errorf("kafka: open reader for %s: %w", topic, err)
	}
	c, err := NewConsumer(reader, topic, Handler(deliver), t.logger)
	if err != nil {
		return err
	}
	c.Start(ctx)
	t.consumers[target] = c
	return nil
}

// Close stops every consumer and closes the producer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := t.consumers
	t.consumers = nil
	t.mu.Unlock()

	var errs []error
	for target, c := range consumers {
		if err := c.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("consumer %s: %w", target, err))
		}
	}
	if err := t.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var _ router.DeadLetterSink = (*DeadLetterSink)(nil)

// DeadLetterSink writes dead letters to the dead-letter topic.
type DeadLetterSink struct {
	producer *Producer
	topic    string
}

// NewDeadLetterSink creates a sink on the configured dead-letter topic.
func NewDeadLetterSink(cfg *Config, producer *Producer) *DeadLetterSink {
	return &DeadLetterSink{producer: producer, topic: cfg.DeadLetterTopic}
}

// Put implements router.DeadLetterSink. The failure details are added to a
// copy of the message payload.
func (s *DeadLetterSink) Put(ctx context.Context, dl router.DeadLetter) error {
	msg := dl.Message
	msg.Payload = make(map[string]any, len(dl.Message.Payload)+3)
	for k, v := range dl.Message.Payload {
		msg.Payload[k] = v
	}
	msg.Payload["dead_letter_error"] = dl.Error
	msg.Payload["dead_letter_retries"] = dl.RetryCount
	msg.Payload["dead_letter_failed_at"] = dl.FailedAt
	msg.Metadata.RetryCount = dl.RetryCount

	return s.producer.produce(ctx, s.topic, partitionKey(dl.Message), msg)
}
