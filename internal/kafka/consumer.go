package kafka

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

	"sentinelops/internal/schema"
)

// Handler processes one decoded message. Delivery is at-least-once: the
// offset is committed after Handler returns.
type Handler func(ctx context.Context, msg schema.Message)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory opens a reader for one topic.
type ReaderFactory func(topic string) (Reader, error)

// NewReaderFactory returns a factory that opens consumer-group readers
// against the configured brokers.
func NewReaderFactory(cfg *Config, logger *slog.Logger) (ReaderFactory, error) {
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(topic string) (Reader, error) {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.ConsumerGroup,
			Topic:          topic,
			Dialer:         dialer,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			MaxWait:        cfg.MaxWait,
			StartOffset:    cfg.StartOffset,
			SessionTimeout: cfg.SessionTimeout,
			ReadBackoffMin: 100 * time.Millisecond,
			ReadBackoffMax: time.Second,
			ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
				logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader", "topic", topic)
			}),
		}), nil
	}, nil
}

// Consumer reads one topic and hands decoded messages to a handler, in
// partition order.
type Consumer struct {
	reader  Reader
	topic   string
	handler Handler
	logger  *slog.Logger
	backoff time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	consumed  atomic.Int64
	malformed atomic.Int64
	errors    atomic.Int64
}

// NewConsumer creates a consumer over reader.
func NewConsumer(reader Reader, topic string, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		reader:  reader,
		topic:   topic,
		handler: handler,
		logger:  logger.With("component", "kafka-consumer", "topic", topic),
		backoff: time.Second,
	}, nil
}

// Start begins consuming in a goroutine until ctx is done or Stop is called.
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited", "error", err)
		}
	}()
	c.logger.Info("kafka consumer started")
}

func (c *Consumer) loop(ctx context.Context) error {
	for {
		record, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.errors.Add(1)
			c.logger.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff):
				continue
			}
		}

		var msg schema.Message
		if err := json.Unmarshal(record.Value, &msg); err != nil {
			// A record that cannot be decoded never will be; skip past it.
			c.malformed.Add(1)
			c.logger.Warn("dropping malformed record",
				"partition", record.Partition,
				"offset", record.Offset,
				"error", err,
			)
		} else {
			c.handler(ctx, msg)
			c.consumed.Add(1)
		}

		if err := c.reader.CommitMessages(ctx, record); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.errors.Add(1)
			c.logger.Error("failed to commit offset", "offset", record.Offset, "error", err)
		}
	}
}

// Metrics returns consumer counters.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		MessagesConsumed: c.consumed.Load(),
		Malformed:        c.malformed.Load(),
		Errors:           c.errors.Load(),
	}
}

// Stop cancels the loop, waits for it and closes the reader.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped", "messages_consumed", c.consumed.Load())
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	return nil
}
