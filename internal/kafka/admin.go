package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Admin creates and inspects the orchestrator's topics.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates an admin client.
func NewAdmin(cfg *Config, logger *slog.Logger) (*Admin, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Admin{config: cfg, logger: logger.With("component", "kafka-admin")}, nil
}

// TopicConfig defines configuration for topic creation.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
	MaxMessageBytes   int
}

// TopicConfigs returns the topic set for the given targets plus the
// dead-letter topic.
func (c *Config) TopicConfigs(targets ...string) []TopicConfig {
	names := make([]string, 0, len(targets)+1)
	for _, t := range targets {
		names = append(names, c.TopicFor(t))
	}
	names = append(names, c.DeadLetterTopic)

	out := make([]TopicConfig, len(names))
	for i, name := range names {
		out[i] = TopicConfig{
			Name:              name,
			Partitions:        c.Partitions,
			ReplicationFactor: c.ReplicationFactor,
			RetentionMs:       c.RetentionMs,
			MaxMessageBytes:   c.MaxMessageBytes,
		}
	}
	return out
}

// controller dials the cluster controller.
func (a *Admin) controller(ctx context.Context) (*kafka.Conn, error) {
	dialer, err := a.config.Dialer()
	if err != nil {
		return nil, err
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	ctrl, err := conn.Controller()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to get controller: %w", err)
	}

	cc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(ctrl.Host, strconv.Itoa(ctrl.Port)))
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	return cc, nil
}

// EnsureTopics creates every missing topic in topics. Topics that already
// exist are left as they are.
func (a *Admin) EnsureTopics(ctx context.Context, topics []TopicConfig) error {
	conn, err := a.controller(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	specs := make([]kafka.TopicConfig, len(topics))
	for i, t := range topics {
		entries := []kafka.ConfigEntry{
			{ConfigName: "retention.ms", ConfigValue: strconv.FormatInt(t.RetentionMs, 10)},
		}
		if t.MaxMessageBytes > 0 {
			entries = append(entries, kafka.ConfigEntry{
				ConfigName:  "max.message.bytes",
				ConfigValue: strconv.Itoa(t.MaxMessageBytes),
			})
		}
		specs[i] = kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
			ConfigEntries:     entries,
		}
	}

	if err := conn.CreateTopics(specs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("kafka: failed to create topics: %w", err)
	}

	for _, t := range topics {
		a.logger.Info("kafka topic ready",
			"topic", t.Name,
			"partitions", t.Partitions,
			"replication_factor", t.ReplicationFactor,
		)
	}
	return nil
}

// ListTopics returns all topics in the cluster.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	dialer, err := a.config.Dialer()
	if err != nil {
		return nil, err
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to read partitions: %w", err)
	}

	seen := make(map[string]bool)
	var topics []string
	for _, p := range partitions {
		if !seen[p.Topic] {
			seen[p.Topic] = true
			topics = append(topics, p.Topic)
		}
	}
	return topics, nil
}

// HealthStatus reports broker reachability.
type HealthStatus struct {
	Healthy     bool          `json:"healthy"`
	Latency     time.Duration `json:"latency"`
	BrokerCount int           `json:"broker_count"`
	Error       string        `json:"error,omitempty"`
}

// HealthCheck dials the first broker and counts the cluster's brokers.
func (a *Admin) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	dialer, err := a.config.Dialer()
	if err != nil {
		return HealthStatus{Error: err.Error()}
	}
	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return HealthStatus{Error: err.Error()}
	}
	defer conn.Close()

	brokers, err := conn.Brokers()
	if err != nil {
		return HealthStatus{Error: err.Error()}
	}
	return HealthStatus{
		Healthy:     len(brokers) > 0,
		Latency:     time.Since(start),
		BrokerCount: len(brokers),
	}
}
