package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/schema"
)

// fakeBroker routes records from a writer to per-topic readers in memory.
type fakeBroker struct {
	mu       sync.Mutex
	topics   map[string]chan kafka.Message
	written  []kafka.Message
	commits  map[string]int
	writeErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		topics:  make(map[string]chan kafka.Message),
		commits: make(map[string]int),
	}
}

func (b *fakeBroker) topic(name string) chan kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		ch = make(chan kafka.Message, 100)
		b.topics[name] = ch
	}
	return ch
}

func (b *fakeBroker) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	b.mu.Lock()
	err := b.writeErr
	if err == nil {
		b.written = append(b.written, msgs...)
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	for _, m := range msgs {
		b.topic(m.Topic) <- m
	}
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) records() []kafka.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]kafka.Message(nil), b.written...)
}

func (b *fakeBroker) committed(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commits[topic]
}

func (b *fakeBroker) readers() ReaderFactory {
	return func(topic string) (Reader, error) {
		return &fakeReader{broker: b, topic: topic, ch: b.topic(topic)}, nil
	}
}

type fakeReader struct {
	broker *fakeBroker
	topic  string
	ch     chan kafka.Message
	closed bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.ch:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()
	r.broker.commits[r.topic] += len(msgs)
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func incidentMessage(incidentID string, typ schema.MessageType) schema.Message {
	return schema.NewMessage(schema.TargetOrchestrator, schema.TargetAnalysis, typ,
		map[string]any{"incident_id": incidentID})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.TopicFor("analysis") != "sentinelops.analysis" {
		t.Errorf("TopicFor = %q", cfg.TopicFor("analysis"))
	}
	if cfg.TargetOf("sentinelops.analysis") != "analysis" {
		t.Errorf("TargetOf = %q", cfg.TargetOf("sentinelops.analysis"))
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty brokers", func(c *Config) { c.Brokers = nil }, true},
		{"empty dead letter topic", func(c *Config) { c.DeadLetterTopic = "" }, true},
		{"empty consumer group", func(c *Config) { c.ConsumerGroup = "" }, true},
		{"invalid partitions", func(c *Config) { c.Partitions = 0 }, true},
		{"invalid replication factor", func(c *Config) { c.ReplicationFactor = 0 }, true},
		{"invalid security protocol", func(c *Config) { c.SecurityProtocol = "INVALID" }, true},
		{
			"SASL without credentials",
			func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
			},
			true,
		},
		{
			"SCRAM-SHA-512",
			func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "SCRAM-SHA-512"
				c.SASLUsername = "user"
				c.SASLPassword = "pass"
			},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompression(t *testing.T) {
	tests := []struct {
		compression string
		wantNonZero bool
	}{
		{"gzip", true},
		{"snappy", true},
		{"lz4", true},
		{"zstd", true},
		{"none", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.compression, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.CompressionType = tt.compression
			got := cfg.Compression()
			if tt.wantNonZero && got == 0 {
				t.Errorf("expected non-zero compression for %s", tt.compression)
			}
			if !tt.wantNonZero && got != 0 {
				t.Errorf("expected zero compression for %s", tt.compression)
			}
		})
	}
}

func TestDialerWithTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TLSEnabled = true
	cfg.TLSSkipVerify = true

	dialer, err := cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if dialer.TLS == nil {
		t.Error("expected TLS config to be set")
	}
	if dialer.Timeout != cfg.DialTimeout {
		t.Errorf("timeout = %v, want %v", dialer.Timeout, cfg.DialTimeout)
	}
}

func TestTopicConfigs(t *testing.T) {
	cfg := DefaultConfig()
	topics := cfg.TopicConfigs(schema.TargetOrchestrator, schema.TargetAnalysis)
	if len(topics) != 3 {
		t.Fatalf("got %d topics, want 3", len(topics))
	}
	if topics[2].Name != cfg.DeadLetterTopic {
		t.Errorf("last topic = %s, want dead letter topic", topics[2].Name)
	}
	for _, tc := range topics {
		if tc.Partitions != cfg.Partitions {
			t.Errorf("%s partitions = %d", tc.Name, tc.Partitions)
		}
	}
}

func TestProducer_Publish(t *testing.T) {
	broker := newFakeBroker()
	cfg := DefaultConfig()
	p := NewProducerWithWriter(broker, cfg, nil)

	msg := incidentMessage("inc-7", schema.MsgAnalyzeIncident)
	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	recs := broker.records()
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	rec := recs[0]
	if rec.Topic != "sentinelops.analysis" {
		t.Errorf("topic = %s", rec.Topic)
	}
	if string(rec.Key) != "inc-7" {
		t.Errorf("key = %s, want incident id", rec.Key)
	}
	headers := make(map[string]string)
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[HeaderMessageID] != msg.MessageID || headers[HeaderMessageType] != string(schema.MsgAnalyzeIncident) {
		t.Errorf("headers = %v", headers)
	}

	var decoded schema.Message
	if err := json.Unmarshal(rec.Value, &decoded); err != nil {
		t.Fatalf("decode value: %v", err)
	}
	if decoded.MessageID != msg.MessageID || decoded.IncidentID() != "inc-7" {
		t.Errorf("decoded = %+v", decoded)
	}
	if p.Metrics().MessagesProduced != 1 {
		t.Errorf("produced = %d, want 1", p.Metrics().MessagesProduced)
	}
}

func TestProducer_KeyFallsBackToCorrelation(t *testing.T) {
	broker := newFakeBroker()
	p := NewProducerWithWriter(broker, DefaultConfig(), nil)

	msg := schema.NewMessage(schema.TargetOrchestrator, schema.TargetAnalysis, schema.MsgAnalyzeIncident, nil).
		WithCorrelation("corr-9")
	if err := p.Publish(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if got := string(broker.records()[0].Key); got != "corr-9" {
		t.Errorf("key = %s, want corr-9", got)
	}
}

func TestProducer_Errors(t *testing.T) {
	tests := []struct {
		name     string
		writeErr error
		want     recovery.ErrorKind
	}{
		{"broker unreachable", errors.New("dial tcp: connection refused"), recovery.KindAgentCommunication},
		{"message too large", kafka.MessageSizeTooLarge, recovery.KindValidation},
		{"unauthorized", kafka.TopicAuthorizationFailed, recovery.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			broker := newFakeBroker()
			broker.writeErr = tt.writeErr
			p := NewProducerWithWriter(broker, DefaultConfig(), nil)

			err := p.Publish(context.Background(), incidentMessage("inc-1", schema.MsgAnalyzeIncident))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := recovery.Classify(err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
			if p.Metrics().Errors != 1 || p.Metrics().LastError == "" {
				t.Errorf("metrics = %+v", p.Metrics())
			}
		})
	}
}

func TestProducer_Closed(t *testing.T) {
	p := NewProducerWithWriter(newFakeBroker(), DefaultConfig(), nil)
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	err := p.Publish(context.Background(), incidentMessage("inc-1", schema.MsgAnalyzeIncident))
	if !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Publish() error = %v, want ErrProducerClosed", err)
	}
}

func TestConsumer_DeliversInOrderAndSkipsMalformed(t *testing.T) {
	broker := newFakeBroker()
	topic := "sentinelops.orchestrator"
	reader, _ := broker.readers()(topic)

	var mu sync.Mutex
	var got []string
	c, err := NewConsumer(reader, topic, func(_ context.Context, msg schema.Message) {
		mu.Lock()
		got = append(got, msg.MessageID)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ch := broker.topic(topic)
	ch <- kafka.Message{Topic: topic, Value: []byte(`{not json`)}
	var want []string
	for i := 0; i < 5; i++ {
		msg := incidentMessage("inc-1", schema.MsgAnalyzeIncident)
		msg.MessageID = fmt.Sprintf("m-%d", i)
		data, _ := json.Marshal(msg)
		ch <- kafka.Message{Topic: topic, Value: data}
		want = append(want, msg.MessageID)
	}

	c.Start(context.Background())
	waitFor(t, func() bool { return broker.committed(topic) == 6 })
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("delivered %v, want %v", got, want)
	}
	m := c.Metrics()
	if m.MessagesConsumed != 5 || m.Malformed != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if !reader.(*fakeReader).closed {
		t.Error("reader not closed on Stop")
	}
}

func TestNewConsumer_RequiresHandler(t *testing.T) {
	if _, err := NewConsumer(&fakeReader{}, "t", nil, nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestTransport_RoundTrip(t *testing.T) {
	broker := newFakeBroker()
	cfg := DefaultConfig()
	tr := NewTransport(cfg, NewProducerWithWriter(broker, cfg, nil), broker.readers(), nil)
	t.Cleanup(func() { tr.Close() })

	received := make(chan schema.Message, 1)
	err := tr.Subscribe(context.Background(), schema.TargetAnalysis, func(_ context.Context, msg schema.Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := tr.Subscribe(context.Background(), schema.TargetAnalysis, func(context.Context, schema.Message) {}); err == nil {
		t.Error("expected error for duplicate subscription")
	}

	msg := incidentMessage("inc-3", schema.MsgAnalyzeIncident)
	if err := tr.Publish(context.Background(), msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got.MessageID != msg.MessageID {
			t.Errorf("received %s, want %s", got.MessageID, msg.MessageID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Publish(context.Background(), msg); !errors.Is(err, router.ErrTransportClosed) {
		t.Errorf("Publish after Close error = %v, want ErrTransportClosed", err)
	}
}

func TestDeadLetterSink_Put(t *testing.T) {
	broker := newFakeBroker()
	cfg := DefaultConfig()
	sink := NewDeadLetterSink(cfg, NewProducerWithWriter(broker, cfg, nil))

	msg := schema.NewMessage(schema.TargetOrchestrator, schema.TargetRemediation, schema.MsgExecuteRemediation,
		map[string]any{"incident_id": "inc-5"})
	err := sink.Put(context.Background(), router.DeadLetter{
		Message:    msg,
		Error:      "connection refused",
		RetryCount: 3,
		FailedAt:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	recs := broker.records()
	if len(recs) != 1 || recs[0].Topic != cfg.DeadLetterTopic {
		t.Fatalf("records = %+v", recs)
	}
	var decoded schema.Message
	if err := json.Unmarshal(recs[0].Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Payload["dead_letter_error"] != "connection refused" || decoded.Metadata.RetryCount != 3 {
		t.Errorf("decoded = %+v", decoded)
	}
	if _, ok := msg.Payload["dead_letter_error"]; ok {
		t.Error("original payload was modified")
	}
}

func skipIfNoKafka(t *testing.T) []string {
	t.Helper()
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}
	return strings.Split(brokers, ",")
}

func TestTransportIntegration(t *testing.T) {
	brokers := skipIfNoKafka(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := DefaultConfig()
	cfg.Brokers = brokers
	cfg.TopicPrefix = fmt.Sprintf("sentinelops-test-%d.", time.Now().UnixNano())
	cfg.DeadLetterTopic = cfg.TopicPrefix + "dead-letter"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	admin, err := NewAdmin(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := admin.EnsureTopics(ctx, cfg.TopicConfigs(schema.TargetAnalysis)); err != nil {
		t.Fatalf("EnsureTopics() error = %v", err)
	}

	producer, err := NewProducer(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	readers, err := NewReaderFactory(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	tr := NewTransport(cfg, producer, readers, logger)
	defer tr.Close()

	received := make(chan schema.Message, 1)
	if err := tr.Subscribe(ctx, schema.TargetAnalysis, func(_ context.Context, msg schema.Message) {
		received <- msg
	}); err != nil {
		t.Fatal(err)
	}

	msg := incidentMessage("inc-int", schema.MsgAnalyzeIncident)
	if err := tr.Publish(ctx, msg); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got.MessageID != msg.MessageID {
			t.Errorf("received %s, want %s", got.MessageID, msg.MessageID)
		}
	case <-ctx.Done():
		t.Fatal("message not received")
	}
}
