package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sentinelops/internal/audit"
	"sentinelops/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// Mock implementations of driver.Conn and driver.Batch for unit testing
// without a real ClickHouse connection.

type mockConn struct {
	prepareBatchFunc func(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
}

func (m *mockConn) Contributors() []string                                           { return nil }
func (m *mockConn) ServerVersion() (*driver.ServerVersion, error)                    { return nil, nil }
func (m *mockConn) Select(_ context.Context, _ any, _ string, _ ...any) error        { return nil }
func (m *mockConn) Query(_ context.Context, _ string, _ ...any) (driver.Rows, error) { return nil, nil }
func (m *mockConn) QueryRow(_ context.Context, _ string, _ ...any) driver.Row        { return nil }
func (m *mockConn) Exec(_ context.Context, _ string, _ ...any) error                 { return nil }
func (m *mockConn) AsyncInsert(_ context.Context, _ string, _ bool, _ ...any) error  { return nil }
func (m *mockConn) Ping(_ context.Context) error                                     { return nil }
func (m *mockConn) Stats() driver.Stats                                              { return driver.Stats{} }
func (m *mockConn) Close() error                                                     { return nil }

func (m *mockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if m.prepareBatchFunc != nil {
		return m.prepareBatchFunc(ctx, query, opts...)
	}
	return &mockBatch{}, nil
}

type mockBatch struct {
	mu          sync.Mutex
	appendCount int
	lastArgs    []any
	sendFunc    func() error
}

func (m *mockBatch) Abort() error { return nil }
func (m *mockBatch) Append(args ...any) error {
	m.mu.Lock()
	m.appendCount++
	m.lastArgs = args
	m.mu.Unlock()
	return nil
}
func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error {
	if m.sendFunc != nil {
		return m.sendFunc()
	}
	return nil
}
func (m *mockBatch) IsSent() bool                { return false }
func (m *mockBatch) Rows() int                   { return m.appendCount }
func (m *mockBatch) Columns() []column.Interface { return nil }
func (m *mockBatch) Close() error                { return nil }

func newTestEntry() audit.Entry {
	return audit.Entry{
		ID:         uuid.NewString(),
		IncidentID: "inc-1",
		Sequence:   1,
		Event:      audit.EventTransition,
		Actor:      "orchestrator",
		Timestamp:  time.Now().UTC(),
		FromState:  schema.StateInitialized,
		ToState:    schema.StateDetectionReceived,
		Data:       map[string]any{"message_id": "m-1"},
		PrevHash:   audit.GenesisHash("inc-1"),
		Hash:       "abc",
	}
}

func newMockClient(conn driver.Conn) *ClickHouseClient {
	return &ClickHouseClient{
		conn:   conn,
	}
}

func quietConfig(batchSize int) BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     batchSize,
		FlushInterval: time.Hour,
		MaxRetries:    0,
		RetryDelay:    time.Millisecond,
	}
}

func TestDefaultBatchWriterConfig(t *testing.T) {
	cfg := DefaultBatchWriterConfig()

	if cfg.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.BatchSize)
	}
	if cfg.FlushInterval != 5*time.Second {
		t.Errorf("FlushInterval = %v, want 5s", cfg.FlushInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
}

func TestBatchWriter_ImplementsSink(t *testing.T) {
	var _ audit.Sink = (*BatchWriter)(nil)
}

func TestBatchWriter_BuffersEntries(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), quietConfig(100), nil)
	defer bw.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := bw.Write(ctx, newTestEntry()); err != nil {
			t.Fatalf("Write() error on entry %d: %v", i, err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Pending != 5 {
		t.Errorf("Pending = %d, want 5", metrics.Pending)
	}
	if metrics.Written != 0 {
		t.Errorf("Written = %d, want 0", metrics.Written)
	}
}

func TestBatchWriter_WriteWhenClosed(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), DefaultBatchWriterConfig(), nil)
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bw.Write(context.Background(), newTestEntry()); err == nil {
		t.Error("Write() after Close() should return an error")
	}
}

func TestBatchWriter_FlushOnBatchSize(t *testing.T) {
	var batches []*mockBatch
	var mu sync.Mutex
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			b := &mockBatch{}
			mu.Lock()
			batches = append(batches, b)
			mu.Unlock()
			return b, nil
		},
	}
	bw := NewBatchWriter(newMockClient(conn), quietConfig(5), nil)
	defer bw.Close()

	ctx := context.Background()
	for i := 0; i < 12; i++ {
		if err := bw.Write(ctx, newTestEntry()); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	metrics := bw.Metrics()
	if metrics.Batches != 2 {
		t.Errorf("Batches = %d, want 2", metrics.Batches)
	}
	if metrics.Written != 10 {
		t.Errorf("Written = %d, want 10", metrics.Written)
	}
	if metrics.Pending != 2 {
		t.Errorf("Pending = %d, want 2", metrics.Pending)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 || batches[0].Rows() != 5 {
		t.Fatalf("unexpected batches: %d", len(batches))
	}
	args := batches[0].lastArgs
	if len(args) != 13 {
		t.Fatalf("Append() got %d columns, want 13", len(args))
	}
	if args[1] != "inc-1" || args[4] != string(audit.EventTransition) {
		t.Errorf("unexpected column values: %v", args[:5])
	}
	if args[9] != `{"message_id":"m-1"}` {
		t.Errorf("data column = %v", args[9])
	}
}

func TestBatchWriter_CloseFlushesBuffer(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), quietConfig(100), nil)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = bw.Write(ctx, newTestEntry())
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	metrics := bw.Metrics()
	if metrics.Written != 3 || metrics.Pending != 0 {
		t.Errorf("metrics after close = %+v", metrics)
	}
}

func TestBatchWriter_FailureUpdatesMetrics(t *testing.T) {
	var attempts int32
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return &mockBatch{sendFunc: func() error {
				atomic.AddInt32(&attempts, 1)
				return errors.New("connection reset")
			}}, nil
		},
	}
	cfg := quietConfig(2)
	cfg.MaxRetries = 2
	bw := NewBatchWriter(newMockClient(conn), cfg, nil)
	defer bw.Close()

	ctx := context.Background()
	_ = bw.Write(ctx, newTestEntry())
	err := bw.Write(ctx, newTestEntry())
	if err == nil {
		t.Fatal("Write() expected error when the batch cannot be sent")
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("send attempts = %d, want 3", got)
	}
	metrics := bw.Metrics()
	if metrics.Failed != 2 {
		t.Errorf("Failed = %d, want 2", metrics.Failed)
	}
	if metrics.Written != 0 {
		t.Errorf("Written = %d, want 0", metrics.Written)
	}
}

func TestBatchWriter_PrepareError(t *testing.T) {
	conn := &mockConn{
		prepareBatchFunc: func(_ context.Context, _ string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
			return nil, fmt.Errorf("table missing")
		},
	}
	bw := NewBatchWriter(newMockClient(conn), quietConfig(1), nil)
	defer bw.Close()

	if err := bw.Write(context.Background(), newTestEntry()); err == nil {
		t.Error("Write() expected error")
	}
}

func TestBatchWriter_ConcurrentWrite(t *testing.T) {
	bw := NewBatchWriter(newMockClient(&mockConn{}), quietConfig(10), nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := bw.Write(context.Background(), newTestEntry()); err != nil {
					t.Errorf("Write() error = %v", err)
				}
			}
		}()
	}
	wg.Wait()

	if err := bw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := bw.Metrics().Written; got != 200 {
		t.Errorf("Written = %d, want 200", got)
	}
}
