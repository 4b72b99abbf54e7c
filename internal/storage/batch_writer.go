package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinelops/internal/audit"
)

// BatchWriterConfig holds configuration for the audit archive writer.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchWriter copies committed audit entries into the ClickHouse archive in
// batches. It implements audit.Sink; the ledger of record stays in the
// incident store.
type BatchWriter struct {
	client *ClickHouseClient
	config BatchWriterConfig
	logger *slog.Logger

	buffer []audit.Entry
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	// Metrics
	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

// NewBatchWriter creates a new BatchWriter.
func NewBatchWriter(client *ClickHouseClient, cfg BatchWriterConfig, logger *slog.Logger) *BatchWriter {
	if logger == nil {
		logger = slog.Default()
	}
	bw := &BatchWriter{
		client: client,
		config: cfg,
		logger: logger.With("component", "audit-archive"),
		buffer: make([]audit.Entry, 0, cfg.BatchSize),
	}

	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Write adds an entry to the batch.
func (bw *BatchWriter) Write(_ context.Context, entry audit.Entry) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return fmt.Errorf("batch writer is closed")
	}

	bw.buffer = append(bw.buffer, entry)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}

	return nil
}

// timerFlush is called by the flush timer.
func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			bw.logger.Error("timer flush failed", "error", err)
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	entries := bw.buffer
	bw.buffer = make([]audit.Entry, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(entries); err != nil {
			lastErr = err
			bw.logger.Warn("archive insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(entries)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(entries)))
	return fmt.Errorf("archive insert failed after %d retries: %w", bw.config.MaxRetries, lastErr)
}

// insertBatch inserts a batch of entries into ClickHouse.
func (bw *BatchWriter) insertBatch(entries []audit.Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO audit_archive (
			id, incident_id, correlation_id, sequence, event, actor, timestamp,
			from_state, to_state, data, prev_hash, hash, signature
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range entries {
		data, _ := json.Marshal(e.Data)

		err := batch.Append(
			e.ID,
			e.IncidentID,
			e.CorrelationID,
			e.Sequence,
			string(e.Event),
			e.Actor,
			e.Timestamp,
			string(e.FromState),
			string(e.ToState),
			string(data),
			e.PrevHash,
			e.Hash,
			e.Signature,
		)
		if err != nil {
			return fmt.Errorf("failed to append entry: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	bw.logger.Debug("archive batch inserted", "count", len(entries))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close flushes what is buffered and stops the writer.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	bw.closed = true
	bw.mu.Unlock()

	bw.flushTimer.Stop()

	return bw.Flush()
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: bw.pendingCount(),
	}
}

func (bw *BatchWriter) pendingCount() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// ArchivedEntry is an audit entry read back from the archive.
type ArchivedEntry struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Event     string    `json:"event"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Hash      string    `json:"hash"`
}

// History returns the archived entries of an incident in sequence order.
func (bw *BatchWriter) History(ctx context.Context, incidentID string) ([]ArchivedEntry, error) {
	rows, err := bw.client.Query(ctx, `
		SELECT id, sequence, event, actor, timestamp, from_state, to_state, hash
		FROM audit_archive
		WHERE incident_id = ?
		ORDER BY sequence
	`, incidentID)
	if err != nil {
		return nil, WrapQueryError("History", "audit_archive", err)
	}
	defer rows.Close()

	var out []ArchivedEntry
	for rows.Next() {
		var e ArchivedEntry
		if err := rows.Scan(&e.ID, &e.Sequence, &e.Event, &e.Actor, &e.Timestamp, &e.FromState, &e.ToState, &e.Hash); err != nil {
			return nil, WrapQueryError("History", "audit_archive", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
