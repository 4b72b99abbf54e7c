package router

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"sentinelops/internal/schema"
)

// DeadLetter is a message that could not be delivered.
type DeadLetter struct {
	Message    schema.Message `json:"message"`
	Error      string         `json:"error"`
	RetryCount int            `json:"retry_count"`
	FailedAt   time.Time      `json:"failed_at"`
}

// DeadLetterSink stores dead letters durably.
type DeadLetterSink interface {
	Put(ctx context.Context, dl DeadLetter) error
}

// DeadLetterLister lists stored dead letters, newest first.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// MemoryDeadLetters keeps dead letters in memory, bounded by capacity.
type MemoryDeadLetters struct {
	mu       sync.RWMutex
	items    []DeadLetter
	capacity int
}

// NewMemoryDeadLetters creates a sink holding at most capacity entries.
func NewMemoryDeadLetters(capacity int) *MemoryDeadLetters {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryDeadLetters{capacity: capacity}
}

// Put implements DeadLetterSink.
func (m *MemoryDeadLetters) Put(_ context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = append(m.items, dl)
	if len(m.items) > m.capacity {
		m.items = m.items[len(m.items)-m.capacity:]
	}
	return nil
}

// ListDeadLetters implements DeadLetterLister.
func (m *MemoryDeadLetters) ListDeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeadLetter, len(m.items))
	copy(out, m.items)
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns how many dead letters are held for messageID.
func (m *MemoryDeadLetters) Count(messageID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, dl := range m.items {
		if dl.Message.MessageID == messageID {
			n++
		}
	}
	return n
}

// ObjectPutter writes a JSON document to an object store.
type ObjectPutter interface {
	PutJSON(ctx context.Context, key string, v any) error
}

// ObjectSink writes each dead letter as one object, keyed by KeyFunc.
type ObjectSink struct {
	store   ObjectPutter
	keyFunc func(messageID string, failedAt time.Time) string
}

// NewObjectSink creates a sink over an object store.
func NewObjectSink(store ObjectPutter, keyFunc func(messageID string, failedAt time.Time) string) *ObjectSink {
	return &ObjectSink{store: store, keyFunc: keyFunc}
}

// Put implements DeadLetterSink.
func (s *ObjectSink) Put(ctx context.Context, dl DeadLetter) error {
	return s.store.PutJSON(ctx, s.keyFunc(dl.Message.MessageID, dl.FailedAt), dl)
}

// MultiSink writes every dead letter to all sinks. It fails only if every
// sink fails, so a single healthy sink keeps the letter durable.
type MultiSink struct {
	sinks  []DeadLetterSink
	logger *slog.Logger
}

// NewMultiSink fans out to sinks.
func NewMultiSink(logger *slog.Logger, sinks ...DeadLetterSink) *MultiSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiSink{sinks: sinks, logger: logger.With("component", "dead-letter")}
}

// Put implements DeadLetterSink.
func (m *MultiSink) Put(ctx context.Context, dl DeadLetter) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Put(ctx, dl); err != nil {
			m.logger.Error("dead letter sink failed",
				"message_id", dl.Message.MessageID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(m.sinks) {
		return errors.Join(errs...)
	}
	return nil
}
