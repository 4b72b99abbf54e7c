package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	lockStripes        = 64
	maxConflictRetries = 3
)

// Sink receives committed entries, for example a long-term archive.
// Sink failures never affect the ledger.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Ledger appends, lists and verifies per-incident audit chains.
type Ledger struct {
	backend Backend
	key     []byte
	logger  *slog.Logger

	stripes [lockStripes]sync.Mutex

	sinksMu sync.RWMutex
	sinks   []Sink

	now func() time.Time

	// Metrics
	written   uint64
	conflicts uint64
	tampered  uint64
}

// Stats reports ledger counters.
type Stats struct {
	Written   uint64 `json:"written"`
	Conflicts uint64 `json:"conflicts"`
	Tampered  uint64 `json:"tampered"`
}

// NewLedger creates a ledger over backend. A nil key disables signatures,
// leaving only the hash chain.
func NewLedger(backend Backend, key []byte, logger *slog.Logger) *Ledger {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		backend: backend,
		key:     key,
		logger:  logger.With("component", "audit"),
		now:     time.Now,
	}
}

// AddSink registers a sink that receives every committed entry.
func (l *Ledger) AddSink(s Sink) {
	l.sinksMu.Lock()
	defer l.sinksMu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Seal links entry to the current head of its incident's chain and signs it.
// It does not persist the entry; callers that commit the entry together with
// other state (see storage.IncidentStore.Commit) use Seal, then Published.
func (l *Ledger) Seal(ctx context.Context, entry *Entry) error {
	if entry.IncidentID == "" {
		return errors.New("audit entry requires an incident id")
	}
	if entry.Event == "" {
		return errors.New("audit entry requires an event")
	}

	data, err := normalizeData(entry.Data)
	if err != nil {
		return err
	}

	head, seq, err := l.backend.Head(ctx, entry.IncidentID)
	if err != nil {
		return fmt.Errorf("failed to read audit chain head: %w", err)
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Data = data
	entry.Sequence = seq + 1
	entry.PrevHash = head
	// Microsecond precision survives every backend's timestamp encoding.
	entry.Timestamp = l.now().UTC().Truncate(time.Microsecond)
	entry.sign(l.key)

	return nil
}

// Append seals and persists a standalone entry. A chain conflict caused by a
// concurrent writer is resolved by re-sealing against the new head.
func (l *Ledger) Append(ctx context.Context, entry Entry) (Entry, error) {
	mu := l.stripe(entry.IncidentID)
	mu.Lock()
	defer mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		e := entry
		if err := l.Seal(ctx, &e); err != nil {
			return Entry{}, err
		}

		err := l.backend.AppendEntry(ctx, &e)
		if err == nil {
			l.Published(ctx, e)
			return e, nil
		}
		if !errors.Is(err, ErrChainConflict) {
			return Entry{}, fmt.Errorf("failed to append audit entry: %w", err)
		}
		atomic.AddUint64(&l.conflicts, 1)
		lastErr = err
	}

	return Entry{}, fmt.Errorf("failed to append audit entry after %d attempts: %w", maxConflictRetries, lastErr)
}

// Published records that entry was durably committed and forwards it to sinks.
func (l *Ledger) Published(ctx context.Context, entry Entry) {
	atomic.AddUint64(&l.written, 1)

	l.sinksMu.RLock()
	sinks := l.sinks
	l.sinksMu.RUnlock()

	for _, s := range sinks {
		if err := s.Write(ctx, entry); err != nil {
			l.logger.Warn("audit sink write failed",
				"incident_id", entry.IncidentID,
				"entry_id", entry.ID,
				"error", err)
		}
	}
}

// List returns the chain for incidentID in sequence order.
func (l *Ledger) List(ctx context.Context, incidentID string) ([]Entry, error) {
	entries, err := l.backend.ListEntries(ctx, incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return entries, nil
}

// Verify recomputes the chain for incidentID. It returns false when any entry
// was altered, removed or inserted. The error is non-nil only when the chain
// could not be read.
func (l *Ledger) Verify(ctx context.Context, incidentID string) (bool, error) {
	entries, err := l.List(ctx, incidentID)
	if err != nil {
		return false, err
	}
	if err := l.VerifyEntries(incidentID, entries); err != nil {
		atomic.AddUint64(&l.tampered, 1)
		l.logger.Error("audit chain verification failed",
			"incident_id", incidentID,
			"error", err)
		return false, nil
	}
	return true, nil
}

// VerifyEntries checks a chain and reports the first violation found.
func (l *Ledger) VerifyEntries(incidentID string, entries []Entry) error {
	prev := GenesisHash(incidentID)
	for i := range entries {
		e := &entries[i]
		if e.IncidentID != incidentID {
			return fmt.Errorf("%w: entry %d belongs to incident %q", ErrChainBroken, i, e.IncidentID)
		}
		if e.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: entry %d has sequence %d", ErrSequenceGap, i, e.Sequence)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev_hash does not match predecessor", ErrChainBroken, e.Sequence)
		}
		if !e.verify(l.key) {
			return fmt.Errorf("%w: entry %d", ErrTamperDetected, e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}

// Stats returns ledger counters.
func (l *Ledger) Stats() Stats {
	return Stats{
		Written:   atomic.LoadUint64(&l.written),
		Conflicts: atomic.LoadUint64(&l.conflicts),
		Tampered:  atomic.LoadUint64(&l.tampered),
	}
}

func (l *Ledger) stripe(incidentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(incidentID))
	return &l.stripes[h.Sum32()%lockStripes]
}
