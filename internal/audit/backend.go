package audit

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrChainConflict is returned when an entry's prev_hash no longer
	// matches the head of the incident's chain.
	ErrChainConflict  = errors.New("audit chain head moved")
	ErrChainBroken    = errors.New("audit chain integrity broken")
	ErrTamperDetected = errors.New("audit entry tampering detected")
	ErrSequenceGap    = errors.New("sequence gap detected in audit chain")
)

// Backend persists audit chains. AppendEntry must reject an entry whose PrevHash
// differs from the current head with ErrChainConflict.
type Backend interface {
	// Head returns the hash and sequence of the last entry, or the genesis
	// hash and zero for an empty chain.
	Head(ctx context.Context, incidentID string) (hash string, seq uint64, err error)
	AppendEntry(ctx context.Context, entry *Entry) error
	ListEntries(ctx context.Context, incidentID string) ([]Entry, error)
}

// MemoryBackend keeps chains in process memory.
type MemoryBackend struct {
	mu     sync.RWMutex
	chains map[string][]Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{chains: make(map[string][]Entry)}
}

// Head implements Backend.
func (m *MemoryBackend) Head(_ context.Context, incidentID string) (string, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return headOf(incidentID, m.chains[incidentID])
}

// AppendEntry implements Backend.
func (m *MemoryBackend) AppendEntry(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head, _, _ := headOf(entry.IncidentID, m.chains[entry.IncidentID])
	if entry.PrevHash != head {
		return ErrChainConflict
	}
	m.chains[entry.IncidentID] = append(m.chains[entry.IncidentID], cloneEntry(*entry))
	return nil
}

// ListEntries implements Backend.
func (m *MemoryBackend) ListEntries(_ context.Context, incidentID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.chains[incidentID]
	out := make([]Entry, len(chain))
	for i, e := range chain {
		out[i] = cloneEntry(e)
	}
	return out, nil
}

// Tamper replaces the stored entry at index i. It exists for integrity tests.
func (m *MemoryBackend) Tamper(incidentID string, i int, fn func(e *Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chain := m.chains[incidentID]; i >= 0 && i < len(chain) {
		fn(&chain[i])
	}
}

func headOf(incidentID string, chain []Entry) (string, uint64, error) {
	if len(chain) == 0 {
		return GenesisHash(incidentID), 0, nil
	}
	last := chain[len(chain)-1]
	return last.Hash, last.Sequence, nil
}

func cloneEntry(e Entry) Entry {
	if e.Data != nil {
		data := make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			data[k] = v
		}
		e.Data = data
	}
	return e
}
