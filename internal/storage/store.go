package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"sentinelops/internal/audit"
	"sentinelops/internal/schema"
)

// IncidentStore persists versioned incident records.
//
// Commit writes inc and, when entry is non-nil, the sealed audit entry in a
// single transaction. inc.Version must equal the stored version (zero for a
// new incident); on success it is incremented to the committed version.
// A stale version yields ErrVersionConflict and a stale audit head yields
// audit.ErrChainConflict; nothing is written in either case.
type IncidentStore interface {
	Get(ctx context.Context, id string) (*schema.Incident, error)
	Commit(ctx context.Context, inc *schema.Incident, entry *audit.Entry) error
	List(ctx context.Context, filter ListFilter) ([]*schema.Incident, error)
}

// Store is an incident store that also holds the audit chains, which is
// what lets Commit be atomic.
type Store interface {
	IncidentStore
	audit.Backend
	Close() error
}

// ListFilter selects incidents.
type ListFilter struct {
	Statuses        []schema.WorkflowState
	ExcludeTerminal bool
	Limit           int
}

// Match reports whether inc passes the filter.
func (f ListFilter) Match(inc *schema.Incident) bool {
	if f.ExcludeTerminal && inc.Status.IsTerminal() {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inc.Status == s {
			return true
		}
	}
	return false
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 10000 {
		return 1000
	}
	return f.Limit
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	incidents map[string]*schema.Incident
	chains    *audit.MemoryBackend
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: make(map[string]*schema.Incident),
		chains:    audit.NewMemoryBackend(),
	}
}

// Get implements IncidentStore.
func (m *MemoryStore) Get(_ context.Context, id string) (*schema.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrDatabaseClosed
	}
	inc, ok := m.incidents[id]
	if !ok {
		return nil, WrapNotFoundError("Get", "incidents", id)
	}
	return inc.Clone(), nil
}

// Commit implements IncidentStore.
func (m *MemoryStore) Commit(ctx context.Context, inc *schema.Incident, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrDatabaseClosed
	}

	var stored int64
	if cur, ok := m.incidents[inc.ID]; ok {
		stored = cur.Version
	}
	if stored != inc.Version {
		return WrapConflictError("Commit", "incidents", inc.ID, inc.Version)
	}

	if entry != nil {
		if entry.IncidentID != inc.ID {
			return &StorageError{Op: "Commit", Table: "audit", Err: ErrInvalidData}
		}
		if err := m.chains.AppendEntry(ctx, entry); err != nil {
			return err
		}
	}

	inc.Version++
	m.incidents[inc.ID] = inc.Clone()
	return nil
}

// List implements IncidentStore.
func (m *MemoryStore) List(_ context.Context, filter ListFilter) ([]*schema.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*schema.Incident
	for _, inc := range m.incidents {
		if filter.Match(inc) {
			out = append(out, inc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

// Head implements audit.Backend.
func (m *MemoryStore) Head(ctx context.Context, incidentID string) (string, uint64, error) {
	return m.chains.Head(ctx, incidentID)
}

// AppendEntry implements audit.Backend.
func (m *MemoryStore) AppendEntry(ctx context.Context, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrDatabaseClosed
	}
	return m.chains.AppendEntry(ctx, entry)
}

// ListEntries implements audit.Backend.
func (m *MemoryStore) ListEntries(ctx context.Context, incidentID string) ([]audit.Entry, error) {
	return m.chains.ListEntries(ctx, incidentID)
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("storage: already closed")
	}
	m.closed = true
	return nil
}
