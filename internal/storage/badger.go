package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"sentinelops/internal/audit"
	"sentinelops/internal/schema"
)

// Key layout:
//
//	incident/<id>              incident JSON
//	audit/<id>/<seq:020d>      audit entry JSON
//	audithead/<id>             chain head {hash, seq}
const (
	incidentPrefix  = "incident/"
	auditPrefix     = "audit/"
	auditHeadPrefix = "audithead/"
)

// BadgerConfig holds configuration for the embedded badger store.
type BadgerConfig struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string `yaml:"path"`

	// InMemory keeps everything in memory. Useful for testing.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is how often to run value log garbage collection. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
}

// DefaultBadgerConfig returns durable defaults.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		Path:           "data/incidents",
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

type chainHead struct {
	Hash string `json:"hash"`
	Seq  uint64 `json:"seq"`
}

// BadgerStore is a Store backed by an embedded badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	stopGC chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens (or creates) the badger store.
func OpenBadger(cfg BadgerConfig, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.With("component", "badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger.With("component", "storage", "driver", "badger"),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return s, nil
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means nothing needed collecting.
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("badger value log GC error", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *BadgerStore) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.gcDone
	}
	return s.db.Close()
}

// Get implements IncidentStore.
func (s *BadgerStore) Get(_ context.Context, id string) (*schema.Incident, error) {
	var inc *schema.Incident
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		inc, err = readIncident(txn, id)
		return err
	})
	if err != nil {
		return nil, s.wrap("Get", "incidents", err)
	}
	if inc == nil {
		return nil, WrapNotFoundError("Get", "incidents", id)
	}
	return inc, nil
}

// Commit implements IncidentStore.
func (s *BadgerStore) Commit(_ context.Context, inc *schema.Incident, entry *audit.Entry) error {
	if entry != nil && entry.IncidentID != inc.ID {
		return &StorageError{Op: "Commit", Table: "audit", Err: ErrInvalidData}
	}

	next := inc.Clone()
	next.Version = inc.Version + 1

	err := s.db.Update(func(txn *badger.Txn) error {
		cur, err := readIncident(txn, inc.ID)
		if err != nil {
			return err
		}
		var stored int64
		if cur != nil {
			stored = cur.Version
		}
		if stored != inc.Version {
			return WrapConflictError("Commit", "incidents", inc.ID, inc.Version)
		}

		if entry != nil {
			if err := appendEntryTxn(txn, entry); err != nil {
				return err
			}
		}

		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidData, err)
		}
		return txn.Set([]byte(incidentPrefix+inc.ID), raw)
	})
	if err != nil {
		return s.wrap("Commit", "incidents", err)
	}

	inc.Version = next.Version
	return nil
}

// List implements IncidentStore.
func (s *BadgerStore) List(_ context.Context, filter ListFilter) ([]*schema.Incident, error) {
	var out []*schema.Incident
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(incidentPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var inc schema.Incident
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &inc)
			}); err != nil {
				return err
			}
			if filter.Match(&inc) {
				out = append(out, &inc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("List", "incidents", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > filter.limit() {
		out = out[:filter.limit()]
	}
	return out, nil
}

// Head implements audit.Backend.
func (s *BadgerStore) Head(_ context.Context, incidentID string) (string, uint64, error) {
	var head chainHead
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		head, err = readHead(txn, incidentID)
		return err
	})
	if err != nil {
		return "", 0, s.wrap("Head", "audit", err)
	}
	return head.Hash, head.Seq, nil
}

// AppendEntry implements audit.Backend.
func (s *BadgerStore) AppendEntry(_ context.Context, entry *audit.Entry) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return appendEntryTxn(txn, entry)
	})
	if err != nil {
		return s.wrap("AppendEntry", "audit", err)
	}
	return nil
}

// ListEntries implements audit.Backend.
func (s *BadgerStore) ListEntries(_ context.Context, incidentID string) ([]audit.Entry, error) {
	var out []audit.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(auditPrefix + incidentID + "/")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var e audit.Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap("ListEntries", "audit", err)
	}
	return out, nil
}

func readIncident(txn *badger.Txn, id string) (*schema.Incident, error) {
	item, err := txn.Get([]byte(incidentPrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var inc schema.Incident
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &inc)
	}); err != nil {
		return nil, err
	}
	return &inc, nil
}

func readHead(txn *badger.Txn, incidentID string) (chainHead, error) {
	item, err := txn.Get([]byte(auditHeadPrefix + incidentID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chainHead{Hash: audit.GenesisHash(incidentID)}, nil
	}
	if err != nil {
		return chainHead{}, err
	}
	var head chainHead
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &head)
	})
	return head, err
}

// appendEntryTxn writes entry if it extends the current head.
func appendEntryTxn(txn *badger.Txn, entry *audit.Entry) error {
	head, err := readHead(txn, entry.IncidentID)
	if err != nil {
		return err
	}
	if entry.PrevHash != head.Hash || entry.Sequence != head.Seq+1 {
		return audit.ErrChainConflict
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	key := fmt.Sprintf("%s%s/%020d", auditPrefix, entry.IncidentID, entry.Sequence)
	if err := txn.Set([]byte(key), raw); err != nil {
		return err
	}

	headRaw, err := json.Marshal(chainHead{Hash: entry.Hash, Seq: entry.Sequence})
	if err != nil {
		return err
	}
	return txn.Set([]byte(auditHeadPrefix+entry.IncidentID), headRaw)
}

// wrap maps badger errors onto the storage taxonomy.
func (s *BadgerStore) wrap(op, table string, err error) error {
	var se *StorageError
	switch {
	case errors.As(err, &se), errors.Is(err, audit.ErrChainConflict):
		return err
	case errors.Is(err, badger.ErrConflict):
		return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrVersionConflict, err)}
	case errors.Is(err, badger.ErrDBClosed):
		return &StorageError{Op: op, Table: table, Err: ErrDatabaseClosed}
	case errors.Is(err, ErrInvalidData):
		return &StorageError{Op: op, Table: table, Err: err}
	default:
		return WrapQueryError(op, table, err)
	}
}
