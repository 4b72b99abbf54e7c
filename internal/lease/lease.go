// Package lease grants one worker at a time the right to mutate an
// incident.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrLeaseHeld is returned by TryAcquire when another owner holds the key.
	ErrLeaseHeld = errors.New("lease: held by another owner")
	// ErrNotHeld is returned when releasing a lease that is no longer held
	// by its token, e.g. after it expired.
	ErrNotHeld = errors.New("lease: not held")
)

// Lease is a held mutual-exclusion token.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

// Locker acquires and releases per-key leases.
type Locker interface {
	// Acquire blocks until the lease is granted or ctx is done.
	Acquire(ctx context.Context, key string) (Lease, error)
	// TryAcquire returns ErrLeaseHeld instead of blocking.
	TryAcquire(ctx context.Context, key string) (Lease, error)
	Release(ctx context.Context, l Lease) error
}

// Config selects and tunes the Locker.
type Config struct {
	Driver       string        `yaml:"driver"`
	TTL          time.Duration `yaml:"ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Prefix       string        `yaml:"prefix"`
}

// DefaultConfig returns an in-process locker config.
func DefaultConfig() Config {
	return Config{
		Driver:       "local",
		TTL:          30 * time.Second,
		PollInterval: 25 * time.Millisecond,
		Prefix:       "sentinelops:lease:",
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	switch c.Driver {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown lease driver %q", c.Driver)
	}
	if c.TTL <= 0 {
		return errors.New("lease ttl must be positive")
	}
	if c.Driver == "redis" && c.PollInterval <= 0 {
		return errors.New("lease poll_interval must be positive")
	}
	return nil
}

// LocalLocker is an in-process Locker. Waiters are served through a
// one-slot channel per key.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch    chan struct{}
	token string
	refs  int
}

// NewLocalLocker creates an in-process Locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		return l.grant(key, s), nil
	case <-ctx.Done():
		l.unref(key, s)
		return Lease{}, ctx.Err()
	}
}

// TryAcquire implements Locker.
func (l *LocalLocker) TryAcquire(_ context.Context, key string) (Lease, error) {
	s := l.ref(key)
	select {
	case s.ch <- struct{}{}:
		return l.grant(key, s), nil
	default:
		l.unref(key, s)
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}
}

func (l *LocalLocker) grant(key string, s *slot) Lease {
	token := uuid.NewString()
	l.mu.Lock()
	s.token = token
	l.mu.Unlock()
	return Lease{Key: key, Token: token}
}

// Release implements Locker.
func (l *LocalLocker) Release(_ context.Context, ls Lease) error {
	l.mu.Lock()
	s, ok := l.slots[ls.Key]
	if !ok || s.token != ls.Token {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotHeld, ls.Key)
	}
	s.token = ""
	l.mu.Unlock()

	<-s.ch
	l.unref(ls.Key, s)
	return nil
}

// Held reports whether key is currently leased.
func (l *LocalLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	return ok && s.token != ""
}

// RedisLocker leases keys with SET NX PX and releases them with a
// token-checked delete, so an expired lease cannot be released by its
// former owner.
type RedisLocker struct {
	client RedisClient
	cfg    Config
	logger *slog.Logger
}

// NewRedisLocker creates a Redis-backed Locker.
func NewRedisLocker(client RedisClient, cfg Config, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &RedisLocker{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "lease"),
	}
}

// TryAcquire implements Locker.
func (r *RedisLocker) TryAcquire(ctx context.Context, key string) (Lease, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.cfg.Prefix+key, []byte(token), r.cfg.TTL)
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}
	return Lease{Key: key, Token: token, ExpiresAt: time.Now().Add(r.cfg.TTL)}, nil
}

// Acquire implements Locker by polling TryAcquire.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		l, err := r.TryAcquire(ctx, key)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLeaseHeld) {
			return Lease{}, err
		}
		select {
		case <-ctx.Done():
			return Lease{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release implements Locker.
func (r *RedisLocker) Release(ctx context.Context, l Lease) error {
	ok, err := r.client.CompareAndDelete(ctx, r.cfg.Prefix+l.Key, []byte(l.Token))
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.Key, err)
	}
	if !ok {
		r.logger.Warn("lease expired before release", "key", l.Key)
		return fmt.Errorf("%w: %s", ErrNotHeld, l.Key)
	}
	return nil
}

// New builds the Locker selected by cfg.Driver. client is required for the
// redis driver.
func New(cfg Config, client RedisClient, logger *slog.Logger) (Locker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Driver == "redis" {
		if client == nil {
			return nil, errors.New("lease driver redis requires a redis client")
		}
		return NewRedisLocker(client, cfg, logger), nil
	}
	return NewLocalLocker(), nil
}
