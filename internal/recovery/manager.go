package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Well-known dependency keys.
const (
	KeyAgentChannel = "agent-channel"
	KeyStore        = "store"
)

// Policy is the retry policy applied to one dependency key.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	Backoff     Backoff
	// DefaultKind classifies errors that carry no recognizable marker.
	DefaultKind ErrorKind
}

// Config configures a Manager.
type Config struct {
	Breaker BreakerConfig
	Policy  Policy
}

// DefaultConfig returns three attempts with the default backoff.
func DefaultConfig() Config {
	return Config{
		Breaker: DefaultBreakerConfig(),
		Policy: Policy{
			MaxAttempts: 3,
			Backoff:     DefaultBackoff(),
			DefaultKind: KindAgentCommunication,
		},
	}
}

// Hooks observe the manager. They run synchronously; StateChange runs while
// the breaker's lock is held and must not call back into the breaker.
type Hooks struct {
	Retry       func(key string, attempt int, delay time.Duration, err error)
	StateChange func(key string, from, to State)
}

// Outcome summarizes what Execute did.
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeRetriedSucceeded Outcome = "retried_succeeded"
	OutcomeExhausted        Outcome = "retried_exhausted"
	OutcomeEscalated        Outcome = "escalated"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeCircuitOpen      Outcome = "circuit_open"
	OutcomeCancelled        Outcome = "cancelled"
)

// Result describes one Execute call.
type Result struct {
	Attempts int
	Outcome  Outcome
	Kind     ErrorKind
	Strategy Strategy
}

// Manager owns one breaker per dependency key and runs calls through them
// with the retry policy for that key. It is shared process-wide.
type Manager struct {
	config Config
	logger *slog.Logger
	hooks  Hooks

	mu       sync.Mutex
	breakers map[string]*Breaker
	policies map[string]Policy

	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy.MaxAttempts = 1
	}
	m := &Manager{
		config:   cfg,
		logger:   logger.With("component", "recovery"),
		breakers: make(map[string]*Breaker),
		policies: map[string]Policy{
			KeyStore: {
				MaxAttempts: cfg.Policy.MaxAttempts,
				Backoff:     cfg.Policy.Backoff,
				DefaultKind: KindStore,
			},
		},
		sleep: sleepContext,
	}
	return m
}

// SetHooks installs observers. Call before the manager is used.
func (m *Manager) SetHooks(h Hooks) {
	m.hooks = h
}

// SetPolicy overrides the retry policy for key.
func (m *Manager) SetPolicy(key string, p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	m.policies[key] = p
}

func (m *Manager) policy(key string) Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.policies[key]; ok {
		return p
	}
	return m.config.Policy
}

// Breaker returns the breaker for key, creating it on first use.
func (m *Manager) Breaker(key string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[key]; ok {
		return b
	}
	b := NewBreaker(key, m.config.Breaker)
	b.onChange = m.stateChanged
	m.breakers[key] = b
	return b
}

func (m *Manager) stateChanged(key string, from, to State) {
	m.logger.Warn("circuit breaker state change", "dependency", key, "from", from, "to", to)
	if m.hooks.StateChange != nil {
		m.hooks.StateChange(key, from, to)
	}
}

// Snapshot returns the state of every known breaker, sorted by name.
func (m *Manager) Snapshot() []BreakerSnapshot {
	m.mu.Lock()
	breakers := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		breakers = append(breakers, b)
	}
	m.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs op through the breaker for key, retrying retryable failures
// with backoff. The returned error is nil on success. Otherwise it is an
// *Error whose Kind is the final classification: retryable failures that
// use up their attempts surface as WORKFLOW_ERROR wrapping
// ErrRetriesExhausted, and a rejected call wraps ErrCircuitOpen.
func (m *Manager) Execute(ctx context.Context, key string, op func(ctx context.Context) error) (Result, error) {
	policy := m.policy(key)
	breaker := m.Breaker(key)

	var res Result
	for attempt := 1; ; attempt++ {
		if err := breaker.Allow(); err != nil {
			res.Outcome = OutcomeCircuitOpen
			res.Kind = KindAgentCommunication
			if key == KeyStore {
				res.Kind = KindStore
			}
			res.Strategy = StrategyFor(res.Kind)
			return res, NewError(res.Kind, key, err)
		}

		res.Attempts = attempt
		err := op(ctx)
		if err == nil {
			breaker.Success()
			res.Outcome = OutcomeSucceeded
			if attempt > 1 {
				res.Outcome = OutcomeRetriedSucceeded
			}
			return res, nil
		}

		if isExpected(err) {
			breaker.Release()
			res.Outcome = OutcomeCancelled
			if !errors.Is(err, context.Canceled) {
				res.Outcome = OutcomeSkipped
			}
			return res, err
		}

		kind, known := classify(err)
		if !known {
			kind = policy.DefaultKind
			if kind == "" {
				kind = KindWorkflow
			}
		}
		res.Kind = kind
		res.Strategy = StrategyFor(kind)

		switch res.Strategy {
		case StrategySkip:
			breaker.Release()
			res.Outcome = OutcomeSkipped
			return res, wrapKind(kind, key, err)
		case StrategyEscalate:
			breaker.Failure()
			res.Outcome = OutcomeEscalated
			return res, wrapKind(kind, key, err)
		}

		breaker.Failure()
		if attempt >= policy.MaxAttempts {
			m.logger.Error("retries exhausted",
				"dependency", key,
				"attempts", attempt,
				"kind", kind,
				"error", err,
			)
			res.Outcome = OutcomeExhausted
			res.Kind = KindWorkflow
			res.Strategy = StrategyFor(KindWorkflow)
			return res, NewError(KindWorkflow, key,
				fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err))
		}

		delay := policy.Backoff.Delay(attempt)
		m.logger.Warn("call failed, retrying",
			"dependency", key,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", delay,
			"kind", kind,
			"error", err,
		)
		if m.hooks.Retry != nil {
			m.hooks.Retry(key, attempt, delay, err)
		}
		if err := m.sleep(ctx, delay); err != nil {
			res.Outcome = OutcomeCancelled
			return res, NewError(KindTimeout, key, err)
		}
	}
}

func wrapKind(kind ErrorKind, op string, err error) error {
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return NewError(kind, op, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
