package recovery

import (
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int `yaml:"threshold"`

	// ResetTimeout is how long the breaker stays open before one probe call
	// is let through.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DefaultBreakerConfig returns threshold 3, reset timeout 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:    3,
		ResetTimeout: 30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of a breaker.
type BreakerSnapshot struct {
	Name          string        `json:"name"`
	State         State         `json:"state"`
	FailureCount  int           `json:"failure_count"`
	LastFailureAt time.Time     `json:"last_failure_at,omitempty"`
	Threshold     int           `json:"threshold"`
	ResetTimeout  time.Duration `json:"reset_timeout"`
}

// Breaker guards one logical dependency. State only moves
// closed -> open -> half_open -> closed|open.
//
// Thread Safety: Safe for concurrent use.
type Breaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	probing       bool

	onChange func(name string, from, to State)
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBreakerConfig().Threshold
	}
	return &Breaker{
		name:   name,
		config: cfg,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Name returns the dependency key.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reserves a call. It returns ErrCircuitOpen while the breaker is open,
// and while the single half-open probe is outstanding.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			return ErrCircuitOpen
		}
		b.transitionLocked(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	}
	return ErrCircuitOpen
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.probing = false
		b.failureCount = 0
		b.transitionLocked(StateClosed)
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.lastFailureAt = now
	b.failureCount++

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.Threshold {
			b.openedAt = now
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.openedAt = now
		b.transitionLocked(StateOpen)
	}
}

// Release gives back a reservation whose call ended without telling us
// anything about the dependency, such as a cancelled context.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.probing = false
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed still reports open until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
		Threshold:     b.config.Threshold,
		ResetTimeout:  b.config.ResetTimeout,
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
