// Package router moves messages between the orchestrator and its
// collaborators: retried sends with dead-lettering, deduplicated receives,
// and correlation-based request/response.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinelops/internal/logging"
	"sentinelops/internal/recovery"
	"sentinelops/internal/schema"

	"golang.org/x/time/rate"
)

var (
	// ErrTimeout is returned by SendAndWait when no response arrives in time
	// or the caller gives up. The request itself is not retracted.
	ErrTimeout = errors.New("router: timed out waiting for response")

	// ErrDeadLettered is returned by Send when the message was moved to the
	// dead-letter destination.
	ErrDeadLettered = errors.New("router: message dead-lettered")

	// ErrWaiterExists is returned when a correlation ID already has a waiter.
	ErrWaiterExists = errors.New("router: correlation id already awaited")
)

// Config configures the router.
type Config struct {
	// MaxRetries is the total number of send attempts.
	MaxRetries  int           `yaml:"max_retries"`
	BackoffBase float64       `yaml:"backoff_base"`
	BackoffUnit time.Duration `yaml:"backoff_unit"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Jitter      float64       `yaml:"jitter"`
	// SendTimeout bounds one publish attempt.
	SendTimeout time.Duration `yaml:"send_timeout"`
	// RateLimit is sends per second per target; zero disables limiting.
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
	DedupTTL  time.Duration `yaml:"dedup_ttl"`
}

// DefaultConfig returns three attempts with 2s/4s backoff.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BackoffBase: 2,
		BackoffUnit: time.Second,
		MaxBackoff:  60 * time.Second,
		Jitter:      0.1,
		SendTimeout: 10 * time.Second,
		RateBurst:   10,
		DedupTTL:    24 * time.Hour,
	}
}

// Backoff returns the retry delay schedule described by the config.
func (c Config) Backoff() recovery.Backoff {
	return recovery.Backoff{
		Base:   c.BackoffBase,
		Unit:   c.BackoffUnit,
		Max:    c.MaxBackoff,
		Jitter: c.Jitter,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxRetries < 1 {
		return errors.New("router.max_retries must be >= 1")
	}
	if err := c.Backoff().Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}
	if c.RateLimit < 0 {
		return errors.New("router.rate_limit must be >= 0")
	}
	return nil
}

// Handler processes one received message.
type Handler func(ctx context.Context, msg schema.Message) error

// Hooks observe the router.
type Hooks struct {
	Sent         func(target string, typ schema.MessageType, latency time.Duration, err error)
	DeadLettered func(dl DeadLetter)
	Rejected     func(msg schema.Message, kind recovery.ErrorKind, err error)
}

// Stats are cumulative router counters.
type Stats struct {
	Sent         uint64        `json:"sent"`
	Failed       uint64        `json:"failed"`
	DeadLettered uint64        `json:"dead_lettered"`
	Received     uint64        `json:"received"`
	Duplicates   uint64        `json:"duplicates"`
	Rejected     uint64        `json:"rejected"`
	AvgLatency   time.Duration `json:"avg_latency"`
}

// ErrorRate returns failed sends over all sends.
func (s Stats) ErrorRate() float64 {
	if s.Sent == 0 {
		return 0
	}
	return float64(s.Failed) / float64(s.Sent)
}

// Router sends and receives messages over a Transport.
type Router struct {
	config    Config
	transport Transport
	recovery  *recovery.Manager
	validator *schema.Validator
	dlq       DeadLetterSink
	dedup     Deduper
	logger    *slog.Logger
	hooks     Hooks
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[string][]Handler
	waiters  map[string]waiter
	limiters map[string]*rate.Limiter

	sent         atomic.Uint64
	failed       atomic.Uint64
	deadLettered atomic.Uint64
	received     atomic.Uint64
	duplicates   atomic.Uint64
	rejected     atomic.Uint64
	latencyNanos atomic.Int64
}

type waiter struct {
	requestID string
	ch        chan schema.Message
}

// Option customizes a Router.
type Option func(*Router)

// WithDeadLetterSink sets where undeliverable messages go.
func WithDeadLetterSink(s DeadLetterSink) Option {
	return func(r *Router) { r.dlq = s }
}

// WithDeduper replaces the in-memory deduper.
func WithDeduper(d Deduper) Option {
	return func(r *Router) { r.dedup = d }
}

// WithHooks installs observers.
func WithHooks(h Hooks) Option {
	return func(r *Router) { r.hooks = h }
}

// WithValidator replaces the default message validator.
func WithValidator(v *schema.Validator) Option {
	return func(r *Router) { r.validator = v }
}

// New creates a router. Sends run through rm under the agent-channel key
// with the retry policy from cfg.
func New(cfg Config, transport Transport, rm *recovery.Manager, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	r := &Router{
		config:    cfg,
		transport: transport,
		recovery:  rm,
		logger:    logger.With("component", "router"),
		now:       time.Now,
		handlers:  make(map[string][]Handler),
		waiters:   make(map[string]waiter),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.validator == nil {
		r.validator = schema.NewValidator()
	}
	if r.dlq == nil {
		r.dlq = NewMemoryDeadLetters(0)
	}
	if r.dedup == nil {
		r.dedup = NewMemoryDeduper(cfg.DedupTTL)
	}

	rm.SetPolicy(recovery.KeyAgentChannel, recovery.Policy{
		MaxAttempts: cfg.MaxRetries,
		Backoff:     cfg.Backoff(),
		DefaultKind: recovery.KindAgentCommunication,
	})
	return r
}

// DeadLetters returns the configured dead-letter sink.
func (r *Router) DeadLetters() DeadLetterSink {
	return r.dlq
}

// Send publishes msg, retrying failed attempts with backoff. When attempts
// are exhausted or the agent channel breaker is open, msg is dead-lettered
// once and an error wrapping ErrDeadLettered is returned.
func (r *Router) Send(ctx context.Context, msg schema.Message) error {
	if err := r.validator.ValidateMessage(&msg); err != nil {
		r.rejected.Add(1)
		return recovery.NewError(recovery.KindValidation, "send", err)
	}

	if err := r.wait(ctx, msg.Target); err != nil {
		return recovery.NewError(recovery.KindTimeout, "send", err)
	}

	start := r.now()
	attempt := 0
	res, err := r.recovery.Execute(ctx, recovery.KeyAgentChannel, func(ctx context.Context) error {
		m := msg
		m.Metadata.RetryCount = attempt
		attempt++
		if r.config.SendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.config.SendTimeout)
			defer cancel()
		}
		return r.transport.Publish(ctx, m)
	})
	latency := r.now().Sub(start)

	r.sent.Add(1)
	r.latencyNanos.Add(int64(latency))
	if r.hooks.Sent != nil {
		r.hooks.Sent(msg.Target, msg.Type, latency, err)
	}

	if err == nil {
		r.logger.Debug("message sent",
			"message_id", msg.MessageID,
			"correlation_id", msg.CorrelationID,
			"incident_id", msg.IncidentID(),
			"target", msg.Target,
			"type", msg.Type,
			"attempts", res.Attempts,
		)
		return nil
	}

	r.failed.Add(1)
	switch res.Outcome {
	case recovery.OutcomeExhausted, recovery.OutcomeCircuitOpen:
		dl := DeadLetter{
			Message:    msg,
			Error:      err.Error(),
			RetryCount: res.Attempts,
			FailedAt:   r.now().UTC(),
		}
		if dlqErr := r.dlq.Put(ctx, dl); dlqErr != nil {
			r.logger.Error("failed to write dead letter",
				"message_id", msg.MessageID,
				"incident_id", msg.IncidentID(),
				"error", dlqErr,
			)
		}
		r.deadLettered.Add(1)
		if r.hooks.DeadLettered != nil {
			r.hooks.DeadLettered(dl)
		}
		r.logger.Error("message dead-lettered",
			"message_id", msg.MessageID,
			"correlation_id", msg.CorrelationID,
			"incident_id", msg.IncidentID(),
			"target", msg.Target,
			"type", msg.Type,
			"attempts", res.Attempts,
			"payload", logging.MaskPayload(msg.Payload),
			"error", err,
		)
		return fmt.Errorf("%w: %s to %s: %w", ErrDeadLettered, msg.Type, msg.Target, err)
	}
	return err
}

func (r *Router) wait(ctx context.Context, target string) error {
	if r.config.RateLimit <= 0 {
		return nil
	}
	r.mu.Lock()
	l, ok := r.limiters[target]
	if !ok {
		burst := r.config.RateBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(r.config.RateLimit), burst)
		r.limiters[target] = l
	}
	r.mu.Unlock()
	return l.Wait(ctx)
}

// OnReceive registers handler for messages addressed to target and
// subscribes to the target on the transport.
func (r *Router) OnReceive(ctx context.Context, target string, handler Handler) error {
	r.mu.Lock()
	r.handlers[target] = append(r.handlers[target], handler)
	first := len(r.handlers[target]) == 1
	r.mu.Unlock()

	if !first {
		return nil
	}
	return r.transport.Subscribe(ctx, target, r.receive)
}

// receive is the transport delivery callback.
func (r *Router) receive(ctx context.Context, msg schema.Message) {
	r.received.Add(1)
	log := r.logger.With(
		"message_id", msg.MessageID,
		"correlation_id", msg.CorrelationID,
		"incident_id", msg.IncidentID(),
		"type", msg.Type,
	)

	if err := r.validator.ValidateMessage(&msg); err != nil {
		r.reject(log, msg, err)
		return
	}
	if msg.Expired(r.now()) {
		r.reject(log, msg, fmt.Errorf("%w: message expired (ttl %ds)", schema.ErrValidation, msg.Metadata.TTL))
		return
	}

	first, err := r.dedup.Claim(ctx, msg.MessageID)
	if err != nil {
		log.Warn("dedup lookup failed, delivering anyway", "error", err)
		first = true
	}
	if !first {
		r.duplicates.Add(1)
		log.Debug("duplicate message dropped")
		return
	}

	if r.deliverToWaiter(msg) {
		return
	}

	r.mu.RLock()
	handlers := r.handlers[msg.Target]
	r.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			log.Error("message handler failed", "error", err)
			if recovery.StrategyFor(recovery.Classify(err)) == recovery.StrategyRetryWithBackoff {
				// Let a redelivery through.
				if rerr := r.dedup.Release(ctx, msg.MessageID); rerr != nil {
					log.Warn("dedup release failed", "error", rerr)
				}
			}
		}
	}
}

func (r *Router) reject(log *slog.Logger, msg schema.Message, err error) {
	r.rejected.Add(1)
	log.Warn("message rejected",
		"kind", recovery.KindValidation,
		"payload", logging.MaskPayload(msg.Payload),
		"error", err,
	)
	if r.hooks.Rejected != nil {
		r.hooks.Rejected(msg, recovery.KindValidation, err)
	}
}

func (r *Router) deliverToWaiter(msg schema.Message) bool {
	r.mu.RLock()
	w, ok := r.waiters[msg.CorrelationID]
	r.mu.RUnlock()
	if !ok || w.requestID == msg.MessageID {
		return false
	}
	select {
	case w.ch <- msg:
		return true
	default:
		// The waiter already has its response; treat this as a normal message.
		return false
	}
}

// SendAndWait sends msg and blocks until a message with the same
// correlation ID and a different message ID is received, timeout elapses,
// or ctx is done. Only the calling goroutine blocks.
func (r *Router) SendAndWait(ctx context.Context, msg schema.Message, timeout time.Duration) (schema.Message, error) {
	ch := make(chan schema.Message, 1)

	r.mu.Lock()
	if _, exists := r.waiters[msg.CorrelationID]; exists {
		r.mu.Unlock()
		return schema.Message{}, ErrWaiterExists
	}
	r.waiters[msg.CorrelationID] = waiter{requestID: msg.MessageID, ch: ch}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiters, msg.CorrelationID)
		r.mu.Unlock()
	}()

	if err := r.Send(ctx, msg); err != nil {
		return schema.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return schema.Message{}, fmt.Errorf("%w after %s (correlation_id=%s)", ErrTimeout, timeout, msg.CorrelationID)
	case <-ctx.Done():
		return schema.Message{}, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// Stats returns cumulative counters.
func (r *Router) Stats() Stats {
	s := Stats{
		Sent:         r.sent.Load(),
		Failed:       r.failed.Load(),
		DeadLettered: r.deadLettered.Load(),
		Received:     r.received.Load(),
		Duplicates:   r.duplicates.Load(),
		Rejected:     r.rejected.Load(),
	}
	if s.Sent > 0 {
		s.AvgLatency = time.Duration(r.latencyNanos.Load() / int64(s.Sent))
	}
	return s
}
