package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"sentinelops/internal/recovery"
	"sentinelops/internal/schema"
)

// pool runs queued events with at most MaxConcurrentIncidents incidents in
// flight. Each incident has one FIFO queue drained by a single goroutine, so
// its events apply in acceptance order.
type pool struct {
	engine *Engine
	sem    *semaphore.Weighted
	depth  int
	wait   time.Duration
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	queues  map[string][]schema.Event
	pending int
	closed  bool

	processed atomic.Uint64
	failed    atomic.Uint64
}

func newPool(e *Engine, cfg Config, logger *slog.Logger) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &pool{
		engine: e,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentIncidents)),
		depth:  cfg.QueueDepth,
		wait:   cfg.ShutdownWait,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[string][]schema.Event),
	}
}

func (p *pool) enqueue(incidentID string, ev schema.Event) error {
	return p.push(incidentID, ev, false)
}

// enqueueDeadline queues a deadline expiry. Expiries are not bounded by the
// queue depth: the timer that produced one has already fired and cannot
// be redelivered.
func (p *pool) enqueueDeadline(incidentID string, ev schema.Event) error {
	return p.push(incidentID, ev, true)
}

func (p *pool) push(incidentID string, ev schema.Event, unbounded bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrStopped
	}
	if !unbounded && p.pending >= p.depth {
		return ErrQueueFull
	}

	q, running := p.queues[incidentID]
	p.queues[incidentID] = append(q, ev)
	p.pending++
	if !running {
		p.wg.Add(1)
		go p.run(incidentID)
	}
	return nil
}

func (p *pool) run(incidentID string) {
	defer p.wg.Done()

	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.mu.Lock()
		dropped := len(p.queues[incidentID])
		p.pending -= dropped
		delete(p.queues, incidentID)
		p.mu.Unlock()
		p.logger.Warn("dropping queued events on shutdown", "incident_id", incidentID, "events", dropped)
		return
	}
	defer p.sem.Release(1)

	for {
		p.mu.Lock()
		q := p.queues[incidentID]
		if len(q) == 0 {
			delete(p.queues, incidentID)
			p.mu.Unlock()
			return
		}
		ev := q[0]
		q[0] = schema.Event{}
		p.queues[incidentID] = q[1:]
		p.mu.Unlock()

		state, err := p.engine.Submit(p.ctx, incidentID, ev)

		p.mu.Lock()
		p.pending--
		p.mu.Unlock()

		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
			p.logger.Warn("queued event failed",
				"incident_id", incidentID,
				"message_id", ev.MessageID,
				"event", ev.Type,
				"state", state,
				"error", err,
			)
		}
	}
}

func (p *pool) queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

func (p *pool) idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending == 0 && len(p.queues) == 0
}

func (p *pool) stop(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	wait := p.wait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	select {
	case <-done:
		p.logger.Info("workflow workers stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("workflow worker shutdown cancelled")
	case <-time.After(wait):
		p.logger.Warn("workflow worker shutdown timed out")
	}
	p.cancel()
}

// Enqueue queues ev for the incident and returns without waiting for it to
// be applied.
func (e *Engine) Enqueue(incidentID string, ev schema.Event) error {
	if incidentID == "" {
		return recovery.NewError(recovery.KindValidation, "enqueue",
			fmt.Errorf("%w: incident id is required", schema.ErrValidation))
	}
	return e.pool.enqueue(incidentID, ev)
}

// HandleMessage accepts an inbound collaborator message and queues it for
// its incident. It has the signature of a router handler.
func (e *Engine) HandleMessage(_ context.Context, msg schema.Message) error {
	if !msg.Type.Inbound() {
		return recovery.NewError(recovery.KindValidation, "handle",
			fmt.Errorf("%w: %s is not an inbound message type", schema.ErrValidation, msg.Type))
	}

	ev := schema.EventFromMessage(msg)
	incidentID := msg.IncidentID()
	if incidentID == "" {
		if msg.Type != schema.MsgNewIncident {
			return recovery.NewError(recovery.KindValidation, "handle",
				fmt.Errorf("%w: payload.incident_id is required", schema.ErrValidation))
		}
		incidentID = uuid.NewString()
	}

	err := e.pool.enqueue(incidentID, ev)
	if errors.Is(err, ErrQueueFull) {
		// Retryable, so the transport may redeliver.
		return recovery.NewError(recovery.KindAgentCommunication, "handle", err)
	}
	return err
}

// Drain blocks until every queued event has been applied or ctx is done.
func (e *Engine) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !e.pool.idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stop stops accepting events, waits for queued ones up to the configured
// shutdown wait, and stops the engine's own deadline timers.
func (e *Engine) Stop(ctx context.Context) {
	e.pool.stop(ctx)
	if e.ownsTimeouts {
		e.timeouts.Stop()
	}
}
