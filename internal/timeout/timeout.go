// Package timeout tracks per-stage deadlines and fires each expiry at most
// once, even when a cancel races the timer.
package timeout

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"sentinelops/internal/schema"
)

// Config holds the default deadline per stage.
type Config struct {
	Analysis    time.Duration `yaml:"analysis"`
	Remediation time.Duration `yaml:"remediation"`
	Approval    time.Duration `yaml:"approval"`
}

// DefaultConfig returns analysis 300s, remediation 600s, approval 1800s.
func DefaultConfig() Config {
	return Config{
		Analysis:    300 * time.Second,
		Remediation: 600 * time.Second,
		Approval:    1800 * time.Second,
	}
}

// Validate checks that every deadline is positive.
func (c Config) Validate() error {
	if c.Analysis <= 0 || c.Remediation <= 0 || c.Approval <= 0 {
		return errors.New("stage deadlines must be positive")
	}
	return nil
}

// For returns the deadline for stage, or zero when the stage has none.
func (c Config) For(stage schema.Stage) time.Duration {
	switch stage {
	case schema.StageAnalysis:
		return c.Analysis
	case schema.StageRemediation:
		return c.Remediation
	case schema.StageApproval:
		return c.Approval
	}
	return 0
}

// Handle identifies one armed deadline.
type Handle struct {
	ID         uint64
	IncidentID string
	Stage      schema.Stage
	Deadline   time.Time
}

// Expiry is called once per deadline that elapses before it is cancelled.
// It runs on its own goroutine.
type Expiry func(h Handle)

const (
	timerArmed int32 = iota
	timerFired
	timerCancelled
)

type timer struct {
	handle Handle
	state  atomic.Int32
	t      *time.Timer
}

// Manager owns the armed deadlines.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	nextID atomic.Uint64

	mu         sync.Mutex
	timers     map[uint64]*timer
	byIncident map[string]map[uint64]struct{}
	onExpire   Expiry
	stopped    bool

	fired     atomic.Uint64
	cancelled atomic.Uint64
}

// NewManager creates a Manager with no expiry handler.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:     logger.With("component", "timeout"),
		now:        time.Now,
		timers:     make(map[uint64]*timer),
		byIncident: make(map[string]map[uint64]struct{}),
	}
}

// OnExpire sets the expiry handler. Deadlines that elapse with no handler
// set are dropped.
func (m *Manager) OnExpire(fn Expiry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Arm starts a deadline d from now.
func (m *Manager) Arm(incidentID string, stage schema.Stage, d time.Duration) Handle {
	return m.ArmAt(incidentID, stage, m.now().Add(d))
}

// ArmAt starts a deadline at an absolute time. A deadline already in the
// past fires immediately.
func (m *Manager) ArmAt(incidentID string, stage schema.Stage, deadline time.Time) Handle {
	h := Handle{
		ID:         m.nextID.Add(1),
		IncidentID: incidentID,
		Stage:      stage,
		Deadline:   deadline,
	}
	tm := &timer{handle: h}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		tm.state.Store(timerCancelled)
		return h
	}

	m.timers[h.ID] = tm
	ids, ok := m.byIncident[incidentID]
	if !ok {
		ids = make(map[uint64]struct{})
		m.byIncident[incidentID] = ids
	}
	ids[h.ID] = struct{}{}

	tm.t = time.AfterFunc(deadline.Sub(m.now()), func() { m.expire(tm) })

	m.logger.Debug("deadline armed",
		"incident_id", incidentID,
		"stage", stage,
		"deadline", deadline,
	)
	return h
}

func (m *Manager) expire(tm *timer) {
	if !tm.state.CompareAndSwap(timerArmed, timerFired) {
		return
	}
	m.fired.Add(1)

	m.mu.Lock()
	m.forgetLocked(tm.handle)
	fn := m.onExpire
	m.mu.Unlock()

	m.logger.Info("deadline expired",
		"incident_id", tm.handle.IncidentID,
		"stage", tm.handle.Stage,
		"deadline", tm.handle.Deadline,
	)
	if fn != nil {
		fn(tm.handle)
	}
}

// Cancel stops the deadline. It returns true if the cancel won, false if
// the deadline already fired or was cancelled.
func (m *Manager) Cancel(h Handle) bool {
	m.mu.Lock()
	tm, ok := m.timers[h.ID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.cancel(tm)
}

func (m *Manager) cancel(tm *timer) bool {
	if !tm.state.CompareAndSwap(timerArmed, timerCancelled) {
		return false
	}
	if tm.t != nil {
		tm.t.Stop()
	}
	m.cancelled.Add(1)

	m.mu.Lock()
	m.forgetLocked(tm.handle)
	m.mu.Unlock()
	return true
}

// CancelIncident cancels every deadline armed for incidentID and returns
// how many it cancelled.
func (m *Manager) CancelIncident(incidentID string) int {
	m.mu.Lock()
	var tms []*timer
	for id := range m.byIncident[incidentID] {
		if tm, ok := m.timers[id]; ok {
			tms = append(tms, tm)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, tm := range tms {
		if m.cancel(tm) {
			n++
		}
	}
	return n
}

// Pending returns the armed deadlines of incidentID.
func (m *Manager) Pending(incidentID string) []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Handle
	for id := range m.byIncident[incidentID] {
		if tm, ok := m.timers[id]; ok {
			out = append(out, tm.handle)
		}
	}
	return out
}

// Active returns the number of armed deadlines.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stats returns how many deadlines fired and how many were cancelled.
func (m *Manager) Stats() (fired, cancelled uint64) {
	return m.fired.Load(), m.cancelled.Load()
}

// Stop cancels all deadlines; later Arm calls return inert handles.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	tms := make([]*timer, 0, len(m.timers))
	for _, tm := range m.timers {
		tms = append(tms, tm)
	}
	m.mu.Unlock()

	for _, tm := range tms {
		m.cancel(tm)
	}
}

func (m *Manager) forgetLocked(h Handle) {
	delete(m.timers, h.ID)
	if ids, ok := m.byIncident[h.IncidentID]; ok {
		delete(ids, h.ID)
		if len(ids) == 0 {
			delete(m.byIncident, h.IncidentID)
		}
	}
}
