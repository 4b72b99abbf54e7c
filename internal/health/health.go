// Package health reports orchestrator status and serves the operator HTTP
// surface.
package health

import (
	"context"
	"time"

	"sentinelops/internal/metrics"
	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/workflow"
)

// Status is the overall health verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DegradedErrorRate is the send error rate above which the orchestrator
// reports itself degraded.
const DegradedErrorRate = 0.2

// Performance holds derived performance figures.
type Performance struct {
	CacheHitRate      float64 `json:"cache_hit_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// Snapshot is the body of GET /status.
type Snapshot struct {
	Status          Status                    `json:"status"`
	ActiveIncidents int                       `json:"active_incidents"`
	QueuedEvents    int                       `json:"queued_events"`
	ErrorRate       float64                   `json:"error_rate"`
	CircuitBreakers map[string]recovery.State `json:"circuit_breakers"`
	Performance     Performance               `json:"performance"`
	Timestamp       time.Time                 `json:"timestamp"`
}

// EngineStats is the part of the workflow engine the monitor reads.
type EngineStats interface {
	ActiveIncidents(ctx context.Context) (int, error)
	Stats() workflow.Stats
}

// RouterStats reports router counters.
type RouterStats interface {
	Stats() router.Stats
}

// Breakers reports circuit breaker states.
type Breakers interface {
	Snapshot() []recovery.BreakerSnapshot
}

// HitRater reports a cache hit rate.
type HitRater interface {
	HitRate() float64
}

// Monitor derives the status snapshot from live components.
type Monitor struct {
	engine   EngineStats
	router   RouterStats
	breakers Breakers
	cache    HitRater
	now      func() time.Time
}

// NewMonitor creates a monitor. cache may be nil.
func NewMonitor(engine EngineStats, r RouterStats, breakers Breakers, cache HitRater) *Monitor {
	return &Monitor{
		engine:   engine,
		router:   r,
		breakers: breakers,
		cache:    cache,
		now:      time.Now,
	}
}

// Snapshot computes the current status and refreshes the matching gauges.
func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	active, err := m.engine.ActiveIncidents(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	rs := m.router.Stats()
	snap := Snapshot{
		ActiveIncidents: active,
		QueuedEvents:    m.engine.Stats().Queued,
		ErrorRate:       rs.ErrorRate(),
		CircuitBreakers: make(map[string]recovery.State),
		Performance: Performance{
			AvgResponseTimeMs: float64(rs.AvgLatency) / float64(time.Millisecond),
		},
		Timestamp: m.now().UTC(),
	}
	if m.cache != nil {
		snap.Performance.CacheHitRate = m.cache.HitRate()
	}

	breakers := m.breakers.Snapshot()
	for _, b := range breakers {
		snap.CircuitBreakers[b.Name] = b.State
	}
	snap.Status = Evaluate(breakers, snap.ErrorRate)

	metrics.SetActiveIncidents(snap.ActiveIncidents)
	metrics.SetQueuedEvents(snap.QueuedEvents)
	metrics.SetCacheHitRate(snap.Performance.CacheHitRate)

	return snap, nil
}

// Evaluate applies the health rules: unhealthy when every breaker is open,
// degraded when any breaker is not closed or the error rate exceeds
// DegradedErrorRate, healthy otherwise.
func Evaluate(breakers []recovery.BreakerSnapshot, errorRate float64) Status {
	open, notClosed := 0, 0
	for _, b := range breakers {
		if b.State == recovery.StateOpen {
			open++
		}
		if b.State != recovery.StateClosed {
			notClosed++
		}
	}
	switch {
	case len(breakers) > 0 && open == len(breakers):
		return StatusUnhealthy
	case notClosed > 0, errorRate > DegradedErrorRate:
		return StatusDegraded
	}
	return StatusHealthy
}
