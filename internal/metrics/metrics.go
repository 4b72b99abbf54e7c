// Package metrics exposes orchestrator Prometheus collectors and the hook
// adapters that feed them from the router, recovery manager and engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/schema"
	"sentinelops/internal/workflow"
)

const namespace = "sentinelops"

// Send outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "transitions_total",
			Help:      "Committed incident state transitions.",
		},
		[]string{"from", "to", "event"},
	)

	rejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "rejected_events_total",
			Help:      "Events rejected by the workflow engine, by error kind.",
		},
		[]string{"event", "kind"},
	)

	escalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "escalations_total",
			Help:      "Escalations sent for timed out or failed incidents.",
		},
		[]string{"state", "delivered"},
	)

	activeIncidents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "active_incidents",
			Help:      "Incidents not in a terminal state.",
		},
	)

	queuedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workflow",
			Name:      "queued_events",
			Help:      "Events waiting in the incident worker pool.",
		},
	)

	messagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by target, type and outcome.",
		},
		[]string{"target", "type", "outcome"},
	)

	sendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "send_seconds",
			Help:      "Send latency including retries, in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"target"},
	)

	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dead_letters_total",
			Help:      "Messages moved to the dead-letter destination.",
		},
		[]string{"target", "type"},
	)

	receiveRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "received_rejected_total",
			Help:      "Received messages dropped before delivery.",
		},
		[]string{"type", "kind"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "retries_total",
			Help:      "Retried calls per dependency.",
		},
		[]string{"key"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open).",
		},
		[]string{"key"},
	)

	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state changes.",
		},
		[]string{"key", "from", "to"},
	)

	cacheHitRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "cache_hit_ratio",
			Help:      "Fraction of incident reads served from the cache.",
		},
	)
)

// Register attaches the collectors to reg.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		transitionsTotal,
		rejectedTotal,
		escalationsTotal,
		activeIncidents,
		queuedEvents,
		messagesSent,
		sendLatency,
		deadLetters,
		receiveRejected,
		retriesTotal,
		breakerState,
		breakerTransitions,
		cacheHitRate,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// WorkflowHooks returns engine hooks that record transitions, rejections
// and escalations.
func WorkflowHooks() workflow.Hooks {
	return workflow.Hooks{
		Transition: func(from, to schema.WorkflowState, event schema.EventType) {
			transitionsTotal.WithLabelValues(string(from), string(to), string(event)).Inc()
		},
		Rejected: func(event schema.EventType, err error) {
			rejectedTotal.WithLabelValues(string(event), string(recovery.Classify(err))).Inc()
		},
		Escalated: func(_ string, state schema.WorkflowState, delivered bool) {
			escalationsTotal.WithLabelValues(string(state), strconv.FormatBool(delivered)).Inc()
		},
	}
}

// RouterHooks returns router hooks that record sends, dead letters and
// rejected receives.
func RouterHooks() router.Hooks {
	return router.Hooks{
		Sent: func(target string, typ schema.MessageType, latency time.Duration, err error) {
			outcome := OutcomeSuccess
			if err != nil {
				outcome = OutcomeError
			}
			messagesSent.WithLabelValues(target, string(typ), outcome).Inc()
			if latency < 0 {
				latency = 0
			}
			sendLatency.WithLabelValues(target).Observe(latency.Seconds())
		},
		DeadLettered: func(dl router.DeadLetter) {
			deadLetters.WithLabelValues(dl.Message.Target, string(dl.Message.Type)).Inc()
		},
		Rejected: func(msg schema.Message, kind recovery.ErrorKind, _ error) {
			receiveRejected.WithLabelValues(string(msg.Type), string(kind)).Inc()
		},
	}
}

// RecoveryHooks returns recovery manager hooks that record retries and
// breaker state.
func RecoveryHooks() recovery.Hooks {
	return recovery.Hooks{
		Retry: func(key string, _ int, _ time.Duration, _ error) {
			retriesTotal.WithLabelValues(key).Inc()
		},
		StateChange: func(key string, from, to recovery.State) {
			breakerTransitions.WithLabelValues(key, string(from), string(to)).Inc()
			breakerState.WithLabelValues(key).Set(breakerValue(to))
		},
	}
}

// SetActiveIncidents records the number of non-terminal incidents.
func SetActiveIncidents(n int) {
	activeIncidents.Set(float64(n))
}

// SetQueuedEvents records the worker pool backlog.
func SetQueuedEvents(n int) {
	queuedEvents.Set(float64(n))
}

// SetCacheHitRate records the incident cache hit ratio.
func SetCacheHitRate(r float64) {
	cacheHitRate.Set(r)
}

// SetBreaker records the state of a breaker observed outside a transition,
// such as at startup.
func SetBreaker(key string, s recovery.State) {
	breakerState.WithLabelValues(key).Set(breakerValue(s))
}

func breakerValue(s recovery.State) float64 {
	switch s {
	case recovery.StateOpen:
		return 2
	case recovery.StateHalfOpen:
		return 1
	}
	return 0
}
