package schema

import "time"

// EventType identifies what drives a transition. Inbound message types are
// event types too; the rest are produced by the engine or by operators.
type EventType string

// Internal and operator events.
const (
	EventAnalysisDispatched    EventType = "analysis_dispatched"
	EventRemediationDispatched EventType = "remediation_dispatched"
	EventWorkflowTimeout       EventType = "workflow_timeout"
	EventWorkflowError         EventType = "workflow_error"
	EventOperatorReset         EventType = "operator_reset"
	EventOperatorEscalate      EventType = "operator_escalate"
	EventOperatorResolve       EventType = "operator_resolve"
)

// OperatorEvent reports whether t may be submitted by an operator.
func (t EventType) OperatorEvent() bool {
	switch t {
	case EventOperatorReset, EventOperatorEscalate, EventOperatorResolve:
		return true
	}
	return false
}

// Event is one input to the workflow engine.
type Event struct {
	Type          EventType      `json:"type"`
	MessageID     string         `json:"message_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	Stage         Stage          `json:"stage,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Deadline      time.Time      `json:"deadline,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// EventFromMessage converts an inbound message to an engine event.
func EventFromMessage(m Message) Event {
	return Event{
		Type:          EventType(m.Type),
		MessageID:     m.MessageID,
		CorrelationID: m.CorrelationID,
		Actor:         m.Source,
		Payload:       m.Payload,
	}
}
