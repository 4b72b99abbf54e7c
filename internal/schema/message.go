package schema

import (
	"time"

	"github.com/google/uuid"
)

// MessageType names the purpose of a message exchanged with a collaborator.
type MessageType string

// Inbound message types handled by the orchestrator.
const (
	MsgNewIncident         MessageType = "new_incident"
	MsgAnalysisComplete    MessageType = "analysis_complete"
	MsgRemediationProposed MessageType = "remediation_proposed"
	MsgActionsApproved     MessageType = "actions_approved"
	MsgRemediationComplete MessageType = "remediation_complete"
	MsgNotificationSent    MessageType = "notification_sent"
)

// Outbound message types produced by the orchestrator.
const (
	MsgAnalyzeIncident    MessageType = "analyze_incident"
	MsgProposeRemediation MessageType = "propose_remediation"
	MsgExecuteRemediation MessageType = "execute_remediation"
	MsgRequestApproval    MessageType = "request_approval"
	MsgSendNotification   MessageType = "send_notification"
)

// Collaborator addresses.
const (
	TargetOrchestrator  = "orchestrator"
	TargetDetection     = "detection"
	TargetAnalysis      = "analysis"
	TargetRemediation   = "remediation"
	TargetCommunication = "communication"
)

// DefaultPriority is used when a message does not carry one.
const DefaultPriority = 3

// Inbound reports whether t is a type the orchestrator accepts.
func (t MessageType) Inbound() bool {
	switch t {
	case MsgNewIncident, MsgAnalysisComplete, MsgRemediationProposed,
		MsgActionsApproved, MsgRemediationComplete, MsgNotificationSent:
		return true
	}
	return false
}

// Outbound reports whether t is a type the orchestrator produces.
func (t MessageType) Outbound() bool {
	switch t {
	case MsgAnalyzeIncident, MsgProposeRemediation, MsgExecuteRemediation,
		MsgRequestApproval, MsgSendNotification:
		return true
	}
	return false
}

// Message is the envelope exchanged at the transport boundary.
// A message is immutable once created.
type Message struct {
	MessageID     string          `json:"message_id" validate:"required,max=128"`
	CorrelationID string          `json:"correlation_id" validate:"required,max=128"`
	Source        string          `json:"source" validate:"required,max=64"`
	Target        string          `json:"target" validate:"required,max=64"`
	Type          MessageType     `json:"message_type" validate:"required,message_type"`
	Priority      int             `json:"priority" validate:"min=1,max=5"`
	Payload       map[string]any  `json:"payload"`
	Metadata      MessageMetadata `json:"metadata"`
}

// MessageMetadata carries delivery bookkeeping.
type MessageMetadata struct {
	Timestamp  time.Time `json:"timestamp"`
	TTL        int       `json:"ttl" validate:"min=0"`
	RetryCount int       `json:"retry_count" validate:"min=0"`
}

// NewMessage builds a message with fresh identifiers. A new correlation ID
// starts a causal chain; use Reply or WithCorrelation to continue one.
func NewMessage(source, target string, typ MessageType, payload map[string]any) Message {
	id := uuid.NewString()
	return Message{
		MessageID:     id,
		CorrelationID: id,
		Source:        source,
		Target:        target,
		Type:          typ,
		Priority:      DefaultPriority,
		Payload:       payload,
		Metadata: MessageMetadata{
			Timestamp: time.Now().UTC(),
		},
	}
}

// WithCorrelation returns a copy of m carrying correlationID.
func (m Message) WithCorrelation(correlationID string) Message {
	if correlationID != "" {
		m.CorrelationID = correlationID
	}
	return m
}

// WithPriority returns a copy of m with priority p.
func (m Message) WithPriority(p int) Message {
	m.Priority = p
	return m
}

// Reply builds a response to m: source and target are swapped and the
// correlation ID is preserved.
func (m Message) Reply(typ MessageType, payload map[string]any) Message {
	r := NewMessage(m.Target, m.Source, typ, payload)
	r.CorrelationID = m.CorrelationID
	r.Priority = m.Priority
	return r
}

// Expired reports whether the message outlived its TTL at now.
func (m Message) Expired(now time.Time) bool {
	if m.Metadata.TTL <= 0 || m.Metadata.Timestamp.IsZero() {
		return false
	}
	return now.After(m.Metadata.Timestamp.Add(time.Duration(m.Metadata.TTL) * time.Second))
}

// IncidentID returns payload.incident_id, or "" if absent.
func (m Message) IncidentID() string {
	return PayloadString(m.Payload, "incident_id")
}

// PayloadString reads a string field from a payload map.
func PayloadString(p map[string]any, key string) string {
	if p == nil {
		return ""
	}
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// PayloadFloat reads a numeric field from a payload map.
func PayloadFloat(p map[string]any, key string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// PayloadActions decodes payload[key] into actions. Entries may be plain
// action names or objects with a "name" field.
func PayloadActions(p map[string]any, key string) []Action {
	if p == nil {
		return nil
	}
	var out []Action
	switch v := p[key].(type) {
	case []Action:
		return CloneActions(v)
	case []string:
		for _, name := range v {
			out = append(out, Action{Name: name})
		}
	case []any:
		for _, item := range v {
			switch a := item.(type) {
			case string:
				out = append(out, Action{Name: a})
			case map[string]any:
				act := Action{Name: PayloadString(a, "name")}
				if params, ok := a["parameters"].(map[string]any); ok {
					act.Parameters = params
				}
				if act.Name != "" {
					out = append(out, act)
				}
			case Action:
				out = append(out, a)
			}
		}
	}
	return out
}
