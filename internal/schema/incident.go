package schema

import (
	"time"
)

// MaxAppliedMessages bounds the per-incident record of applied message IDs.
const MaxAppliedMessages = 256

// Incident is the durable workflow record for one security incident.
type Incident struct {
	ID              string         `json:"incident_id" validate:"required,max=128"`
	Severity        Severity       `json:"severity" validate:"required,severity"`
	Status          WorkflowState  `json:"status" validate:"required"`
	CurrentStage    Stage          `json:"current_stage"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	RetryCount      int            `json:"retry_count"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ConfidenceScore float64        `json:"confidence_score" validate:"min=0,max=1"`
	ProposedActions []Action       `json:"proposed_actions,omitempty" validate:"dive"`
	ApprovedActions []Action       `json:"approved_actions,omitempty" validate:"dive"`
	Metadata        map[string]any `json:"metadata,omitempty"`

	// DeadlineStage and DeadlineAt describe the armed stage deadline, if any.
	DeadlineStage Stage     `json:"deadline_stage,omitempty"`
	DeadlineAt    time.Time `json:"deadline_at,omitempty"`

	// Version increases by one on every committed write.
	Version int64 `json:"version"`

	// Applied remembers recent message IDs and the state they produced.
	Applied []AppliedMessage `json:"applied_messages,omitempty"`
}

// Action is a remediation step proposed by the remediation collaborator.
type Action struct {
	Name       string         `json:"name" validate:"required,max=256"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Decision   string         `json:"decision,omitempty"`
	RuleID     string         `json:"rule_id,omitempty"`
	RiskScore  float64        `json:"risk_score,omitempty"`
}

// AppliedMessage records the state an inbound message left the incident in.
type AppliedMessage struct {
	MessageID string        `json:"message_id"`
	State     WorkflowState `json:"state"`
}

// NewIncident returns an incident in INITIALIZED.
func NewIncident(id string, severity Severity, now time.Time) *Incident {
	return &Incident{
		ID:           id,
		Severity:     severity,
		Status:       StateInitialized,
		CurrentStage: StageOf(StateInitialized),
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     make(map[string]any),
	}
}

// Clone returns a deep copy of the mutable parts of the incident.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.ProposedActions = CloneActions(i.ProposedActions)
	c.ApprovedActions = CloneActions(i.ApprovedActions)
	if i.Metadata != nil {
		c.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	if i.Applied != nil {
		c.Applied = append([]AppliedMessage(nil), i.Applied...)
	}
	return &c
}

// CloneActions returns a deep copy of actions.
func CloneActions(in []Action) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for idx, a := range in {
		out[idx] = a
		if a.Parameters != nil {
			out[idx].Parameters = make(map[string]any, len(a.Parameters))
			for k, v := range a.Parameters {
				out[idx].Parameters[k] = v
			}
		}
	}
	return out
}

// AppliedState returns the state recorded for messageID, if it was applied.
func (i *Incident) AppliedState(messageID string) (WorkflowState, bool) {
	if messageID == "" {
		return "", false
	}
	for _, a := range i.Applied {
		if a.MessageID == messageID {
			return a.State, true
		}
	}
	return "", false
}

// RecordApplied remembers the state messageID left the incident in,
// dropping the oldest entries past MaxAppliedMessages. Recording an already
// known message updates its state.
func (i *Incident) RecordApplied(messageID string, state WorkflowState) {
	if messageID == "" {
		return
	}
	for idx := range i.Applied {
		if i.Applied[idx].MessageID == messageID {
			i.Applied[idx].State = state
			return
		}
	}
	i.Applied = append(i.Applied, AppliedMessage{MessageID: messageID, State: state})
	if n := len(i.Applied); n > MaxAppliedMessages {
		i.Applied = append([]AppliedMessage(nil), i.Applied[n-MaxAppliedMessages:]...)
	}
}

// SetStatus moves the incident to s and updates the derived stage.
func (i *Incident) SetStatus(s WorkflowState, now time.Time) {
	i.Status = s
	if st := StageOf(s); st != StageNone {
		i.CurrentStage = st
	}
	i.UpdatedAt = now
}

// ClearDeadline forgets the armed stage deadline.
func (i *Incident) ClearDeadline() {
	i.DeadlineStage = StageNone
	i.DeadlineAt = time.Time{}
}

// ActionNames returns the names of the given actions in order.
func ActionNames(actions []Action) []string {
	names := make([]string, len(actions))
	for idx, a := range actions {
		names[idx] = a.Name
	}
	return names
}
