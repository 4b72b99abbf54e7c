// Package audit provides the tamper-evident incident audit ledger. Each
// incident owns a hash chain of entries; every entry carries the hash of its
// predecessor and an HMAC signature so that modification, deletion or
// insertion is detected on verification.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"sentinelops/internal/schema"
)

// EventKind is the kind of decision an entry records.
type EventKind string

const (
	// Workflow transitions
	EventTransition         EventKind = "state.transition"
	EventTransitionRejected EventKind = "transition.rejected"

	// Collaborator dispatch
	EventDispatch       EventKind = "message.dispatch"
	EventDispatchFailed EventKind = "message.dispatch.failed"
	EventStepFailed     EventKind = "step.failed"

	// Decisions
	EventApprovalDecision EventKind = "approval.decision"
	EventErrorClassified  EventKind = "error.classified"

	// Deadlines and escalation
	EventTimeoutArmed    EventKind = "timeout.armed"
	EventTimeoutStale    EventKind = "timeout.stale"
	EventEscalation      EventKind = "escalation"
	EventNotificationAck EventKind = "notification.acknowledged"
)

// Entry is a single audit ledger record. Entries are append-only.
type Entry struct {
	ID            string               `json:"id"`
	IncidentID    string               `json:"incident_id"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	Sequence      uint64               `json:"sequence"`
	Event         EventKind            `json:"event"`
	Actor         string               `json:"actor"`
	Timestamp     time.Time            `json:"timestamp"`
	FromState     schema.WorkflowState `json:"from_state,omitempty"`
	ToState       schema.WorkflowState `json:"to_state,omitempty"`
	Data          map[string]any       `json:"data,omitempty"`

	// Chain integrity
	PrevHash  string `json:"prev_hash"`
	Hash      string `json:"hash"`
	Signature string `json:"signature,omitempty"`
}

// hashedEntry is the canonical form hashed for an entry. Fields are
// JSON-encoded in declaration order and map keys sorted, so no value can
// shift across a field boundary without changing the encoding.
type hashedEntry struct {
	ID            string               `json:"id"`
	IncidentID    string               `json:"incident_id"`
	CorrelationID string               `json:"correlation_id"`
	Sequence      uint64               `json:"sequence"`
	Event         EventKind            `json:"event"`
	Actor         string               `json:"actor"`
	Timestamp     string               `json:"timestamp"`
	FromState     schema.WorkflowState `json:"from_state"`
	ToState       schema.WorkflowState `json:"to_state"`
	Data          map[string]any       `json:"data"`
	PrevHash      string               `json:"prev_hash"`
}

// computeHash computes the hash of the entry (excluding hash and signature).
// An entry whose data cannot be encoded hashes to the empty string, which
// never verifies.
func (e *Entry) computeHash() string {
	raw, err := json.Marshal(hashedEntry{
		ID:            e.ID,
		IncidentID:    e.IncidentID,
		CorrelationID: e.CorrelationID,
		Sequence:      e.Sequence,
		Event:         e.Event,
		Actor:         e.Actor,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		FromState:     e.FromState,
		ToState:       e.ToState,
		Data:          e.Data,
		PrevHash:      e.PrevHash,
	})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// sign computes the entry hash and, when key is set, its HMAC signature.
func (e *Entry) sign(key []byte) {
	e.Hash = e.computeHash()
	if len(key) == 0 {
		e.Signature = ""
		return
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(e.Hash))
	h.Write([]byte(e.PrevHash))
	e.Signature = hex.EncodeToString(h.Sum(nil))
}

// verify checks the entry hash and, when key is set, the signature.
func (e *Entry) verify(key []byte) bool {
	if hash := e.computeHash(); hash == "" || hash != e.Hash {
		return false
	}
	if len(key) == 0 {
		return true
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(e.Hash))
	h.Write([]byte(e.PrevHash))
	expected := hex.EncodeToString(h.Sum(nil))

	return hmac.Equal([]byte(e.Signature), []byte(expected))
}

// GenesisHash is the prev_hash of the first entry of an incident's chain.
func GenesisHash(incidentID string) string {
	h := sha256.New()
	h.Write([]byte("sentinelops-audit-genesis-v1"))
	h.Write([]byte(incidentID))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeData round-trips data through JSON so the hashed representation
// matches what a backend reads back.
func normalizeData(data map[string]any) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry data: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize entry data: %w", err)
	}
	return out, nil
}
