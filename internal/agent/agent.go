// Package agent binds collaborators (analysis, remediation, communication)
// to the message router. A collaborator receives task messages addressed to
// its name and may answer each with one message for the orchestrator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/schema"
)

// Collaborator handles tasks sent to one target.
type Collaborator interface {
	Name() string
	// Handle processes task. A nil message means no reply; the
	// collaborator may answer later by other means.
	Handle(ctx context.Context, task schema.Message) (*schema.Message, error)
}

// Receiver is the part of router.Router a Host needs.
type Receiver interface {
	Send(ctx context.Context, msg schema.Message) error
	OnReceive(ctx context.Context, target string, handler router.Handler) error
}

// HostStats are cumulative host counters.
type HostStats struct {
	Handled uint64 `json:"handled"`
	Replied uint64 `json:"replied"`
	Failed  uint64 `json:"failed"`
}

// Host subscribes a collaborator to its target and routes its replies back
// to the orchestrator under the task's correlation ID.
type Host struct {
	collab Collaborator
	router Receiver
	logger *slog.Logger

	handled atomic.Uint64
	replied atomic.Uint64
	failed  atomic.Uint64
}

// NewHost creates a host for c.
func NewHost(c Collaborator, r Receiver, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		collab: c,
		router: r,
		logger: logger.With("component", "agent", "collaborator", c.Name()),
	}
}

// Start registers the host with the router.
func (h *Host) Start(ctx context.Context) error {
	if err := h.router.OnReceive(ctx, h.collab.Name(), h.handle); err != nil {
		return fmt.Errorf("failed to subscribe collaborator %s: %w", h.collab.Name(), err)
	}
	h.logger.Info("collaborator started")
	return nil
}

// Stats returns the host counters.
func (h *Host) Stats() HostStats {
	return HostStats{
		Handled: h.handled.Load(),
		Replied: h.replied.Load(),
		Failed:  h.failed.Load(),
	}
}

func (h *Host) handle(ctx context.Context, task schema.Message) error {
	h.handled.Add(1)

	reply, err := h.collab.Handle(ctx, task)
	if err != nil {
		h.failed.Add(1)
		return fmt.Errorf("collaborator %s failed %s: %w", h.collab.Name(), task.Type, err)
	}
	if reply == nil {
		return nil
	}

	msg := h.address(task, *reply)
	if err := h.router.Send(ctx, msg); err != nil {
		h.failed.Add(1)
		return fmt.Errorf("collaborator %s reply %s: %w", h.collab.Name(), msg.Type, err)
	}
	h.replied.Add(1)
	h.logger.Debug("reply sent",
		"incident_id", msg.IncidentID(),
		"correlation_id", msg.CorrelationID,
		"request_id", task.MessageID,
		"type", msg.Type,
	)
	return nil
}

// address fills in the routing fields of a reply from its task.
func (h *Host) address(task, reply schema.Message) schema.Message {
	if reply.MessageID == "" {
		reply = task.Reply(reply.Type, reply.Payload)
	}
	if reply.Priority == 0 {
		reply.Priority = schema.DefaultPriority
	}
	reply.Source = h.collab.Name()
	reply.Target = schema.TargetOrchestrator
	reply.CorrelationID = task.CorrelationID
	if reply.Payload == nil {
		reply.Payload = make(map[string]any)
	}
	if _, ok := reply.Payload["incident_id"]; !ok {
		if id := task.IncidentID(); id != "" {
			reply.Payload["incident_id"] = id
		}
	}
	return reply
}

// ReplyFunc answers one task.
type ReplyFunc func(ctx context.Context, task schema.Message) (*schema.Message, error)

// Respond returns a ReplyFunc answering with typ and a copy of payload.
func Respond(typ schema.MessageType, payload map[string]any) ReplyFunc {
	return func(_ context.Context, task schema.Message) (*schema.Message, error) {
		p := make(map[string]any, len(payload)+1)
		for k, v := range payload {
			p[k] = v
		}
		m := task.Reply(typ, p)
		return &m, nil
	}
}

// Fail returns a ReplyFunc that fails with err.
func Fail(err error) ReplyFunc {
	return func(context.Context, schema.Message) (*schema.Message, error) {
		return nil, err
	}
}

// Ignore answers nothing.
func Ignore(context.Context, schema.Message) (*schema.Message, error) {
	return nil, nil
}

// ErrNoScript is returned by Scripted for a task type it has no entry for.
var ErrNoScript = errors.New("agent: no script for task")

// Scripted is a collaborator driven by a table of replies per task type.
type Scripted struct {
	name    string
	replies map[schema.MessageType]ReplyFunc

	mu    sync.Mutex
	tasks []schema.Message
}

// NewScripted creates a scripted collaborator.
func NewScripted(name string, replies map[schema.MessageType]ReplyFunc) *Scripted {
	if replies == nil {
		replies = make(map[schema.MessageType]ReplyFunc)
	}
	return &Scripted{name: name, replies: replies}
}

// Name implements Collaborator.
func (s *Scripted) Name() string { return s.name }

// Handle implements Collaborator.
func (s *Scripted) Handle(ctx context.Context, task schema.Message) (*schema.Message, error) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	fn, ok := s.replies[task.Type]
	s.mu.Unlock()

	if !ok {
		return nil, recovery.NewError(recovery.KindValidation, s.name,
			fmt.Errorf("%w: %s", ErrNoScript, task.Type))
	}
	return fn(ctx, task)
}

// Set replaces the reply for typ.
func (s *Scripted) Set(typ schema.MessageType, fn ReplyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[typ] = fn
}

// Tasks returns the tasks received so far.
func (s *Scripted) Tasks() []schema.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Message, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// DevCollaborators returns scripted analysis, remediation and communication
// collaborators that walk an incident to closure with read-only actions.
// Used by the local development mode.
func DevCollaborators(confidence float64) []*Scripted {
	analysis := NewScripted(schema.TargetAnalysis, map[schema.MessageType]ReplyFunc{
		schema.MsgAnalyzeIncident: Respond(schema.MsgAnalysisComplete, map[string]any{
			"confidence_score": confidence,
			"summary":          "scripted analysis",
		}),
	})
	remediation := NewScripted(schema.TargetRemediation, map[schema.MessageType]ReplyFunc{
		schema.MsgProposeRemediation: Respond(schema.MsgRemediationProposed, map[string]any{
			"actions": []any{"get_instance_status", "describe_security_groups"},
		}),
		schema.MsgExecuteRemediation: Respond(schema.MsgRemediationComplete, map[string]any{
			"result": "completed",
		}),
	})
	communication := NewScripted(schema.TargetCommunication, map[schema.MessageType]ReplyFunc{
		schema.MsgRequestApproval: Ignore,
		schema.MsgSendNotification: func(ctx context.Context, task schema.Message) (*schema.Message, error) {
			if schema.PayloadString(task.Payload, "kind") != "resolution" {
				return nil, nil
			}
			return Respond(schema.MsgNotificationSent, nil)(ctx, task)
		},
	})
	return []*Scripted{analysis, remediation, communication}
}
