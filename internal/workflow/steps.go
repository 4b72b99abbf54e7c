package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sentinelops/internal/approval"
	"sentinelops/internal/audit"
	"sentinelops/internal/recovery"
	"sentinelops/internal/schema"
)

// Step is one outbound dispatch performed on entering a state. Steps of a
// state run concurrently and converge before the next transition: every
// required step must succeed, optional steps may fail.
type Step struct {
	Name     string
	Target   string
	Type     schema.MessageType
	Payload  map[string]any
	Optional bool
}

// Notification kinds carried in send_notification payloads.
const (
	NotifyIncidentOpened     = "incident_opened"
	NotifyRemediationStarted = "remediation_started"
	NotifyResolution         = "resolution"
	NotifyEscalation         = "escalation"
)

// errRequiredStepSkipped reports a required step whose failure classified
// as skippable. The state produces no event and waits for its deadline or
// an operator.
var errRequiredStepSkipped = errors.New("required step skipped")

// enter runs the side effects of the incident's current state and returns
// the event they produce, or nil when the state waits for an external event
// or an automatic edge. It returns false when the chain must stop without
// an event: the dispatch was interrupted or a required step was skipped.
func (e *Engine) enter(ctx context.Context, inc *schema.Incident) (*schema.Event, bool) {
	var (
		steps     []Step
		onSuccess schema.EventType
	)

	switch inc.Status {
	case schema.StateDetectionReceived:
		steps = []Step{notifyStep(inc, NotifyIncidentOpened, true)}

	case schema.StateAnalysisRequested:
		steps = []Step{{
			Name:    "analyze",
			Target:  schema.TargetAnalysis,
			Type:    schema.MsgAnalyzeIncident,
			Payload: e.basePayload(inc, map[string]any{"context": copyMap(inc.Metadata)}),
		}}
		onSuccess = schema.EventAnalysisDispatched

	case schema.StateRemediationRequested:
		steps = []Step{{
			Name:   "propose_remediation",
			Target: schema.TargetRemediation,
			Type:   schema.MsgProposeRemediation,
			Payload: e.basePayload(inc, map[string]any{
				"confidence_score": inc.ConfidenceScore,
				"analysis_summary": inc.Metadata["analysis_summary"],
			}),
		}}

	case schema.StateApprovalPending:
		steps = []Step{{
			Name:   "request_approval",
			Target: schema.TargetCommunication,
			Type:   schema.MsgRequestApproval,
			Payload: e.basePayload(inc, map[string]any{
				"actions":  actionsPayload(pendingApproval(inc.ProposedActions)),
				"deadline": inc.DeadlineAt.Format(time.RFC3339),
			}),
		}}

	case schema.StateRemediationApproved:
		steps = []Step{
			{
				Name:    "execute_remediation",
				Target:  schema.TargetRemediation,
				Type:    schema.MsgExecuteRemediation,
				Payload: e.basePayload(inc, map[string]any{"actions": actionsPayload(inc.ApprovedActions)}),
			},
			notifyStep(inc, NotifyRemediationStarted, true),
		}
		onSuccess = schema.EventRemediationDispatched

	case schema.StateIncidentResolved:
		steps = []Step{notifyStep(inc, NotifyResolution, false)}

	case schema.StateWorkflowTimeout, schema.StateWorkflowFailed:
		e.escalate(ctx, inc)
		return nil, true

	default:
		return nil, true
	}

	err := e.runSteps(ctx, inc, steps)
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		// The committed state is re-entered by Recover on the next start.
		e.logger.Warn("dispatch interrupted",
			"incident_id", inc.ID,
			"correlation_id", inc.CorrelationID,
			"state", inc.Status,
		)
		return nil, false
	case errors.Is(err, errRequiredStepSkipped):
		return nil, false
	case err != nil:
		return &schema.Event{
			Type:          schema.EventWorkflowError,
			CorrelationID: inc.CorrelationID,
			Actor:         ActorOrchestrator,
			Reason:        err.Error(),
		}, true
	}
	if onSuccess == "" {
		return nil, true
	}
	return &schema.Event{
		Type:          onSuccess,
		CorrelationID: inc.CorrelationID,
		Actor:         ActorOrchestrator,
	}, true
}

// runSteps dispatches steps concurrently. It returns the first failure of a
// required step. Failed optional steps are audited and otherwise ignored.
// A required step whose failure classifies as skippable is audited and
// yields errRequiredStepSkipped once the other steps finish.
func (e *Engine) runSteps(ctx context.Context, inc *schema.Incident, steps []Step) error {
	var skipped atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range steps {
		g.Go(func() error {
			err := e.dispatch(gctx, inc, s)
			if err == nil {
				return nil
			}
			skip := recovery.StrategyFor(recovery.Classify(err)) == recovery.StrategySkip
			if !s.Optional && !skip {
				return err
			}
			e.record(ctx, inc, schema.Event{CorrelationID: inc.CorrelationID}, audit.EventStepFailed, map[string]any{
				"step":     s.Name,
				"optional": s.Optional,
				"skipped":  !s.Optional,
				"error":    err.Error(),
			})
			if !s.Optional {
				skipped.Store(true)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if skipped.Load() {
		return errRequiredStepSkipped
	}
	return nil
}

// dispatch sends one step through the dispatcher, which applies the
// retry policy, and audits the outcome.
func (e *Engine) dispatch(ctx context.Context, inc *schema.Incident, s Step) error {
	msg := schema.NewMessage(schema.TargetOrchestrator, s.Target, s.Type, s.Payload).
		WithCorrelation(inc.CorrelationID).
		WithPriority(priorityFor(inc.Severity))
	if e.cfg.MessageTTL > 0 {
		msg.Metadata.TTL = int(e.cfg.MessageTTL / time.Second)
	}

	err := e.dispatcher.Send(ctx, msg)

	data := map[string]any{
		"step":         s.Name,
		"target":       s.Target,
		"message_type": string(s.Type),
		"message_id":   msg.MessageID,
	}
	ev := schema.Event{CorrelationID: msg.CorrelationID}
	if err == nil {
		e.record(ctx, inc, ev, audit.EventDispatch, data)
		return nil
	}

	kind := recovery.Classify(err)
	data["error"] = err.Error()
	e.record(ctx, inc, ev, audit.EventDispatchFailed, data)
	e.record(ctx, inc, ev, audit.EventErrorClassified, map[string]any{
		"step":     s.Name,
		"kind":     string(kind),
		"strategy": string(recovery.StrategyFor(kind)),
		"outcome":  string(outcomeOf(err)),
	})

	e.logger.Warn("step dispatch failed",
		"incident_id", inc.ID,
		"correlation_id", inc.CorrelationID,
		"message_id", msg.MessageID,
		"step", s.Name,
		"kind", kind,
		"error", err,
	)
	return err
}

// escalate notifies the communication collaborator that the incident needs
// an operator. Failure to escalate never changes the incident state.
func (e *Engine) escalate(ctx context.Context, inc *schema.Incident) {
	e.escalations.Add(1)

	payload := e.basePayload(inc, map[string]any{
		"kind":   NotifyEscalation,
		"reason": inc.ErrorMessage,
		"state":  string(inc.Status),
		"stage":  string(inc.CurrentStage),
	})
	msg := schema.NewMessage(schema.TargetOrchestrator, schema.TargetCommunication, schema.MsgSendNotification, payload).
		WithCorrelation(inc.CorrelationID).
		WithPriority(1)

	err := e.dispatcher.Send(ctx, msg)

	data := map[string]any{
		"reason":     inc.ErrorMessage,
		"message_id": msg.MessageID,
		"delivered":  err == nil,
	}
	if err != nil {
		data["error"] = err.Error()
		e.logger.Error("escalation failed",
			"incident_id", inc.ID,
			"correlation_id", inc.CorrelationID,
			"state", inc.Status,
			"error", err,
		)
	} else {
		e.logger.Warn("incident escalated",
			"incident_id", inc.ID,
			"correlation_id", inc.CorrelationID,
			"state", inc.Status,
			"reason", inc.ErrorMessage,
		)
	}
	e.record(ctx, inc, schema.Event{CorrelationID: inc.CorrelationID}, audit.EventEscalation, data)

	if e.hooks.Escalated != nil {
		e.hooks.Escalated(inc.ID, inc.Status, err == nil)
	}
}

func (e *Engine) basePayload(inc *schema.Incident, extra map[string]any) map[string]any {
	p := map[string]any{
		"incident_id": inc.ID,
		"severity":    string(inc.Severity),
		"status":      string(inc.Status),
		"retry_count": inc.RetryCount,
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func notifyStep(inc *schema.Incident, kind string, optional bool) Step {
	return Step{
		Name:   "notify_" + kind,
		Target: schema.TargetCommunication,
		Type:   schema.MsgSendNotification,
		Payload: map[string]any{
			"incident_id": inc.ID,
			"kind":        kind,
			"severity":    string(inc.Severity),
			"status":      string(inc.Status),
		},
		Optional: optional,
	}
}

func pendingApproval(actions []schema.Action) []schema.Action {
	var out []schema.Action
	for _, a := range actions {
		if a.Decision != string(approval.DecisionAutoApproved) {
			out = append(out, a)
		}
	}
	return out
}

// actionsPayload encodes actions the way they travel on the wire.
func actionsPayload(actions []schema.Action) []any {
	out := make([]any, 0, len(actions))
	for _, a := range actions {
		m := map[string]any{"name": a.Name}
		if len(a.Parameters) > 0 {
			m["parameters"] = copyMap(a.Parameters)
		}
		if a.RiskScore > 0 {
			m["risk_score"] = a.RiskScore
		}
		out = append(out, m)
	}
	return out
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func priorityFor(s schema.Severity) int {
	switch s {
	case schema.SeverityCritical:
		return 1
	case schema.SeverityHigh:
		return 2
	case schema.SeverityLow:
		return 4
	}
	return schema.DefaultPriority
}

func outcomeOf(err error) recovery.Outcome {
	switch {
	case errors.Is(err, recovery.ErrRetriesExhausted):
		return recovery.OutcomeExhausted
	case errors.Is(err, recovery.ErrCircuitOpen):
		return recovery.OutcomeCircuitOpen
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return recovery.OutcomeCancelled
	case recovery.StrategyFor(recovery.Classify(err)) == recovery.StrategySkip:
		return recovery.OutcomeSkipped
	}
	return recovery.OutcomeEscalated
}
