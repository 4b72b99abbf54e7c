// Package workflow drives incidents through the response state graph. The
// Engine is the only component that changes an incident's status: every
// change is validated against the transition table, committed together with
// its audit entry, and followed by the side effects of the new state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"sentinelops/internal/approval"
	"sentinelops/internal/audit"
	"sentinelops/internal/lease"
	"sentinelops/internal/recovery"
	"sentinelops/internal/schema"
	"sentinelops/internal/storage"
	"sentinelops/internal/timeout"
)

var (
	// ErrInvalidTransition is returned for an event that matches no edge
	// from the incident's current state.
	ErrInvalidTransition = errors.New("workflow: invalid transition")
	// ErrTerminal is returned for events sent to a closed, timed out or
	// failed incident.
	ErrTerminal = errors.New("workflow: incident is in a terminal state")
	// ErrQueueFull is returned when the worker pool has no room for an event.
	ErrQueueFull = errors.New("workflow: event queue full")
	// ErrStopped is returned once the engine is shutting down.
	ErrStopped = errors.New("workflow: engine stopped")
)

const (
	// ActorOrchestrator is the audit actor for engine-initiated changes.
	ActorOrchestrator = schema.TargetOrchestrator
	// ActorTimeout is the audit actor for deadline expiries.
	ActorTimeout = "timeout-manager"

	maxAdvanceSteps = 32
)

// Config holds the engine configuration.
type Config struct {
	MaxConcurrentIncidents int            `yaml:"max_concurrent_incidents"`
	QueueDepth             int            `yaml:"queue_depth"`
	ConfidenceThreshold    float64        `yaml:"confidence_threshold"`
	Deadlines              timeout.Config `yaml:"deadlines"`
	MaxConflictRetries     int            `yaml:"max_conflict_retries"`
	MessageTTL             time.Duration  `yaml:"message_ttl"`
	ShutdownWait           time.Duration  `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentIncidents: 16,
		QueueDepth:             1024,
		ConfidenceThreshold:    0.7,
		Deadlines:              timeout.DefaultConfig(),
		MaxConflictRetries:     3,
		ShutdownWait:           30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrentIncidents < 1 {
		return errors.New("max_concurrent_incidents must be at least 1")
	}
	if c.QueueDepth < 1 {
		return errors.New("queue_depth must be at least 1")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return errors.New("confidence_threshold must be within [0, 1]")
	}
	if c.MaxConflictRetries < 0 {
		return errors.New("max_conflict_retries must not be negative")
	}
	if err := c.Deadlines.Validate(); err != nil {
		return fmt.Errorf("deadlines: %w", err)
	}
	return nil
}

// Dispatcher sends outbound messages. router.Router implements it.
type Dispatcher interface {
	Send(ctx context.Context, msg schema.Message) error
}

// Hooks observe the engine.
type Hooks struct {
	Transition func(from, to schema.WorkflowState, event schema.EventType)
	Rejected   func(event schema.EventType, err error)
	Escalated  func(incidentID string, state schema.WorkflowState, delivered bool)
}

// Deps are the collaborators of the engine. Store, Ledger, Dispatcher and
// Approvals are required.
type Deps struct {
	Store      storage.IncidentStore
	Ledger     *audit.Ledger
	Dispatcher Dispatcher
	Approvals  *approval.Engine
	Recovery   *recovery.Manager
	Timeouts   *timeout.Manager
	Locker     lease.Locker
	Logger     *slog.Logger
}

// Stats reports engine counters.
type Stats struct {
	Submitted   uint64 `json:"submitted"`
	Transitions uint64 `json:"transitions"`
	Rejected    uint64 `json:"rejected"`
	Duplicates  uint64 `json:"duplicates"`
	Escalations uint64 `json:"escalations"`
	Queued      int    `json:"queued"`
}

// Engine is the workflow state machine.
type Engine struct {
	cfg        Config
	store      storage.IncidentStore
	ledger     *audit.Ledger
	dispatcher Dispatcher
	approvals  *approval.Engine
	recovery   *recovery.Manager
	timeouts   *timeout.Manager
	locker     lease.Locker
	validator  *schema.Validator
	logger     *slog.Logger
	hooks      Hooks
	now        func() time.Time

	ownsTimeouts bool
	pool         *pool

	submitted   atomic.Uint64
	transitions atomic.Uint64
	rejected    atomic.Uint64
	duplicates  atomic.Uint64
	escalations atomic.Uint64
}

// New creates an Engine. Missing optional deps get in-process defaults.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow config: %w", err)
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("workflow engine requires a store")
	case deps.Ledger == nil:
		return nil, errors.New("workflow engine requires an audit ledger")
	case deps.Dispatcher == nil:
		return nil, errors.New("workflow engine requires a dispatcher")
	case deps.Approvals == nil:
		return nil, errors.New("workflow engine requires an approval engine")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:        cfg,
		store:      deps.Store,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		approvals:  deps.Approvals,
		recovery:   deps.Recovery,
		timeouts:   deps.Timeouts,
		locker:     deps.Locker,
		validator:  schema.NewValidator(),
		logger:     logger.With("component", "workflow"),
		now:        time.Now,
	}
	if e.recovery == nil {
		e.recovery = recovery.NewManager(recovery.DefaultConfig(), logger)
	}
	if e.timeouts == nil {
		e.timeouts = timeout.NewManager(logger)
		e.ownsTimeouts = true
	}
	if e.locker == nil {
		e.locker = lease.NewLocalLocker()
	}
	e.timeouts.OnExpire(e.onDeadline)
	e.pool = newPool(e, cfg, e.logger)

	return e, nil
}

// SetHooks installs observation hooks. Call before submitting events.
func (e *Engine) SetHooks(h Hooks) {
	e.hooks = h
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Submit applies ev to the incident under its lease and returns the state
// the incident is left in after any automatic follow-up transitions.
//
// Replaying an already applied message ID returns the recorded state
// without side effects. An event that matches no edge is audited and
// rejected with ErrInvalidTransition.
func (e *Engine) Submit(ctx context.Context, incidentID string, ev schema.Event) (schema.WorkflowState, error) {
	if incidentID == "" {
		return "", recovery.NewError(recovery.KindValidation, "submit",
			fmt.Errorf("%w: incident id is required", schema.ErrValidation))
	}
	e.submitted.Add(1)

	held, err := e.locker.Acquire(ctx, incidentID)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease for incident %s: %w", incidentID, err)
	}
	defer func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), held); err != nil {
			e.logger.Warn("lease release failed", "incident_id", incidentID, "error", err)
		}
	}()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxConflictRetries; attempt++ {
		state, err := e.submitLocked(ctx, incidentID, ev)
		if !isConflict(err) {
			return state, err
		}
		lastErr = err
		e.logger.Debug("commit conflict, reloading incident",
			"incident_id", incidentID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return "", lastErr
}

func (e *Engine) submitLocked(ctx context.Context, incidentID string, ev schema.Event) (schema.WorkflowState, error) {
	inc, err := e.load(ctx, incidentID)
	persisted := err == nil
	if errors.Is(err, storage.ErrNotFound) && ev.Type == schema.EventType(schema.MsgNewIncident) {
		inc, err = e.newIncident(incidentID, ev)
	}
	if err != nil {
		return "", err
	}

	if st, ok := inc.AppliedState(ev.MessageID); ok {
		e.duplicates.Add(1)
		e.logger.Debug("message already applied",
			"incident_id", incidentID,
			"message_id", ev.MessageID,
			"state", st,
		)
		return st, nil
	}

	from := inc.Status
	switch {
	case ev.Type == schema.EventWorkflowTimeout && !deadlineCurrent(inc, ev):
		e.record(ctx, inc, ev, audit.EventTimeoutStale, map[string]any{
			"stage":    string(ev.Stage),
			"deadline": ev.Deadline.UTC().Format(time.RFC3339Nano),
		})
		return from, nil
	case ev.Type == schema.EventType(schema.MsgNotificationSent) && from != schema.StateIncidentResolved:
		e.record(ctx, inc, ev, audit.EventNotificationAck, nil)
		return from, nil
	}

	edge, ok := Lookup(from, ev.Type, inc, e.cfg)
	if !ok || ev.Type == EventAuto {
		cause := fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev.Type, from)
		if from.IsTerminal() {
			cause = fmt.Errorf("%w: %w", ErrTerminal, cause)
		}
		return e.reject(ctx, inc, ev, persisted, cause)
	}

	next, err := e.apply(ctx, inc, edge, ev, ev)
	if err != nil {
		if errors.Is(err, schema.ErrValidation) {
			return e.reject(ctx, inc, ev, persisted, err)
		}
		return from, err
	}

	next = e.advance(ctx, next, ev, true)
	return next.Status, nil
}

// Get returns the current incident record.
func (e *Engine) Get(ctx context.Context, incidentID string) (*schema.Incident, error) {
	return e.load(ctx, incidentID)
}

// History returns the incident's audit chain.
func (e *Engine) History(ctx context.Context, incidentID string) ([]audit.Entry, error) {
	return e.ledger.List(ctx, incidentID)
}

// Verify recomputes the incident's audit chain.
func (e *Engine) Verify(ctx context.Context, incidentID string) (bool, error) {
	return e.ledger.Verify(ctx, incidentID)
}

// ActiveIncidents counts incidents that are not in a terminal state.
func (e *Engine) ActiveIncidents(ctx context.Context) (int, error) {
	incs, err := e.store.List(ctx, storage.ListFilter{ExcludeTerminal: true, Limit: 10000})
	if err != nil {
		return 0, err
	}
	return len(incs), nil
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:   e.submitted.Load(),
		Transitions: e.transitions.Load(),
		Rejected:    e.rejected.Load(),
		Duplicates:  e.duplicates.Load(),
		Escalations: e.escalations.Load(),
		Queued:      e.pool.queued(),
	}
}

func (e *Engine) load(ctx context.Context, incidentID string) (*schema.Incident, error) {
	var inc *schema.Incident
	_, err := e.recovery.Execute(ctx, recovery.KeyStore, func(ctx context.Context) error {
		var err error
		inc, err = e.store.Get(ctx, incidentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inc, nil
}

func (e *Engine) newIncident(incidentID string, ev schema.Event) (*schema.Incident, error) {
	sev := schema.Severity(schema.PayloadString(ev.Payload, "severity"))
	if !sev.Valid() {
		return nil, recovery.NewError(recovery.KindValidation, "new_incident",
			fmt.Errorf("%w: unknown severity %q", schema.ErrValidation, sev))
	}

	inc := schema.NewIncident(incidentID, sev, e.now().UTC())
	inc.CorrelationID = ev.CorrelationID
	if inc.CorrelationID == "" {
		inc.CorrelationID = incidentID
	}
	for k, v := range ev.Payload {
		if k == "incident_id" || k == "severity" {
			continue
		}
		inc.Metadata[k] = v
	}

	if err := e.validator.ValidateIncident(inc); err != nil {
		return nil, recovery.NewError(recovery.KindValidation, "new_incident", err)
	}
	return inc, nil
}

func (e *Engine) reject(ctx context.Context, inc *schema.Incident, ev schema.Event, persisted bool, cause error) (schema.WorkflowState, error) {
	e.rejected.Add(1)
	err := error(recovery.NewError(recovery.KindValidation, "submit", cause))

	e.logger.Warn("transition rejected",
		"incident_id", inc.ID,
		"correlation_id", correlationOf(ev, inc),
		"message_id", ev.MessageID,
		"event", ev.Type,
		"state", inc.Status,
		"error", cause,
	)
	if persisted {
		e.record(ctx, inc, ev, audit.EventTransitionRejected, map[string]any{
			"kind":  string(recovery.KindValidation),
			"error": cause.Error(),
		})
	}
	if e.hooks.Rejected != nil {
		e.hooks.Rejected(ev.Type, err)
	}
	return inc.Status, err
}

// apply commits the transition along edge and runs its post-commit effects.
// cur is not modified.
func (e *Engine) apply(ctx context.Context, cur *schema.Incident, edge Edge, ev, root schema.Event) (*schema.Incident, error) {
	next := cur.Clone()
	if err := e.applyPayload(next, ev); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	next.SetStatus(edge.To, now)
	next.RecordApplied(root.MessageID, edge.To)

	armed := false
	switch pol := deadlines[edge.To]; {
	case pol.arm != schema.StageNone:
		next.DeadlineStage = pol.arm
		next.DeadlineAt = now.Add(e.cfg.Deadlines.For(pol.arm))
		armed = true
	case !pol.keep:
		next.ClearDeadline()
	}

	data := map[string]any{
		"event":       string(ev.Type),
		"retry_count": next.RetryCount,
	}
	if ev.MessageID != "" {
		data["message_id"] = ev.MessageID
	}
	if root.MessageID != "" && root.MessageID != ev.MessageID {
		data["cause_message_id"] = root.MessageID
	}
	if edge.Guard != nil {
		data["guard"] = edge.Guard.Name
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}
	if next.DeadlineStage != schema.StageNone {
		data["deadline_stage"] = string(next.DeadlineStage)
		data["deadline_at"] = next.DeadlineAt.Format(time.RFC3339Nano)
	}
	if ev.Type == schema.EventType(schema.MsgAnalysisComplete) {
		data["confidence_score"] = next.ConfidenceScore
	}

	entry := audit.Entry{
		IncidentID:    next.ID,
		CorrelationID: correlationOf(ev, next),
		Event:         audit.EventTransition,
		Actor:         actorOf(ev),
		FromState:     edge.From,
		ToState:       edge.To,
		Data:          data,
	}

	var sealed audit.Entry
	_, err := e.recovery.Execute(ctx, recovery.KeyStore, func(ctx context.Context) error {
		sealed = entry
		if err := e.ledger.Seal(ctx, &sealed); err != nil {
			return err
		}
		return e.store.Commit(ctx, next, &sealed)
	})
	if err != nil {
		return nil, err
	}
	e.ledger.Published(ctx, sealed)
	e.transitions.Add(1)

	e.logger.Info("incident transition",
		"incident_id", next.ID,
		"correlation_id", entry.CorrelationID,
		"message_id", ev.MessageID,
		"event", ev.Type,
		"from", edge.From,
		"to", edge.To,
		"version", next.Version,
	)
	if e.hooks.Transition != nil {
		e.hooks.Transition(edge.From, edge.To, ev.Type)
	}

	if armed || next.DeadlineStage == schema.StageNone {
		e.timeouts.CancelIncident(next.ID)
	}
	if armed {
		e.timeouts.ArmAt(next.ID, next.DeadlineStage, next.DeadlineAt)
	}
	if ev.Type == schema.EventType(schema.MsgRemediationProposed) {
		e.recordDecisions(ctx, next, ev)
	}

	return next, nil
}

// applyPayload copies the event's payload into the incident.
func (e *Engine) applyPayload(inc *schema.Incident, ev schema.Event) error {
	p := ev.Payload
	switch ev.Type {
	case schema.EventType(schema.MsgAnalysisComplete):
		conf, ok := schema.PayloadFloat(p, "confidence_score")
		if !ok || conf < 0 || conf > 1 {
			return recovery.NewError(recovery.KindValidation, "analysis_complete",
				fmt.Errorf("%w: confidence_score must be a number within [0, 1]", schema.ErrValidation))
		}
		inc.ConfidenceScore = conf
		if summary := schema.PayloadString(p, "summary"); summary != "" {
			inc.Metadata["analysis_summary"] = summary
		}

	case schema.EventType(schema.MsgRemediationProposed):
		actions := schema.PayloadActions(p, "actions")
		if len(actions) == 0 {
			return recovery.NewError(recovery.KindValidation, "remediation_proposed",
				fmt.Errorf("%w: no actions proposed", schema.ErrValidation))
		}
		decided, all := e.approvals.EvaluateAll(inc, actions)
		inc.ProposedActions = decided
		inc.ApprovedActions = nil
		if all {
			inc.ApprovedActions = schema.CloneActions(decided)
		}

	case schema.EventType(schema.MsgActionsApproved):
		approved, err := selectApproved(inc.ProposedActions, schema.PayloadActions(p, "actions"))
		if err != nil {
			return recovery.NewError(recovery.KindValidation, "actions_approved", err)
		}
		inc.ApprovedActions = approved
		if approver := schema.PayloadString(p, "approver"); approver != "" {
			inc.Metadata["approved_by"] = approver
		}

	case schema.EventType(schema.MsgRemediationComplete):
		if result, ok := p["result"]; ok {
			inc.Metadata["remediation_result"] = result
		}

	case schema.EventWorkflowTimeout:
		inc.ErrorMessage = fmt.Sprintf("%s stage deadline exceeded", ev.Stage)

	case schema.EventWorkflowError:
		inc.ErrorMessage = ev.Reason

	case schema.EventOperatorReset:
		inc.ErrorMessage = ""
		inc.RetryCount++
		inc.ConfidenceScore = 0
		inc.ProposedActions = nil
		inc.ApprovedActions = nil
	}
	return nil
}

const decisionOperatorApproved = "operator_approved"

// selectApproved returns the proposed actions named in approved, or all of
// them when approved is empty.
func selectApproved(proposed, approved []schema.Action) ([]schema.Action, error) {
	if len(approved) == 0 {
		out := schema.CloneActions(proposed)
		for i := range out {
			if out[i].Decision != string(approval.DecisionAutoApproved) {
				out[i].Decision = decisionOperatorApproved
			}
		}
		return out, nil
	}

	byName := make(map[string]schema.Action, len(proposed))
	for _, a := range proposed {
		byName[a.Name] = a
	}
	out := make([]schema.Action, 0, len(approved))
	for _, a := range approved {
		p, ok := byName[a.Name]
		if !ok {
			return nil, fmt.Errorf("%w: action %q was not proposed", schema.ErrValidation, a.Name)
		}
		if p.Decision != string(approval.DecisionAutoApproved) {
			p.Decision = decisionOperatorApproved
		}
		out = append(out, p)
	}
	return schema.CloneActions(out), nil
}

func (e *Engine) recordDecisions(ctx context.Context, inc *schema.Incident, ev schema.Event) {
	for _, a := range inc.ProposedActions {
		e.record(ctx, inc, ev, audit.EventApprovalDecision, map[string]any{
			"action":          a.Name,
			"decision":        a.Decision,
			"matched_rule_id": a.RuleID,
			"risk_score":      a.RiskScore,
		})
	}
}

// advance runs the side effects of the incident's state and follows
// automatic edges until none applies. Failures stop the chain; the committed
// state stays valid and Recover resumes it.
func (e *Engine) advance(ctx context.Context, inc *schema.Incident, root schema.Event, enter bool) *schema.Incident {
	for i := 0; i < maxAdvanceSteps; i++ {
		var ev *schema.Event
		if enter {
			var ok bool
			if ev, ok = e.enter(ctx, inc); !ok {
				return inc
			}
		}
		if ev == nil {
			ev = &schema.Event{
				Type:          EventAuto,
				CorrelationID: inc.CorrelationID,
				Actor:         ActorOrchestrator,
			}
		}

		edge, ok := Lookup(inc.Status, ev.Type, inc, e.cfg)
		if !ok {
			return inc
		}
		next, err := e.apply(ctx, inc, edge, *ev, root)
		if err != nil {
			e.logger.Error("automatic transition failed",
				"incident_id", inc.ID,
				"event", ev.Type,
				"state", inc.Status,
				"error", err,
			)
			return inc
		}
		inc = next
		enter = true
	}
	e.logger.Error("automatic transitions did not settle", "incident_id", inc.ID, "state", inc.Status)
	return inc
}

// Reset moves a timed out or failed incident back to DETECTION_RECEIVED.
func (e *Engine) Reset(ctx context.Context, incidentID, actor, reason string) (schema.WorkflowState, error) {
	if actor == "" {
		actor = "operator"
	}
	return e.Submit(ctx, incidentID, schema.Event{
		Type:   schema.EventOperatorReset,
		Actor:  actor,
		Reason: reason,
	})
}

// Recover resumes non-terminal incidents after a restart: it re-arms their
// stage deadlines and re-issues the outbound request of dispatch states.
// It returns the number of incidents resumed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	incs, err := e.store.List(ctx, storage.ListFilter{ExcludeTerminal: true, Limit: 10000})
	if err != nil {
		return 0, fmt.Errorf("failed to list incidents for recovery: %w", err)
	}

	n := 0
	for _, inc := range incs {
		if err := e.resume(ctx, inc.ID); err != nil {
			e.logger.Error("incident recovery failed", "incident_id", inc.ID, "error", err)
			continue
		}
		n++
	}
	e.logger.Info("workflow recovery complete", "incidents", len(incs), "resumed", n)
	return n, nil
}

func (e *Engine) resume(ctx context.Context, incidentID string) error {
	held, err := e.locker.Acquire(ctx, incidentID)
	if err != nil {
		return err
	}
	defer e.locker.Release(context.WithoutCancel(ctx), held)

	inc, err := e.load(ctx, incidentID)
	if err != nil {
		return err
	}
	if inc.Status.IsTerminal() {
		return nil
	}

	if inc.DeadlineStage != schema.StageNone {
		at := inc.DeadlineAt
		if at.IsZero() {
			at = inc.UpdatedAt.Add(e.cfg.Deadlines.For(inc.DeadlineStage))
		}
		e.timeouts.CancelIncident(inc.ID)
		e.timeouts.ArmAt(inc.ID, inc.DeadlineStage, at)
		e.record(ctx, inc, schema.Event{Actor: ActorOrchestrator}, audit.EventTimeoutArmed, map[string]any{
			"stage":     string(inc.DeadlineStage),
			"deadline":  at.UTC().Format(time.RFC3339Nano),
			"recovered": true,
		})
	}

	redispatch := inc.Status == schema.StateAnalysisRequested || inc.Status == schema.StateRemediationApproved
	e.advance(ctx, inc, schema.Event{}, redispatch)
	return nil
}

// onDeadline turns an expired deadline into a workflow_timeout event.
func (e *Engine) onDeadline(h timeout.Handle) {
	ev := schema.Event{
		Type:      schema.EventWorkflowTimeout,
		MessageID: fmt.Sprintf("timeout:%s:%d", h.Stage, h.Deadline.UnixNano()),
		Actor:     ActorTimeout,
		Stage:     h.Stage,
		Deadline:  h.Deadline,
		Reason:    fmt.Sprintf("%s deadline exceeded", h.Stage),
	}
	err := e.pool.enqueueDeadline(h.IncidentID, ev)
	switch {
	case errors.Is(err, ErrStopped):
		// The stored deadline is re-armed by Recover on the next start.
		e.logger.Warn("deadline expired after stop",
			"incident_id", h.IncidentID,
			"stage", h.Stage,
		)
	case err != nil:
		e.logger.Error("failed to queue deadline expiry",
			"incident_id", h.IncidentID,
			"stage", h.Stage,
			"error", err,
		)
	}
}

// deadlineCurrent reports whether a timeout event refers to the deadline
// the incident is still waiting on.
func deadlineCurrent(inc *schema.Incident, ev schema.Event) bool {
	if inc.Status.IsTerminal() || ev.Stage == schema.StageNone {
		return false
	}
	if inc.DeadlineStage != ev.Stage || inc.CurrentStage != ev.Stage {
		return false
	}
	return ev.Deadline.IsZero() || inc.DeadlineAt.Equal(ev.Deadline)
}

// record appends a non-transition audit entry. Failures are logged only.
func (e *Engine) record(ctx context.Context, inc *schema.Incident, ev schema.Event, kind audit.EventKind, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	if ev.Type != "" {
		data["event"] = string(ev.Type)
	}
	if ev.MessageID != "" {
		data["message_id"] = ev.MessageID
	}
	_, err := e.ledger.Append(ctx, audit.Entry{
		IncidentID:    inc.ID,
		CorrelationID: correlationOf(ev, inc),
		Event:         kind,
		Actor:         actorOf(ev),
		FromState:     inc.Status,
		ToState:       inc.Status,
		Data:          data,
	})
	if err != nil {
		e.logger.Error("failed to append audit entry",
			"incident_id", inc.ID,
			"audit_event", kind,
			"error", err,
		)
	}
}

func isConflict(err error) bool {
	return errors.Is(err, storage.ErrVersionConflict) || errors.Is(err, audit.ErrChainConflict)
}

func correlationOf(ev schema.Event, inc *schema.Incident) string {
	if ev.CorrelationID != "" {
		return ev.CorrelationID
	}
	return inc.CorrelationID
}

func actorOf(ev schema.Event) string {
	if ev.Actor != "" {
		return ev.Actor
	}
	return ActorOrchestrator
}
