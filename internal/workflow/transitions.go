package workflow

import (
	"sentinelops/internal/approval"
	"sentinelops/internal/schema"
)

// EventAuto marks an edge taken without an external event once its guard holds.
const EventAuto schema.EventType = "auto"

// Guard decides whether an edge applies to the incident.
type Guard struct {
	Name  string
	Check func(inc *schema.Incident, cfg Config) bool
}

// Edge is one allowed transition.
type Edge struct {
	From  schema.WorkflowState
	Event schema.EventType
	Guard *Guard
	To    schema.WorkflowState
}

var (
	guardConfident = &Guard{
		Name: "confidence_score >= threshold",
		Check: func(inc *schema.Incident, cfg Config) bool {
			return inc.ConfidenceScore >= cfg.ConfidenceThreshold
		},
	}
	guardAllAutoApproved = &Guard{
		Name: "all actions auto-approved",
		Check: func(inc *schema.Incident, _ Config) bool {
			return allAutoApproved(inc.ProposedActions)
		},
	}
	guardNeedsApproval = &Guard{
		Name: "manual approval required",
		Check: func(inc *schema.Incident, _ Config) bool {
			return !allAutoApproved(inc.ProposedActions)
		},
	}
)

func allAutoApproved(actions []schema.Action) bool {
	if len(actions) == 0 {
		return false
	}
	for _, a := range actions {
		if a.Decision != string(approval.DecisionAutoApproved) {
			return false
		}
	}
	return true
}

// edges lists the fixed transitions. Timeout, error and reset edges apply
// to whole groups of states and are resolved in Lookup.
var edges = []Edge{
	{schema.StateInitialized, schema.EventType(schema.MsgNewIncident), nil, schema.StateDetectionReceived},
	{schema.StateDetectionReceived, EventAuto, nil, schema.StateAnalysisRequested},
	{schema.StateAnalysisRequested, schema.EventAnalysisDispatched, nil, schema.StateAnalysisInProgress},
	{schema.StateAnalysisInProgress, schema.EventType(schema.MsgAnalysisComplete), nil, schema.StateAnalysisComplete},
	{schema.StateAnalysisComplete, EventAuto, guardConfident, schema.StateRemediationRequested},
	{schema.StateAnalysisComplete, schema.EventOperatorEscalate, nil, schema.StateRemediationRequested},
	{schema.StateAnalysisComplete, schema.EventOperatorResolve, nil, schema.StateIncidentResolved},
	{schema.StateRemediationRequested, schema.EventType(schema.MsgRemediationProposed), nil, schema.StateRemediationProposed},
	{schema.StateRemediationProposed, EventAuto, guardAllAutoApproved, schema.StateRemediationApproved},
	{schema.StateRemediationProposed, EventAuto, guardNeedsApproval, schema.StateApprovalPending},
	{schema.StateApprovalPending, schema.EventType(schema.MsgActionsApproved), nil, schema.StateRemediationApproved},
	{schema.StateRemediationApproved, schema.EventRemediationDispatched, nil, schema.StateRemediationInProgress},
	{schema.StateRemediationInProgress, schema.EventType(schema.MsgRemediationComplete), nil, schema.StateRemediationComplete},
	{schema.StateRemediationComplete, EventAuto, nil, schema.StateIncidentResolved},
	{schema.StateIncidentResolved, schema.EventType(schema.MsgNotificationSent), nil, schema.StateIncidentClosed},
}

// Lookup returns the edge taken from state on event for inc, if any.
func Lookup(state schema.WorkflowState, event schema.EventType, inc *schema.Incident, cfg Config) (Edge, bool) {
	switch event {
	case schema.EventWorkflowTimeout:
		if state.IsTerminal() {
			return Edge{}, false
		}
		return Edge{From: state, Event: event, To: schema.StateWorkflowTimeout}, true
	case schema.EventWorkflowError:
		if state.IsTerminal() {
			return Edge{}, false
		}
		return Edge{From: state, Event: event, To: schema.StateWorkflowFailed}, true
	case schema.EventOperatorReset:
		if !state.IsFailure() {
			return Edge{}, false
		}
		return Edge{From: state, Event: event, To: schema.StateDetectionReceived}, true
	}

	for _, e := range edges {
		if e.From != state || e.Event != event {
			continue
		}
		if e.Guard != nil && (inc == nil || !e.Guard.Check(inc, cfg)) {
			continue
		}
		return e, true
	}
	return Edge{}, false
}

// Allowed reports whether from -> to is an edge of the graph, ignoring
// guards.
func Allowed(from, to schema.WorkflowState) bool {
	switch to {
	case schema.StateWorkflowTimeout, schema.StateWorkflowFailed:
		return !from.IsTerminal()
	}
	if to == schema.StateDetectionReceived && from.IsFailure() {
		return true
	}
	for _, e := range edges {
		if e.From == from && e.To == to {
			return true
		}
	}
	return false
}

// deadlinePolicy says what entering a state does to the stage deadline.
type deadlinePolicy struct {
	arm  schema.Stage
	keep bool
}

var deadlines = map[schema.WorkflowState]deadlinePolicy{
	schema.StateAnalysisRequested:     {arm: schema.StageAnalysis},
	schema.StateAnalysisInProgress:    {keep: true},
	schema.StateRemediationRequested:  {arm: schema.StageRemediation},
	schema.StateApprovalPending:       {arm: schema.StageApproval},
	schema.StateRemediationApproved:   {arm: schema.StageRemediation},
	schema.StateRemediationInProgress: {keep: true},
}
