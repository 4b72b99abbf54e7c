package workflow

import (
	"testing"
	"time"

	"sentinelops/internal/approval"
	"sentinelops/internal/schema"
)

func TestLookup(t *testing.T) {
	cfg := DefaultConfig()

	confident := schema.NewIncident("inc-1", schema.SeverityLow, time.Now())
	confident.ConfidenceScore = 0.9
	doubtful := schema.NewIncident("inc-1", schema.SeverityLow, time.Now())
	doubtful.ConfidenceScore = 0.5

	auto := schema.NewIncident("inc-1", schema.SeverityLow, time.Now())
	auto.ProposedActions = []schema.Action{{Name: "get_x", Decision: string(approval.DecisionAutoApproved)}}
	manual := schema.NewIncident("inc-1", schema.SeverityLow, time.Now())
	manual.ProposedActions = []schema.Action{
		{Name: "get_x", Decision: string(approval.DecisionAutoApproved)},
		{Name: "isolate", Decision: string(approval.DecisionManualRequired)},
	}

	tests := []struct {
		name   string
		state  schema.WorkflowState
		event  schema.EventType
		inc    *schema.Incident
		want   schema.WorkflowState
		wantOK bool
	}{
		{"new incident", schema.StateInitialized, schema.EventType(schema.MsgNewIncident), nil, schema.StateDetectionReceived, true},
		{"detection auto", schema.StateDetectionReceived, EventAuto, nil, schema.StateAnalysisRequested, true},
		{"analysis dispatched", schema.StateAnalysisRequested, schema.EventAnalysisDispatched, nil, schema.StateAnalysisInProgress, true},
		{"confident analysis", schema.StateAnalysisComplete, EventAuto, confident, schema.StateRemediationRequested, true},
		{"doubtful analysis waits", schema.StateAnalysisComplete, EventAuto, doubtful, "", false},
		{"operator escalate", schema.StateAnalysisComplete, schema.EventOperatorEscalate, doubtful, schema.StateRemediationRequested, true},
		{"operator resolve", schema.StateAnalysisComplete, schema.EventOperatorResolve, doubtful, schema.StateIncidentResolved, true},
		{"all auto-approved", schema.StateRemediationProposed, EventAuto, auto, schema.StateRemediationApproved, true},
		{"needs approval", schema.StateRemediationProposed, EventAuto, manual, schema.StateApprovalPending, true},
		{"remediation dispatched", schema.StateRemediationApproved, schema.EventRemediationDispatched, nil, schema.StateRemediationInProgress, true},
		{"remediation complete auto", schema.StateRemediationComplete, EventAuto, nil, schema.StateIncidentResolved, true},
		{"resolved notification", schema.StateIncidentResolved, schema.EventType(schema.MsgNotificationSent), nil, schema.StateIncidentClosed, true},
		{"timeout from active", schema.StateApprovalPending, schema.EventWorkflowTimeout, nil, schema.StateWorkflowTimeout, true},
		{"error from active", schema.StateAnalysisRequested, schema.EventWorkflowError, nil, schema.StateWorkflowFailed, true},
		{"timeout from closed", schema.StateIncidentClosed, schema.EventWorkflowTimeout, nil, "", false},
		{"error from timeout", schema.StateWorkflowTimeout, schema.EventWorkflowError, nil, "", false},
		{"reset from failed", schema.StateWorkflowFailed, schema.EventOperatorReset, nil, schema.StateDetectionReceived, true},
		{"reset from active", schema.StateAnalysisInProgress, schema.EventOperatorReset, nil, "", false},
		{"skip ahead", schema.StateAnalysisInProgress, schema.EventType(schema.MsgRemediationComplete), nil, "", false},
		{"closed accepts nothing", schema.StateIncidentClosed, schema.EventType(schema.MsgNewIncident), nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			edge, ok := Lookup(tt.state, tt.event, tt.inc, cfg)
			if ok != tt.wantOK {
				t.Fatalf("Lookup() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && edge.To != tt.want {
				t.Errorf("Lookup() to = %s, want %s", edge.To, tt.want)
			}
		})
	}
}

func TestLookup_ThresholdFromConfig(t *testing.T) {
	inc := schema.NewIncident("inc-1", schema.SeverityLow, time.Now())
	inc.ConfidenceScore = 0.6

	cfg := DefaultConfig()
	if _, ok := Lookup(schema.StateAnalysisComplete, EventAuto, inc, cfg); ok {
		t.Error("0.6 should not pass the default threshold")
	}
	cfg.ConfidenceThreshold = 0.5
	if _, ok := Lookup(schema.StateAnalysisComplete, EventAuto, inc, cfg); !ok {
		t.Error("0.6 should pass a 0.5 threshold")
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		from, to schema.WorkflowState
		want     bool
	}{
		{schema.StateInitialized, schema.StateDetectionReceived, true},
		{schema.StateRemediationProposed, schema.StateApprovalPending, true},
		{schema.StateAnalysisInProgress, schema.StateWorkflowTimeout, true},
		{schema.StateWorkflowTimeout, schema.StateDetectionReceived, true},
		{schema.StateIncidentClosed, schema.StateWorkflowFailed, false},
		{schema.StateAnalysisRequested, schema.StateIncidentClosed, false},
		{schema.StateIncidentClosed, schema.StateDetectionReceived, false},
	}
	for _, tt := range tests {
		if got := Allowed(tt.from, tt.to); got != tt.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEveryNonTerminalStateCanFail(t *testing.T) {
	for _, st := range schema.AllStates() {
		if st.IsTerminal() {
			continue
		}
		if !Allowed(st, schema.StateWorkflowTimeout) || !Allowed(st, schema.StateWorkflowFailed) {
			t.Errorf("state %s cannot reach a failure state", st)
		}
	}
}
