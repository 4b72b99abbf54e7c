package metrics

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/schema"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register() error = %v", err)
	}
}

func TestWorkflowHooks(t *testing.T) {
	h := WorkflowHooks()

	c := transitionsTotal.WithLabelValues("ANALYSIS_COMPLETE", "REMEDIATION_REQUESTED", "auto")
	before := testutil.ToFloat64(c)
	h.Transition(schema.StateAnalysisComplete, schema.StateRemediationRequested, "auto")
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Errorf("transition counter delta = %v, want 1", got)
	}

	r := rejectedTotal.WithLabelValues("remediation_complete", string(recovery.KindValidation))
	before = testutil.ToFloat64(r)
	h.Rejected(schema.EventType(schema.MsgRemediationComplete),
		recovery.NewError(recovery.KindValidation, "submit", errors.New("invalid")))
	if got := testutil.ToFloat64(r) - before; got != 1 {
		t.Errorf("rejected counter delta = %v, want 1", got)
	}

	e := escalationsTotal.WithLabelValues("WORKFLOW_FAILED", "false")
	before = testutil.ToFloat64(e)
	h.Escalated("inc-1", schema.StateWorkflowFailed, false)
	if got := testutil.ToFloat64(e) - before; got != 1 {
		t.Errorf("escalation counter delta = %v, want 1", got)
	}
}

func TestRouterHooks(t *testing.T) {
	h := RouterHooks()

	ok := messagesSent.WithLabelValues("analysis", "analyze_incident", OutcomeSuccess)
	failed := messagesSent.WithLabelValues("analysis", "analyze_incident", OutcomeError)
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	h.Sent("analysis", schema.MsgAnalyzeIncident, 5*time.Millisecond, nil)
	h.Sent("analysis", schema.MsgAnalyzeIncident, 5*time.Millisecond, fmt.Errorf("refused"))
	if testutil.ToFloat64(ok)-okBefore != 1 || testutil.ToFloat64(failed)-failedBefore != 1 {
		t.Error("send outcomes not counted")
	}

	dl := deadLetters.WithLabelValues("remediation", "execute_remediation")
	before := testutil.ToFloat64(dl)
	h.DeadLettered(router.DeadLetter{
		Message: schema.NewMessage(schema.TargetOrchestrator, "remediation", schema.MsgExecuteRemediation, nil),
	})
	if got := testutil.ToFloat64(dl) - before; got != 1 {
		t.Errorf("dead letter delta = %v, want 1", got)
	}
}

func TestRecoveryHooks_BreakerState(t *testing.T) {
	h := RecoveryHooks()
	g := breakerState.WithLabelValues("agent-channel")

	tests := []struct {
		from, to recovery.State
		want     float64
	}{
		{recovery.StateClosed, recovery.StateOpen, 2},
		{recovery.StateOpen, recovery.StateHalfOpen, 1},
		{recovery.StateHalfOpen, recovery.StateClosed, 0},
	}
	for _, tt := range tests {
		h.StateChange("agent-channel", tt.from, tt.to)
		if got := testutil.ToFloat64(g); got != tt.want {
			t.Errorf("after %s -> %s gauge = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	r := retriesTotal.WithLabelValues("store")
	before := testutil.ToFloat64(r)
	h.Retry("store", 1, time.Millisecond, errors.New("busy"))
	if got := testutil.ToFloat64(r) - before; got != 1 {
		t.Errorf("retry delta = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	SetActiveIncidents(7)
	SetQueuedEvents(3)
	SetCacheHitRate(0.5)
	SetBreaker("store", recovery.StateOpen)

	if got := testutil.ToFloat64(activeIncidents); got != 7 {
		t.Errorf("active incidents = %v, want 7", got)
	}
	if got := testutil.ToFloat64(queuedEvents); got != 3 {
		t.Errorf("queued events = %v, want 3", got)
	}
	if got := testutil.ToFloat64(cacheHitRate); got != 0.5 {
		t.Errorf("cache hit rate = %v, want 0.5", got)
	}
	if got := testutil.ToFloat64(breakerState.WithLabelValues("store")); got != 2 {
		t.Errorf("store breaker = %v, want 2", got)
	}
}
