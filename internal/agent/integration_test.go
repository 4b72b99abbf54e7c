package agent

import (
	"context"
	"testing"
	"time"

	"sentinelops/internal/approval"
	"sentinelops/internal/audit"
	"sentinelops/internal/recovery"
	"sentinelops/internal/router"
	"sentinelops/internal/schema"
	"sentinelops/internal/storage"
	"sentinelops/internal/workflow"
)

const lookupRules = `
rules:
  - rule_id: read-only-lookups
    priority: 10
    action_patterns: ["get_.*", "describe_.*"]
    max_risk_score: 0.3
    enabled: true
`

// TestIncidentLifecycle runs the engine against scripted collaborators over
// the in-memory transport, from detection to closure.
func TestIncidentLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := router.NewMemoryTransport()
	defer tr.Close()
	rm := recovery.NewManager(recovery.DefaultConfig(), nil)
	rcfg := router.DefaultConfig()
	rcfg.BackoffUnit = time.Millisecond
	rcfg.MaxBackoff = 10 * time.Millisecond
	r := router.New(rcfg, tr, rm, nil)

	rules, err := approval.ParseRules([]byte(lookupRules))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	approvals, err := approval.NewEngine(rules, approval.DefaultWeights(), nil)
	if err != nil {
		t.Fatalf("approval.NewEngine() error = %v", err)
	}
	key, err := audit.DeriveKey("lifecycle")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	store := storage.NewMemoryStore()

	engine, err := workflow.New(workflow.DefaultConfig(), workflow.Deps{
		Store:      store,
		Ledger:     audit.NewLedger(store, key, nil),
		Dispatcher: r,
		Approvals:  approvals,
		Recovery:   rm,
	})
	if err != nil {
		t.Fatalf("workflow.New() error = %v", err)
	}
	defer engine.Stop(context.Background())

	if err := r.OnReceive(ctx, schema.TargetOrchestrator, engine.HandleMessage); err != nil {
		t.Fatalf("OnReceive() error = %v", err)
	}
	collabs := DevCollaborators(0.9)
	for _, c := range collabs {
		if err := NewHost(c, r, nil).Start(ctx); err != nil {
			t.Fatalf("Start(%s) error = %v", c.Name(), err)
		}
	}

	detection := schema.NewMessage(schema.TargetDetection, schema.TargetOrchestrator, schema.MsgNewIncident,
		map[string]any{"incident_id": "inc-42", "severity": "low", "resource": "i-0abc"})
	if err := r.Send(ctx, detection); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	waitFor(t, func() bool {
		inc, err := engine.Get(ctx, "inc-42")
		return err == nil && inc.Status == schema.StateIncidentClosed
	})

	inc, _ := engine.Get(ctx, "inc-42")
	if inc.CorrelationID != detection.CorrelationID {
		t.Errorf("correlation id = %q, want %q", inc.CorrelationID, detection.CorrelationID)
	}
	if len(inc.ApprovedActions) != 2 {
		t.Errorf("approved actions = %d, want 2", len(inc.ApprovedActions))
	}

	entries, err := engine.History(ctx, "inc-42")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	for _, e := range entries {
		if e.CorrelationID != detection.CorrelationID {
			t.Errorf("audit entry %s has correlation id %q", e.Event, e.CorrelationID)
		}
	}
	if ok, err := engine.Verify(ctx, "inc-42"); err != nil || !ok {
		t.Errorf("Verify() = %v, %v", ok, err)
	}

	for _, c := range collabs {
		for _, task := range c.Tasks() {
			if task.CorrelationID != detection.CorrelationID {
				t.Errorf("%s task %s has correlation id %q", c.Name(), task.Type, task.CorrelationID)
			}
		}
	}
	if s := r.Stats(); s.DeadLettered != 0 {
		t.Errorf("dead-lettered = %d, want 0", s.DeadLettered)
	}
}
