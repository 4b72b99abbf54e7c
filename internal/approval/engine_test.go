package approval

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"sentinelops/internal/schema"
)

const testRules = `
rules:
  - rule_id: read-only-lookups
    priority: 10
    action_patterns: ["get_.*", "describe_.*"]
    max_risk_score: 0.3
    enabled: true
  - rule_id: isolate-low-risk
    priority: 20
    conditions:
      - field: severity
        operator: in
        value: [low, medium]
      - field: confidence_score
        operator: gte
        value: 0.8
    action_patterns: ["isolate_instance"]
    max_risk_score: 0.5
    enabled: true
  - rule_id: disabled-everything
    priority: 1
    action_patterns: [".*"]
    max_risk_score: 1
    enabled: false
`

func incident(sev schema.Severity, confidence float64) *schema.Incident {
	inc := schema.NewIncident("inc-1", sev, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	inc.ConfidenceScore = confidence
	return inc
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	rules, err := ParseRules([]byte(testRules))
	if err != nil {
		t.Fatalf("ParseRules() error = %v", err)
	}
	e, err := NewEngine(rules, DefaultWeights(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestEngine_Evaluate(t *testing.T) {
	e := testEngine(t)

	tests := []struct {
		name       string
		inc        *schema.Incident
		action     string
		want       Decision
		wantRuleID string
	}{
		{"low risk read-only lookup", incident(schema.SeverityLow, 0.9), "get_instance_status", DecisionAutoApproved, "read-only-lookups"},
		{"pattern is anchored", incident(schema.SeverityLow, 0.9), "forget_instance", DecisionManualRequired, ""},
		{"risk above ceiling", incident(schema.SeverityHigh, 0.9), "get_instance_status", DecisionManualRequired, ""},
		{"conditions hold", incident(schema.SeverityMedium, 0.85), "isolate_instance", DecisionAutoApproved, "isolate-low-risk"},
		{"condition fails on confidence", incident(schema.SeverityMedium, 0.7), "isolate_instance", DecisionManualRequired, ""},
		{"condition fails on severity", incident(schema.SeverityCritical, 0.99), "isolate_instance", DecisionManualRequired, ""},
		{"disabled rule ignored", incident(schema.SeverityLow, 0.9), "terminate_instance", DecisionManualRequired, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ruleID := e.Evaluate(tt.inc, schema.Action{Name: tt.action})
			if got != tt.want || ruleID != tt.wantRuleID {
				t.Errorf("Evaluate() = (%v, %q), want (%v, %q)", got, ruleID, tt.want, tt.wantRuleID)
			}
		})
	}
}

func TestEngine_EvaluateIsDeterministic(t *testing.T) {
	e := testEngine(t)
	inc := incident(schema.SeverityMedium, 0.85)
	action := schema.Action{Name: "isolate_instance"}

	first, firstRule := e.Evaluate(inc, action)
	for i := 0; i < 100; i++ {
		got, rule := e.Evaluate(inc, action)
		if got != first || rule != firstRule {
			t.Fatalf("Evaluate() call %d = (%v, %q), first call (%v, %q)", i, got, rule, first, firstRule)
		}
	}
}

func TestEngine_FirstMatchWinsByPriorityThenDeclaration(t *testing.T) {
	rules := []Rule{
		{ID: "late", Priority: 5, ActionPatterns: []string{"get_.*"}, MaxRiskScore: 1, Enabled: true},
		{ID: "tie-first", Priority: 1, ActionPatterns: []string{"get_.*"}, MaxRiskScore: 1, Enabled: true},
		{ID: "tie-second", Priority: 1, ActionPatterns: []string{"get_.*"}, MaxRiskScore: 0.01, Enabled: true},
	}
	e, err := NewEngine(rules, DefaultWeights(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	_, ruleID := e.Evaluate(incident(schema.SeverityLow, 1), schema.Action{Name: "get_logs"})
	if ruleID != "tie-first" {
		t.Errorf("matched rule = %q, want tie-first", ruleID)
	}

	order := e.Rules()
	if order[0].ID != "tie-first" || order[1].ID != "tie-second" || order[2].ID != "late" {
		t.Errorf("rule order = %s, %s, %s", order[0].ID, order[1].ID, order[2].ID)
	}
}

func TestEngine_EvaluateAll(t *testing.T) {
	e := testEngine(t)
	inc := incident(schema.SeverityLow, 0.9)

	actions, all := e.EvaluateAll(inc, []schema.Action{{Name: "get_instance_status"}, {Name: "describe_sg"}})
	if !all {
		t.Error("EvaluateAll() should auto-approve read-only actions")
	}
	if actions[0].RuleID != "read-only-lookups" || actions[0].Decision != string(DecisionAutoApproved) {
		t.Errorf("actions[0] = %+v", actions[0])
	}

	actions, all = e.EvaluateAll(inc, []schema.Action{{Name: "get_instance_status"}, {Name: "terminate_instance"}})
	if all {
		t.Error("EvaluateAll() should require manual approval when any action does")
	}
	if actions[1].Decision != string(DecisionManualRequired) {
		t.Errorf("actions[1].Decision = %s", actions[1].Decision)
	}

	if _, all := e.EvaluateAll(inc, nil); all {
		t.Error("EvaluateAll() with no actions should not report auto-approval")
	}
}

func TestRiskScore_Monotonic(t *testing.T) {
	w := DefaultWeights()
	action := schema.Action{Name: "isolate_instance"}

	severities := []schema.Severity{schema.SeverityLow, schema.SeverityMedium, schema.SeverityHigh, schema.SeverityCritical}
	for _, conf := range []float64{0, 0.4, 0.7, 1} {
		prev := -1.0
		for _, sev := range severities {
			s := RiskScore(incident(sev, conf), action, w)
			if s < prev {
				t.Errorf("risk decreased with severity at confidence %v: %v < %v", conf, s, prev)
			}
			if s < 0 || s > 1 {
				t.Errorf("risk %v out of range", s)
			}
			prev = s
		}
	}

	for _, sev := range severities {
		prev := 2.0
		for _, conf := range []float64{0, 0.25, 0.5, 0.75, 1} {
			s := RiskScore(incident(sev, conf), action, w)
			if s > prev {
				t.Errorf("risk increased with confidence for %s: %v > %v", sev, s, prev)
			}
			prev = s
		}
	}
}

func TestRiskScore_ActionWeight(t *testing.T) {
	w := DefaultWeights()
	w.Actions = map[string]float64{"terminate_instance": 0.4}
	inc := incident(schema.SeverityLow, 1)

	if got := RiskScore(inc, schema.Action{Name: "get_logs"}, w); got != 0 {
		t.Errorf("RiskScore(get_logs) = %v, want 0", got)
	}
	if got := RiskScore(inc, schema.Action{Name: "terminate_instance"}, w); got != 0.4 {
		t.Errorf("RiskScore(terminate_instance) = %v, want 0.4", got)
	}
}

func TestCondition_Match(t *testing.T) {
	tests := []struct {
		name  string
		cond  Condition
		value any
		want  bool
	}{
		{"eq string", Condition{Operator: "eq", Value: "high"}, "high", true},
		{"eq mismatch", Condition{Operator: "eq", Value: "high"}, "low", false},
		{"eq nil", Condition{Operator: "eq", Value: "x"}, nil, false},
		{"ne", Condition{Operator: "ne", Value: "high"}, "low", true},
		{"gt", Condition{Operator: "gt", Value: 0.5}, 0.7, true},
		{"lte int vs float", Condition{Operator: "lte", Value: 2}, 2.0, true},
		{"gte non-numeric", Condition{Operator: "gte", Value: 1}, "abc", false},
		{"prefix", Condition{Operator: "prefix", Value: "us-"}, "us-east-1", true},
		{"contains", Condition{Operator: "contains", Value: "prod"}, "eu-prod-2", true},
		{"in any list", Condition{Operator: "in", Value: []any{"low", "medium"}}, "medium", true},
		{"not_in", Condition{Operator: "not_in", Value: []string{"critical"}}, "low", true},
		{"exists", Condition{Operator: "exists"}, "x", true},
		{"exists nil", Condition{Operator: "exists"}, nil, false},
		{"unknown operator", Condition{Operator: "approx", Value: 1}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Match(tt.value); got != tt.want {
				t.Errorf("Match(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestFieldValue(t *testing.T) {
	inc := incident(schema.SeverityHigh, 0.6)
	inc.Metadata["account"] = "prod"
	action := schema.Action{Name: "isolate_instance", Parameters: map[string]any{"instance_id": "i-1"}}

	tests := []struct {
		field string
		want  any
	}{
		{"severity", "high"},
		{"severity_rank", 3},
		{"confidence_score", 0.6},
		{"action", "isolate_instance"},
		{"action.instance_id", "i-1"},
		{"action.missing", nil},
		{"metadata.account", "prod"},
		{"account", "prod"},
		{"status", string(schema.StateInitialized)},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			if got := fieldValue(tt.field, inc, action, 0.5); got != tt.want {
				t.Errorf("fieldValue(%q) = %v, want %v", tt.field, got, tt.want)
			}
		})
	}
}

func TestNewEngine_Validation(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"missing id", []Rule{{ActionPatterns: []string{"x"}, MaxRiskScore: 0.5}}},
		{"no patterns", []Rule{{ID: "r", MaxRiskScore: 0.5}}},
		{"bad pattern", []Rule{{ID: "r", ActionPatterns: []string{"("}, MaxRiskScore: 0.5}}},
		{"risk above one", []Rule{{ID: "r", ActionPatterns: []string{"x"}, MaxRiskScore: 1.5}}},
		{"bad operator", []Rule{{ID: "r", ActionPatterns: []string{"x"}, Conditions: []Condition{{Field: "severity", Operator: "approx"}}}}},
		{"in without list", []Rule{{ID: "r", ActionPatterns: []string{"x"}, Conditions: []Condition{{Field: "severity", Operator: "in", Value: "low"}}}}},
		{"duplicate id", []Rule{{ID: "r", ActionPatterns: []string{"x"}}, {ID: "r", ActionPatterns: []string{"y"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewEngine(tt.rules, DefaultWeights(), nil); err == nil {
				t.Error("NewEngine() expected error")
			}
		})
	}
}

func TestNewEngineFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(testRules), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultConfig()
	cfg.RulesPath = path
	cfg.Rules = []Rule{{ID: "inline", Priority: 100, ActionPatterns: []string{"notify_.*"}, MaxRiskScore: 1, Enabled: true}}

	e, err := NewEngineFromConfig(cfg, nil)
	if err != nil {
		t.Fatalf("NewEngineFromConfig() error = %v", err)
	}
	if n := len(e.Rules()); n != 4 {
		t.Errorf("rules = %d, want 4", n)
	}
	if _, ruleID := e.Evaluate(incident(schema.SeverityCritical, 0), schema.Action{Name: "notify_oncall"}); ruleID != "inline" {
		t.Errorf("inline rule not applied, got %q", ruleID)
	}

	cfg.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := NewEngineFromConfig(cfg, nil); err == nil {
		t.Error("NewEngineFromConfig() expected error for missing file")
	}
}

func TestShippedRules(t *testing.T) {
	rules, err := LoadRules(filepath.Join("..", "..", "configs", "approval_rules.yaml"))
	if err != nil {
		t.Fatalf("LoadRules() error = %v", err)
	}
	e, err := NewEngine(rules, DefaultWeights(), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	tests := []struct {
		name     string
		inc      *schema.Incident
		action   string
		wantRule string
	}{
		{"lookup", incident(schema.SeverityHigh, 0.9), "describe_instance", "read-only-lookups"},
		{"confident low containment", incident(schema.SeverityLow, 0.9), "isolate_host", "low-severity-containment"},
		{"critical containment needs a human", incident(schema.SeverityCritical, 0.9), "isolate_host", ""},
		{"doubtful containment needs a human", incident(schema.SeverityLow, 0.5), "isolate_host", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ruleID := e.Evaluate(tt.inc, schema.Action{Name: tt.action}); ruleID != tt.wantRule {
				t.Errorf("rule = %q, want %q", ruleID, tt.wantRule)
			}
		})
	}
}
