package approval

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"sentinelops/internal/schema"
)

// Decision is the outcome of evaluating one action.
type Decision string

const (
	DecisionAutoApproved   Decision = "auto_approved"
	DecisionManualRequired Decision = "manual_approval_required"
)

// Config is the approval section of the process configuration.
type Config struct {
	RulesPath string  `yaml:"rules_path"`
	Rules     []Rule  `yaml:"rules,omitempty"`
	Weights   Weights `yaml:"weights"`
}

// DefaultConfig returns an empty rule set with default weights, which
// sends every action to manual approval.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights()}
}

// Engine evaluates proposed actions against an ordered rule set. The rule
// set is fixed at construction and evaluation is read-only, so an Engine is
// safe for concurrent use and deterministic.
type Engine struct {
	rules   []Rule
	weights Weights
	logger  *slog.Logger
}

// NewEngine validates rules and orders them by ascending Priority; rules
// with equal priority keep their declaration order.
func NewEngine(rules []Rule, weights Weights, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	seen := make(map[string]bool, len(ordered))
	for i := range ordered {
		if err := ordered[i].compile(); err != nil {
			return nil, err
		}
		if seen[ordered[i].ID] {
			return nil, fmt.Errorf("duplicate approval rule id %q", ordered[i].ID)
		}
		seen[ordered[i].ID] = true
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	return &Engine{
		rules:   ordered,
		weights: weights,
		logger:  logger.With("component", "approval"),
	}, nil
}

// NewEngineFromConfig loads rules from cfg.RulesPath, when set, followed by
// the inline rules.
func NewEngineFromConfig(cfg Config, logger *slog.Logger) (*Engine, error) {
	var rules []Rule
	if cfg.RulesPath != "" {
		loaded, err := LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
	}
	rules = append(rules, cfg.Rules...)
	return NewEngine(rules, cfg.Weights, logger)
}

// Rules returns the rules in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// RiskScore scores action for inc with the engine's weights.
func (e *Engine) RiskScore(inc *schema.Incident, action schema.Action) float64 {
	return RiskScore(inc, action, e.weights)
}

// Evaluate returns the decision for action and the ID of the rule that
// approved it. The first enabled rule whose conditions all hold, whose
// action patterns match, and whose risk ceiling admits the action wins.
// With no such rule the decision is manual approval and the rule ID is "".
func (e *Engine) Evaluate(inc *schema.Incident, action schema.Action) (Decision, string) {
	risk := e.RiskScore(inc, action)
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Enabled || !r.MatchesAction(action.Name) {
			continue
		}
		if !e.conditionsHold(r, inc, action, risk) {
			continue
		}
		if risk > r.MaxRiskScore {
			continue
		}
		return DecisionAutoApproved, r.ID
	}
	return DecisionManualRequired, ""
}

// EvaluateAll decides every action and reports whether all of them were
// auto-approved. The returned actions carry Decision, RuleID and RiskScore.
func (e *Engine) EvaluateAll(inc *schema.Incident, actions []schema.Action) ([]schema.Action, bool) {
	out := make([]schema.Action, len(actions))
	all := len(actions) > 0
	for i, a := range actions {
		decision, ruleID := e.Evaluate(inc, a)
		a.Decision = string(decision)
		a.RuleID = ruleID
		a.RiskScore = e.RiskScore(inc, a)
		out[i] = a
		if decision != DecisionAutoApproved {
			all = false
		}
	}
	e.logger.Debug("actions evaluated",
		"incident_id", inc.ID,
		"actions", len(actions),
		"all_auto_approved", all,
	)
	return out, all
}

func (e *Engine) conditionsHold(r *Rule, inc *schema.Incident, action schema.Action, risk float64) bool {
	for i := range r.Conditions {
		c := &r.Conditions[i]
		if !c.Match(fieldValue(c.Field, inc, action, risk)) {
			return false
		}
	}
	return true
}

// fieldValue resolves a condition field against the incident and action.
func fieldValue(field string, inc *schema.Incident, action schema.Action, risk float64) any {
	switch field {
	case "severity":
		return string(inc.Severity)
	case "severity_rank":
		return inc.Severity.Rank()
	case "status":
		return string(inc.Status)
	case "current_stage", "stage":
		return string(inc.CurrentStage)
	case "confidence_score", "confidence":
		return inc.ConfidenceScore
	case "retry_count":
		return inc.RetryCount
	case "action", "action.name":
		return action.Name
	case "risk_score":
		return risk
	}

	if key, ok := strings.CutPrefix(field, "action."); ok {
		if v, found := action.Parameters[key]; found {
			return v
		}
		return nil
	}
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		if v, found := inc.Metadata[key]; found {
			return v
		}
		return nil
	}
	if v, found := inc.Metadata[field]; found {
		return v
	}
	return nil
}
