// Package approval decides which proposed remediation actions may run
// without a human sign-off.
package approval

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Rule auto-approves actions whose name matches one of ActionPatterns when
// all Conditions hold and the action's risk score is at most MaxRiskScore.
type Rule struct {
	ID             string      `yaml:"rule_id" json:"rule_id" validate:"required"`
	Description    string      `yaml:"description,omitempty" json:"description,omitempty"`
	Priority       int         `yaml:"priority" json:"priority"`
	Conditions     []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty" validate:"dive"`
	ActionPatterns []string    `yaml:"action_patterns" json:"action_patterns" validate:"min=1,dive,required"`
	MaxRiskScore   float64     `yaml:"max_risk_score" json:"max_risk_score" validate:"gte=0,lte=1"`
	Enabled        bool        `yaml:"enabled" json:"enabled"`

	patterns []*regexp.Regexp
}

// Condition compares one incident or action field against a value.
type Condition struct {
	Field    string `yaml:"field" json:"field" validate:"required"`
	Operator string `yaml:"operator" json:"operator" validate:"required,oneof=eq ne gt gte lt lte in not_in prefix contains regex exists"`
	Value    any    `yaml:"value,omitempty" json:"value,omitempty"`

	re *regexp.Regexp
}

var ruleValidator = validator.New()

// compile validates the rule and prepares its regular expressions.
// Patterns are anchored so "get_.*" does not match "forget_key".
func (r *Rule) compile() error {
	if err := ruleValidator.Struct(r); err != nil {
		return fmt.Errorf("rule %q: %w", r.ID, err)
	}

	r.patterns = make([]*regexp.Regexp, 0, len(r.ActionPatterns))
	for _, p := range r.ActionPatterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return fmt.Errorf("rule %q: invalid action pattern %q: %w", r.ID, p, err)
		}
		r.patterns = append(r.patterns, re)
	}

	for i := range r.Conditions {
		c := &r.Conditions[i]
		if c.Operator == "regex" {
			re, err := regexp.Compile(fmt.Sprintf("%v", c.Value))
			if err != nil {
				return fmt.Errorf("rule %q: condition %d: %w", r.ID, i, err)
			}
			c.re = re
		}
		if (c.Operator == "in" || c.Operator == "not_in") && !isList(c.Value) {
			return fmt.Errorf("rule %q: condition %d: %s requires a list value", r.ID, i, c.Operator)
		}
	}
	return nil
}

// MatchesAction reports whether name matches one of the action patterns.
func (r *Rule) MatchesAction(name string) bool {
	for _, re := range r.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Match reports whether value satisfies the condition.
func (c *Condition) Match(value any) bool {
	switch c.Operator {
	case "exists":
		return value != nil
	case "eq":
		return value != nil && fmt.Sprintf("%v", value) == fmt.Sprintf("%v", c.Value)
	case "ne":
		return fmt.Sprintf("%v", value) != fmt.Sprintf("%v", c.Value)
	case "prefix":
		return value != nil && strings.HasPrefix(fmt.Sprintf("%v", value), fmt.Sprintf("%v", c.Value))
	case "contains":
		return value != nil && strings.Contains(fmt.Sprintf("%v", value), fmt.Sprintf("%v", c.Value))
	case "regex":
		return value != nil && c.re != nil && c.re.MatchString(fmt.Sprintf("%v", value))
	case "gt", "gte", "lt", "lte":
		v, ok1 := toFloat64(value)
		exp, ok2 := toFloat64(c.Value)
		if !ok1 || !ok2 {
			return false
		}
		switch c.Operator {
		case "gt":
			return v > exp
		case "gte":
			return v >= exp
		case "lt":
			return v < exp
		default:
			return v <= exp
		}
	case "in":
		return value != nil && inList(value, c.Value)
	case "not_in":
		return !inList(value, c.Value)
	}
	return false
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string:
		return true
	}
	return false
}

func inList(value, list any) bool {
	s := fmt.Sprintf("%v", value)
	switch vals := list.(type) {
	case []string:
		for _, v := range vals {
			if s == v {
				return true
			}
		}
	case []any:
		for _, v := range vals {
			if s == fmt.Sprintf("%v", v) {
				return true
			}
		}
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%f", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// RuleFile is the on-disk layout of an approval rule set.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules parses a YAML rule set.
func ParseRules(data []byte) ([]Rule, error) {
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse approval rules: %w", err)
	}
	for i := range f.Rules {
		if err := f.Rules[i].compile(); err != nil {
			return nil, err
		}
	}
	return f.Rules, nil
}

// LoadRules reads a YAML rule set from path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval rules %s: %w", path, err)
	}
	return ParseRules(data)
}
