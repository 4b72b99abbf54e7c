package approval

import (
	"sentinelops/internal/schema"
)

// Weights parameterize RiskScore.
type Weights struct {
	// Severity scales the incident's normalized severity (low=0, critical=1).
	Severity float64 `yaml:"severity"`
	// Confidence scales 1 - confidence_score.
	Confidence float64 `yaml:"confidence"`
	// Actions adds a fixed amount for specific action names, for actions
	// that are risky regardless of the incident.
	Actions map[string]float64 `yaml:"actions,omitempty"`
}

// DefaultWeights splits risk evenly between severity and doubt.
func DefaultWeights() Weights {
	return Weights{Severity: 0.5, Confidence: 0.5}
}

// RiskScore returns the risk of running action for inc, clamped to [0,1].
// It is non-decreasing in severity and non-increasing in confidence.
func RiskScore(inc *schema.Incident, action schema.Action, w Weights) float64 {
	sev := 1.0
	if r := inc.Severity.Rank(); r > 0 {
		sev = float64(r-1) / 3
	}

	conf := inc.ConfidenceScore
	switch {
	case conf < 0:
		conf = 0
	case conf > 1:
		conf = 1
	}

	score := w.Severity*sev + w.Confidence*(1-conf)
	if extra, ok := w.Actions[action.Name]; ok && extra > 0 {
		score += extra
	}

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
