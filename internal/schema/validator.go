package schema

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks malformed messages and records.
var ErrValidation = errors.New("validation failed")

// Validator checks messages and incident records before they reach the engine.
type Validator struct {
	validate  *validator.Validate
	maxFuture time.Duration
}

// ValidatorConfig holds configuration for the validator.
type ValidatorConfig struct {
	MaxFuture time.Duration
}

// DefaultValidatorConfig returns the default validator configuration.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxFuture: 5 * time.Minute,
	}
}

// NewValidator creates a new Validator with default configuration.
func NewValidator() *Validator {
	return NewValidatorWithConfig(DefaultValidatorConfig())
}

// NewValidatorWithConfig creates a new Validator with the specified configuration.
func NewValidatorWithConfig(cfg ValidatorConfig) *Validator {
	v := validator.New()

	v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return Severity(fl.Field().String()).Valid()
	})
	v.RegisterValidation("message_type", func(fl validator.FieldLevel) bool {
		t := MessageType(fl.Field().String())
		return t.Inbound() || t.Outbound()
	})

	return &Validator{
		validate:  v,
		maxFuture: cfg.MaxFuture,
	}
}

// ValidateMessage checks the envelope and the payload fields the engine
// relies on for the message type.
func (v *Validator) ValidateMessage(m *Message) error {
	if err := v.validate.Struct(m); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if !m.Metadata.Timestamp.IsZero() && m.Metadata.Timestamp.After(time.Now().UTC().Add(v.maxFuture)) {
		return fmt.Errorf("%w: timestamp in future: %v", ErrValidation, m.Metadata.Timestamp)
	}

	if m.Type.Inbound() && m.IncidentID() == "" {
		return fmt.Errorf("%w: payload.incident_id is required for %s", ErrValidation, m.Type)
	}

	switch m.Type {
	case MsgNewIncident:
		sev := Severity(PayloadString(m.Payload, "severity"))
		if !sev.Valid() {
			return fmt.Errorf("%w: payload.severity %q is not one of critical, high, medium, low", ErrValidation, sev)
		}
	case MsgAnalysisComplete:
		c, ok := PayloadFloat(m.Payload, "confidence_score")
		if !ok {
			return fmt.Errorf("%w: payload.confidence_score is required", ErrValidation)
		}
		if c < 0 || c > 1 {
			return fmt.Errorf("%w: payload.confidence_score %v out of range [0,1]", ErrValidation, c)
		}
	case MsgRemediationProposed:
		if len(PayloadActions(m.Payload, "actions")) == 0 {
			return fmt.Errorf("%w: payload.actions must list at least one action", ErrValidation)
		}
	}

	return nil
}

// ValidateIncident checks a persisted incident record.
func (v *Validator) ValidateIncident(inc *Incident) error {
	if err := v.validate.Struct(inc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if !inc.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, inc.Status)
	}
	return nil
}

// Struct exposes struct-tag validation for other packages' records.
func (v *Validator) Struct(s any) error {
	if err := v.validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
