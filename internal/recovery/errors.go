// Package recovery classifies failures, decides how to react to them, and
// guards shared dependencies with circuit breakers and bounded retries.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"sentinelops/internal/audit"
	"sentinelops/internal/schema"
	"sentinelops/internal/storage"
)

// ErrorKind is the failure taxonomy every error is reduced to.
type ErrorKind string

const (
	KindAgentCommunication ErrorKind = "AGENT_COMMUNICATION"
	KindStore              ErrorKind = "STORE_ERROR"
	KindWorkflow           ErrorKind = "WORKFLOW_ERROR"
	KindTimeout            ErrorKind = "TIMEOUT_ERROR"
	KindValidation         ErrorKind = "VALIDATION_ERROR"
)

// Strategy is the reaction chosen for an ErrorKind.
type Strategy string

const (
	StrategyRetryWithBackoff Strategy = "retry_with_backoff"
	StrategyEscalate         Strategy = "escalate"
	StrategySkip             Strategy = "skip"
)

var (
	// ErrCircuitOpen is returned without invoking the dependency while its
	// breaker is open or a half-open probe is already in flight.
	ErrCircuitOpen = errors.New("recovery: circuit open")

	// ErrRetriesExhausted marks a retryable failure that used up its attempts.
	ErrRetriesExhausted = errors.New("recovery: retries exhausted")
)

// Error is a failure tagged with its kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError tags err with kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify reduces err to an ErrorKind. Errors that carry no recognizable
// marker are treated as WORKFLOW_ERROR.
func Classify(err error) ErrorKind {
	if kind, ok := classify(err); ok {
		return kind
	}
	return KindWorkflow
}

func classify(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}

	var re *Error
	if errors.As(err, &re) {
		return re.Kind, true
	}

	var se *storage.StorageError
	var ne net.Error
	switch {
	case errors.Is(err, schema.ErrValidation):
		return KindValidation, true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout, true
	case errors.Is(err, ErrRetriesExhausted):
		return KindWorkflow, true
	case errors.Is(err, ErrCircuitOpen):
		return KindAgentCommunication, true
	case errors.As(err, &se), errors.Is(err, audit.ErrChainConflict):
		return KindStore, true
	case errors.As(err, &ne):
		if ne.Timeout() {
			return KindTimeout, true
		}
		return KindAgentCommunication, true
	}
	return "", false
}

// StrategyFor returns the fixed strategy for kind.
func StrategyFor(kind ErrorKind) Strategy {
	switch kind {
	case KindAgentCommunication, KindStore:
		return StrategyRetryWithBackoff
	case KindValidation:
		return StrategySkip
	default:
		return StrategyEscalate
	}
}

// isExpected reports errors that describe a normal outcome of the call
// rather than an unhealthy dependency. They neither trip breakers nor
// get retried.
func isExpected(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, storage.ErrVersionConflict) ||
		errors.Is(err, audit.ErrChainConflict)
}
