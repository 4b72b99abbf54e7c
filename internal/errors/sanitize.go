// Package errors keeps internal details out of error text returned to API
// clients.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	// Pattern to match file paths (Linux and Windows)
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// Pattern to match IP addresses
	ipPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	// Backend and credential details
	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|pq:|badger|clickhouse|redis:|kafka:|s3:|postgres://|password=|secret=|token=|api[_-]?key=)`)
)

var productionMode atomic.Bool

// SetProductionMode turns sanitization on or off. Off returns error text
// unchanged for debugging.
func SetProductionMode(production bool) {
	productionMode.Store(production)
}

// IsProduction reports whether sanitization is on.
func IsProduction() bool {
	return productionMode.Load()
}

// SanitizeError returns err with sensitive text removed from its message.
// The result does not wrap err.
func SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !IsProduction() {
		return err
	}
	return errors.New(SanitizeString(err.Error()))
}

// SanitizeString removes sensitive information from a string.
func SanitizeString(s string) string {
	if !IsProduction() {
		return s
	}

	// Backend errors say nothing useful to a client.
	if internalErrorPattern.MatchString(s) {
		return "backend operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return "internal error"
	}

	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	// Keep the first two octets for context.
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		if len(parts) == 4 {
			return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
		}
		return "x.x.x.x"
	})

	return s
}

// userFacing are fragments of errors callers caused and can act on.
var userFacing = []string{
	"invalid transition",
	"terminal state",
	"not found",
	"is required",
	"must be",
	"unknown event",
	"queue full",
	"validation",
}

// SafeMessage returns a message for err fit to send to a client.
// Errors describing a caller mistake pass through; anything else is
// sanitized.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	if !internalErrorPattern.MatchString(msg) {
		for _, safe := range userFacing {
			if strings.Contains(lower, safe) {
				return msg
			}
		}
	}
	return SanitizeString(msg)
}
