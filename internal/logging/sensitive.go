// Package logging builds the process logger and redacts credentials from
// message payloads before they are logged.
package logging

import (
	"regexp"
	"strings"
)

// SensitiveFields contains payload keys whose values are never logged.
var SensitiveFields = map[string]bool{
	"password":              true,
	"passwd":                true,
	"secret":                true,
	"token":                 true,
	"api_key":               true,
	"apikey":                true,
	"access_token":          true,
	"refresh_token":         true,
	"session_token":         true,
	"private_key":           true,
	"client_secret":         true,
	"credentials":           true,
	"authorization":         true,
	"bearer":                true,
	"cookie":                true,
	"aws_secret_access_key": true,
	"secret_access_key":     true,
	"signing_secret":        true,
	"webhook_url":           true,
	"dsn":                   true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if a field name is sensitive.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)

	if SensitiveFields[lowerField] {
		return true
	}

	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}

	return false
}

// MaskString masks a portion of a sensitive string, showing only first/last chars.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}

	length := len(s)
	if length <= showFirst+showLast+3 {
		return MaskedValue
	}

	return s[:showFirst] + "***" + s[length-showLast:]
}

// SensitivePatterns contains regex patterns for credentials embedded in
// free-text values such as remediation command lines.
var SensitivePatterns = []*regexp.Regexp{
	// key=value and key: value credentials
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|passwd)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.\/+]+)['"]?`),
	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	// Basic auth
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	// AWS access key IDs
	regexp.MustCompile(`(AKIA|ABIA|ACCA|AGPA|AIDA|AIPA|ANPA|ANVA|APKA|AROA|ASCA|ASIA)[A-Z0-9]{16}`),
	// Connection strings with inline passwords
	regexp.MustCompile(`(?i)[a-z]+://[^:\s/]+:[^@\s]+@`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s
	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}
	return result
}

// MaskPayload returns a copy of a message payload that is safe to log.
// Values under sensitive keys are replaced, string values are scrubbed of
// embedded credentials, and nested maps and lists are handled recursively.
// The input is not modified.
func MaskPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if IsSensitiveField(k) {
			if v == nil || v == "" {
				out[k] = v
			} else {
				out[k] = MaskedValue
			}
			continue
		}
		out[k] = maskValue(v)
	}
	return out
}

func maskValue(v any) any {
	switch val := v.(type) {
	case string:
		return MaskSensitivePatterns(val)
	case map[string]any:
		return MaskPayload(val)
	case []any:
		masked := make([]any, len(val))
		for i := range val {
			masked[i] = maskValue(val[i])
		}
		return masked
	case []string:
		masked := make([]string, len(val))
		for i := range val {
			masked[i] = MaskSensitivePatterns(val[i])
		}
		return masked
	default:
		return v
	}
}
