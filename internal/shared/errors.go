package shared

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotAuthenticated indicates no principal on the request.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// ValidationError reports every violation found in a request, not just the
// first one.
type ValidationError struct {
	Violations []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil || len(e.Violations) == 0 {
		return "validation failed"
	}
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// Add appends a violation message.
func (e *ValidationError) Add(format string, args ...any) {
	e.Violations = append(e.Violations, fmt.Sprintf(format, args...))
}

// HasViolations reports whether any violation was collected.
func (e *ValidationError) HasViolations() bool {
	return e != nil && len(e.Violations) > 0
}

// ConfigurationError signals invalid role or policy configuration, for
// example a cyclic inheritance graph.
type ConfigurationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e == nil || e.Reason == "" {
		return "configuration error"
	}
	return "configuration error: " + e.Reason
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
