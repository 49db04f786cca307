package shared

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound indicates a referenced order, event or actor does not exist.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates a status change that is not the next forward step.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConsistency indicates the audit half of a mutation could not be written.
	ErrConsistency = errors.New("order and timeline would diverge")
	// ErrRetryable marks timeouts and transient backend failures.
	ErrRetryable = errors.New("temporarily unavailable, retry")
	// ErrForbidden indicates the actor may not act on the resource.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthorized indicates no authenticated actor.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
)

// ValidationError carries per-field messages. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

// Is reports ErrValidation equivalence.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConsistencyError wraps the cause of a failed event append. The order-side
// change has already been rolled back when this error is returned.
type ConsistencyError struct {
	Op  string
	Err error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrConsistency, e.Err)
}

// Unwrap exposes both ErrConsistency and the underlying cause.
func (e *ConsistencyError) Unwrap() []error {
	return []error{ErrConsistency, e.Err}
}
