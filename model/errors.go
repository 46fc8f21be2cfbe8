package model

import "fmt"

// Test error codes.
const (
	ErrCodeConfiguration     = "CONFIGURATION"
	ErrCodeBrokenReference   = "BROKEN_REFERENCE"
	ErrCodeAssertionMismatch = "ASSERTION_MISMATCH"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
)

// TestError is the single typed error surfaced by workflow evaluation and
// test replay. Details carries one diagnostic per rejected candidate when an
// assertion search fails; ActionUUID identifies the failing test action.
type TestError struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
	ActionUUID string   `json:"action_uuid,omitempty"`
}

// Error implements the error interface.
func (e *TestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewConfigurationError reports an action that cannot be configured because
// no matching workflow elements exist.
func NewConfigurationError(format string, args ...any) *TestError {
	return &TestError{Code: ErrCodeConfiguration, Message: fmt.Sprintf(format, args...)}
}

// NewBrokenReferenceError reports a reference to a workflow element that no
// longer exists in the current revision.
func NewBrokenReferenceError(format string, args ...any) *TestError {
	return &TestError{Code: ErrCodeBrokenReference, Message: fmt.Sprintf(format, args...)}
}

// NewAssertionError reports an assertion whose search found no matching
// candidate, with one diagnostic per rejected entry.
func NewAssertionError(message string, details []string) *TestError {
	return &TestError{Code: ErrCodeAssertionMismatch, Message: message, Details: details}
}

// NewForbiddenError reports an actor not permitted to use the targeted
// action.
func NewForbiddenError(format string, args ...any) *TestError {
	return &TestError{Code: ErrCodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError reports a missing element addressed by name or ID.
func NewNotFoundError(format string, args ...any) *TestError {
	return &TestError{Code: ErrCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewConflictError reports an optimistic concurrency conflict.
func NewConflictError(format string, args ...any) *TestError {
	return &TestError{Code: ErrCodeConflict, Message: fmt.Sprintf(format, args...)}
}
