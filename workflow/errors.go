package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates an unknown definition, instance or engine.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a status change outside the allowed
	// state machine. Never retried.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleOwner indicates a conditional update lost an ownership race:
	// the row's assigned engine or status no longer matched the expectation.
	ErrStaleOwner = errors.New("stale owner")
)

// ValidationError rejects a call before any row is written: missing required
// input, unknown executor, duplicate node id. Fatal to the call, never
// retried.
type ValidationError struct {
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// Validationf constructs a ValidationError with a formatted reason.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictError surfaces a mutex violation or an optimistic concurrency
// mismatch. Surfaced to the caller, never retried by the engine.
type ConflictError struct {
	Reason string
	// ConflictingInstanceID identifies the running instance that holds the
	// mutex key, when known.
	ConflictingInstanceID string
}

// Error implements error.
func (e *ConflictError) Error() string {
	if e.ConflictingInstanceID != "" {
		return fmt.Sprintf("conflict: %s (instance %s)", e.Reason, e.ConflictingInstanceID)
	}
	return "conflict: " + e.Reason
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// ExecutorError wraps a failure returned or raised by a task executor. It is
// converted to a node-level failure and drives workflow-level retry.
type ExecutorError struct {
	Executor string
	NodeID   string
	Err      error
}

// Error implements error.
func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %q at node %q: %v", e.Executor, e.NodeID, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ExecutorError) Unwrap() error { return e.Err }

// FatalError signals a violated invariant, such as two live locks on the
// same key. The engine self-disables and relies on the scheduler to fail
// over.
type FatalError struct {
	Reason string
}

// Error implements error.
func (e *FatalError) Error() string {
	return "fatal: " + e.Reason
}
