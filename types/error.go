package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the storage layer.
type ErrorCode string

// Storage error codes
const (
	// ErrBackendUnavailable: the circuit breaker is open or the durable
	// backend failed a network call. Retryable with backoff.
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"

	// ErrPoolTimeout: no connection permit became available before the
	// acquire deadline. Transient, retryable.
	ErrPoolTimeout ErrorCode = "POOL_TIMEOUT"

	// ErrConflictDetected: a write would decrease a record's version, or
	// reconciliation found divergence it could not resolve.
	ErrConflictDetected ErrorCode = "CONFLICT_DETECTED"

	// ErrValidation: malformed or oversized record. Fatal, never retried.
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// ErrRollbackFailed: a durable write partially applied and cleanup
	// failed. Critical; surfaced for manual reconciliation.
	ErrRollbackFailed ErrorCode = "ROLLBACK_FAILED"

	// ErrNotFound: no record exists at the requested (kind, id).
	ErrNotFound ErrorCode = "NOT_FOUND"

	// ErrStoreClosed: the store has been shut down.
	ErrStoreClosed ErrorCode = "STORE_CLOSED"
)

// Error represents a structured storage error with code, message and cause.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is matching on the code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new Error with the given code and message.
// Retryability follows the code's default classification.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: defaultRetryable(code)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retryability classification.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrBackendUnavailable, ErrPoolTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether an error is transient and safe to retry.
// Unknown error types are treated as retryable network-class failures so
// raw driver errors count against the circuit breaker.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// GetErrorCode extracts the error code from an error, or "" if it is not a
// structured storage error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a NOT_FOUND storage error.
func IsNotFound(err error) bool {
	return GetErrorCode(err) == ErrNotFound
}
