package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the dispatch core.
type ErrorCode string

// Routing error codes
const (
	ErrNoAgentsRegistered ErrorCode = "NO_AGENTS_REGISTERED"
	ErrAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
)

// Configuration error codes
const (
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrPresetNotFound   ErrorCode = "PRESET_NOT_FOUND"
)

// Handoff and provider error codes
const (
	ErrPermanentFailure        ErrorCode = "PERMANENT_FAILURE"
	ErrProviderUnavailable     ErrorCode = "PROVIDER_UNAVAILABLE"
	ErrNoFallbackProvider      ErrorCode = "NO_FALLBACK_PROVIDER"
	ErrHandshakeTimeout        ErrorCode = "HANDSHAKE_TIMEOUT"
	ErrProtocolVersionMismatch ErrorCode = "PROTOCOL_VERSION_MISMATCH"
)

// Context preservation error codes
const (
	ErrContextIntegrity ErrorCode = "CONTEXT_INTEGRITY"
	ErrContextNotFound  ErrorCode = "CONTEXT_NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
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

// Is reports whether target is an *Error with the same code, which lets
// callers match on sentinel errors via errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// NewNoAgentsRegisteredError is returned when routing is attempted against
// an empty agent set.
func NewNoAgentsRegisteredError() *Error {
	return NewError(ErrNoAgentsRegistered, "No agents registered with the router")
}

// NewConfigValidationError wraps one or more invariant violations found
// while validating a configuration mutation.
func NewConfigValidationError(violations []string) *Error {
	return NewError(ErrConfigValidation, fmt.Sprintf("configuration validation failed: %v", violations))
}

// NewContextIntegrityError is returned when a restored context's checksum
// does not match the value recorded at preservation time.
func NewContextIntegrityError(handoffID, want, got string) *Error {
	return NewError(ErrContextIntegrity,
		fmt.Sprintf("checksum mismatch for handoff %s: stored %s, computed %s", handoffID, want, got))
}

// NewPermanentFailureError is returned when the retry budget is exhausted
// and no fallback path remains.
func NewPermanentFailureError(attempts int, cause error) *Error {
	return NewError(ErrPermanentFailure,
		fmt.Sprintf("operation failed permanently after %d attempts", attempts)).WithCause(cause)
}
