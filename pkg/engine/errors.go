package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a storage backend that is briefly unreachable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the cloud API.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassAuth indicates rejected credentials. Never retried.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: exhausted health gate, unresolvable machine image.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the node ID or host that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Operation != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code agree.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// Error codes.
const (
	ErrCodeStorageUnavailable = "STORAGE_UNAVAILABLE"
	ErrCodeNotConnected       = "NOT_CONNECTED"
	ErrCodeConnectFailed      = "CONNECT_FAILED"
	ErrCodeImageNotResolved   = "IMAGE_NOT_RESOLVED"
	ErrCodeHealthTimeout      = "HEALTH_TIMEOUT"
	ErrCodeAuthFailed         = "AUTH_FAILED"
	ErrCodeCommandFailed      = "COMMAND_FAILED"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
)

// Sentinel errors. Use errors.Is against these; concrete errors carry
// extra context but compare equal by class and code.
var (
	ErrStorageUnavailable = &EngineError{Class: ErrorClassTransient, Code: ErrCodeStorageUnavailable, Message: "inventory storage unavailable"}
	ErrNotConnected       = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeNotConnected, Message: "session not connected"}
	ErrConnectFailed      = &EngineError{Class: ErrorClassTransient, Code: ErrCodeConnectFailed, Message: "connect failed"}
	ErrImageNotResolved   = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeImageNotResolved, Message: "machine image not resolved"}
	ErrHealthTimeout      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeHealthTimeout, Message: "health gate exhausted"}
	ErrAuthFailed         = &EngineError{Class: ErrorClassAuth, Code: ErrCodeAuthFailed, Message: "authentication rejected"}
	ErrCommandFailed      = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCommandFailed, Message: "remote command failed"}
)

// newClassified builds an error of the given class and code.
func newClassified(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newClassified(ErrorClassTransient, "", message, err)
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return newClassified(ErrorClassThrottled, ErrCodeRateLimited, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newClassified(ErrorClassPermanent, "", message, err)
}

// NewStorageError wraps a backing store failure as ErrStorageUnavailable.
func NewStorageError(op string, err error) *EngineError {
	return newClassified(ErrorClassTransient, ErrCodeStorageUnavailable, "inventory storage unavailable", err).WithOperation(op)
}

// NewAuthError wraps a credential rejection.
func NewAuthError(message string, err error) *EngineError {
	return newClassified(ErrorClassAuth, ErrCodeAuthFailed, message, err)
}

// NewHealthTimeoutError reports an exhausted health gate.
func NewHealthTimeoutError(nodeID string, attempts int, err error) *EngineError {
	return newClassified(ErrorClassPermanent, ErrCodeHealthTimeout,
		fmt.Sprintf("node not healthy after %d attempt(s)", attempts), err).WithResource(nodeID)
}

// NewImageNotResolvedError reports that no machine image could be found.
func NewImageNotResolvedError(region string, err error) *EngineError {
	return newClassified(ErrorClassPermanent, ErrCodeImageNotResolved,
		"no machine image for region "+region, err)
}

// NewNotConnectedError reports use of a closed or never-opened session.
func NewNotConnectedError(host string) *EngineError {
	return newClassified(ErrorClassPermanent, ErrCodeNotConnected, "session not connected", nil).WithResource(host)
}

// NewConnectError wraps a failed session establishment.
func NewConnectError(host string, err error) *EngineError {
	return newClassified(ErrorClassTransient, ErrCodeConnectFailed, "connect failed", err).WithResource(host)
}

// NewCommandError reports a remote command that finished unsuccessfully.
func NewCommandError(target, detail string, err error) *EngineError {
	return newClassified(ErrorClassPermanent, ErrCodeCommandFailed, detail, err).WithResource(target)
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsAuth returns true if the error is a credential rejection.
func IsAuth(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassAuth
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	c, ok := classOf(err)
	return ok && (c == ErrorClassTransient || c == ErrorClassThrottled || c == ErrorClassConflict)
}
