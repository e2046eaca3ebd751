// Package engine implements the deployment orchestration core: plan
// expansion, the execution DAG, the bounded worker-pool scheduler, and
// per-unit execution with retry and timeout handling.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a failure that may succeed on retry.
	// Examples: adapter timeout, non-zero exit from an external tool.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable failure.
	// Examples: invalid configuration, missing chart path, denied credential.
	ErrorClassPermanent ErrorClass = "permanent"
)

// OrchestrationError is a classified error with unit and operation context.
type OrchestrationError struct {
	// Class drives retry behaviour.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the error category for programmatic handling.
	Code string `json:"code,omitempty"`

	// Unit is the deployment unit that produced the error, if any.
	Unit string `json:"unit,omitempty"`

	// Operation is what was being attempted when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *OrchestrationError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	if e.Unit != "" {
		return fmt.Sprintf("[%s] %s (unit=%s)", e.Class, msg, e.Unit)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}

// Is matches errors by class and code.
func (e *OrchestrationError) Is(target error) bool {
	t, ok := target.(*OrchestrationError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a retryable error.
func NewTransientError(message string, err error) *OrchestrationError {
	return &OrchestrationError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a non-retryable error.
func NewPermanentError(message string, err error) *OrchestrationError {
	return &OrchestrationError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithCode attaches an error code.
func (e *OrchestrationError) WithCode(code string) *OrchestrationError {
	e.Code = code
	return e
}

// WithUnit attaches the affected unit ID.
func (e *OrchestrationError) WithUnit(unitID string) *OrchestrationError {
	e.Unit = unitID
	return e
}

// WithOperation attaches the operation being performed.
func (e *OrchestrationError) WithOperation(op string) *OrchestrationError {
	e.Operation = op
	return e
}

// Cause returns the undecorated one-line cause: the message plus the
// underlying error when present, without class or unit context. Used
// for report fields; Error() keeps the decorated form for logs.
func (e *OrchestrationError) Cause() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Cause extracts the undecorated one-line cause from any error.
func Cause(err error) string {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Cause()
	}
	return err.Error()
}

// IsTransient reports whether err is classified transient.
func IsTransient(err error) bool {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable reports whether the executor may re-attempt after err.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	var e *OrchestrationError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Error codes for the orchestrator taxonomy.
const (
	ErrCodeConfigLoad       = "CONFIG_LOAD_ERROR"
	ErrCodeConfigKeyMissing = "CONFIG_KEY_MISSING"
	ErrCodeSecretNotFound   = "SECRET_NOT_FOUND"
	ErrCodeAuth             = "AUTH_ERROR"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeExecution        = "EXECUTION_FAILURE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
