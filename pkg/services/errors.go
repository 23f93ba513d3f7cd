// Package services implements the management operations behind the HTTP
// API: workflow CRUD and activation, trigger event ingestion, A/B test
// administration and execution control.
package services

import (
	"errors"
	"fmt"
)

// Validation errors map to HTTP 400.
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrWorkflowNameRequired = errors.New("workflow name is required")
	ErrNodesRequired        = errors.New("workflow must have at least one node")
	ErrInvalidStatus        = errors.New("invalid workflow status")
	ErrInvalidEventType     = errors.New("unknown trigger event type")
	ErrInvalidVariants      = errors.New("invalid a/b test variants")
	ErrInvalidGraph         = errors.New("invalid workflow graph")
)

// Conflict errors map to HTTP 409.
var (
	ErrWorkflowNotActivatable = errors.New("workflow cannot be activated")
	ErrTestAlreadyRunning     = errors.New("workflow already has a running a/b test")
	ErrTestConcluded          = errors.New("a/b test already concluded")
	ErrExecutionFinished      = errors.New("execution already finished")
)

// ServiceError wraps service-level errors with operation context.
type ServiceError struct {
	Op      string // Operation being performed (e.g., "CreateWorkflow")
	Code    string // Machine-readable error code
	Message string // Human-readable detail
	Err     error  // Underlying sentinel
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a service error wrapping a validation sentinel.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{Op: op, Code: code, Message: message, Err: err}
}

// IsValidationError reports whether err should map to HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrWorkflowNameRequired) ||
		errors.Is(err, ErrNodesRequired) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidEventType) ||
		errors.Is(err, ErrInvalidVariants) ||
		errors.Is(err, ErrInvalidGraph)
}

// IsConflictError reports whether err should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowNotActivatable) ||
		errors.Is(err, ErrTestAlreadyRunning) ||
		errors.Is(err, ErrTestConcluded) ||
		errors.Is(err, ErrExecutionFinished)
}
