// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow was not found by the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrEventNotFound indicates a trigger event was not found.
	ErrEventNotFound = errors.New("trigger event not found")

	// ErrRetryJobNotFound indicates a retry job was not found.
	ErrRetryJobNotFound = errors.New("retry job not found")

	// ErrABTestNotFound indicates an A/B test was not found.
	ErrABTestNotFound = errors.New("a/b test not found")

	// ErrContactNotFound indicates a contact was not found.
	ErrContactNotFound = errors.New("contact not found")

	// ErrVersionConflict indicates an execution update lost an optimistic
	// locking race against another worker.
	ErrVersionConflict = errors.New("execution version conflict")

	// ErrAlreadyExists indicates an insert collided with an existing row.
	ErrAlreadyExists = errors.New("record already exists")
)

// StoreError wraps persistence errors with operation context.
type StoreError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Save")
	Entity string // Aggregate name ("workflow", "execution", ...)
	ID     string // Entity ID if applicable
	Err    error  // Underlying error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a new store error with context.
func NewStoreError(op, entity, id string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsNotFound reports whether the error is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrEventNotFound) ||
		errors.Is(err, ErrRetryJobNotFound) ||
		errors.Is(err, ErrABTestNotFound) ||
		errors.Is(err, ErrContactNotFound)
}

// IsVersionConflict reports whether the error is an optimistic locking
// conflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
