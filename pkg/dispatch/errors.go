package dispatch

import (
	"errors"
	"fmt"
)

// TransientError marks a delivery failure worth retrying: timeouts,
// provider 5xx responses, rate limiting.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient dispatch failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a failure no retry can fix: invalid recipient,
// missing template, provider 4xx responses.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent dispatch failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError

	return errors.As(err, &te)
}

// IsPermanent reports whether err is classified as non-retryable.
// Unclassified errors count as permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}

	return !IsTransient(err)
}
