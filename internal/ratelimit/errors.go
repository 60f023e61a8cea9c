package ratelimit

import (
	"errors"
	"fmt"
)

// ErrorKind classifies rate limiting failures.
type ErrorKind string

const (
	// KindExceeded indicates the client consumed its window budget.
	KindExceeded ErrorKind = "exceeded"

	// KindStoreUnavailable indicates the counter store could not be
	// consulted.
	KindStoreUnavailable ErrorKind = "store_unavailable"
)

// Error is a rate limiting error.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("ratelimit: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("ratelimit: %s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new rate limiting error.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// KindOf extracts the error kind, defaulting to KindStoreUnavailable for
// unclassified errors.
func KindOf(err error) ErrorKind {
	var rlErr *Error
	if errors.As(err, &rlErr) {
		return rlErr.Kind
	}
	return KindStoreUnavailable
}
