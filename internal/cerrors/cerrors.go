// Package cerrors defines the error taxonomy shared by every coordination
// component (spec-defined error kinds, by kind not type-name): invalid
// input, admission denied, transient remote failure, transient database
// failure, persistent database failure, internal invariant violation.
package cerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to decide whether to
// retry, log, or surface to a human.
type Kind int

const (
	// KindInvalidInput is rejected at the boundary; no state change.
	KindInvalidInput Kind = iota + 1
	// KindAdmissionDenied is an expected negative outcome, not a failure.
	KindAdmissionDenied
	// KindTransientRemote covers KV/venue-fetch/pool-connection errors.
	KindTransientRemote
	// KindTransientDatabase covers deadlocks and recoverable connection loss.
	KindTransientDatabase
	// KindPersistentDatabase covers syntax errors, constraint violations,
	// and authorization failures. Never retried.
	KindPersistentDatabase
	// KindInvariantViolation covers internal bugs surfaced as errors
	// instead of panics (e.g. a task assigned to an unknown worker).
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindAdmissionDenied:
		return "admission_denied"
	case KindTransientRemote:
		return "transient_remote"
	case KindTransientDatabase:
		return "transient_database"
	case KindPersistentDatabase:
		return "persistent_database"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a stable Kind tag.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "balance.Reserve"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error around an existing cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
