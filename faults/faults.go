// Package faults defines the error taxonomy surfaced by mesh operations.
// Every externally visible failure carries a Kind so callers can branch on
// the class of failure without parsing messages. Errors compose with the
// standard errors package: use errors.As to recover the *Error and KindOf
// for quick classification.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a mesh failure.
type Kind string

const (
	// KindNotConfigured indicates the operation requires a configured agent.
	KindNotConfigured Kind = "not_configured"
	// KindDisposed indicates a client context was used after disposal.
	KindDisposed Kind = "disposed"
	// KindInvalidHandle indicates an empty or malformed handle.
	KindInvalidHandle Kind = "invalid_handle"
	// KindInvalidConfiguration indicates a missing agent type or an
	// unregistered type alias.
	KindInvalidConfiguration Kind = "invalid_configuration"
	// KindPersistence indicates a state write failed.
	KindPersistence Kind = "persistence_failure"
	// KindSubstrateTransient indicates a retryable cluster failure.
	KindSubstrateTransient Kind = "substrate_transient"
	// KindSubstratePermanent indicates a terminal cluster failure.
	KindSubstratePermanent Kind = "substrate_permanent"
	// KindHandlerFault indicates user-supplied behavior code failed.
	KindHandlerFault Kind = "handler_fault"
	// KindFollowUpExhausted indicates a plan work item exceeded its
	// follow-up budget.
	KindFollowUpExhausted Kind = "follow_up_exhausted"
)

// Error is a classified mesh failure.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Msg is the free-form description.
	Msg string
	// Err is the wrapped cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err when it is (or wraps) an *Error, and ""
// otherwise.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	return Is(err, KindSubstrateTransient)
}
