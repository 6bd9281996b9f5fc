// Package merr defines the structural error kinds shared across the
// Malcolm core: type validation, state-machine guard, and router
// resolution failures all surface as a *merr.Error so callers can
// branch on Kind with errors.As instead of matching strings.
package merr

import (
	"errors"
	"fmt"
)

// Kind classifies a Malcolm error for programmatic handling.
type Kind string

const (
	// TypeMismatch means a value failed VType.Validate.
	TypeMismatch Kind = "TypeMismatch"
	// WrongState means a method was invoked outside its valid states.
	WrongState Kind = "WrongState"
	// NoSuchEndpoint means the router could not resolve a device,
	// attribute, or method name.
	NoSuchEndpoint Kind = "NoSuchEndpoint"
	// NoProvider means a device name has no registered backend.
	NoProvider Kind = "NoProvider"
	// Timeout means a device-level timeout expired waiting for a rest
	// state.
	Timeout Kind = "Timeout"
	// HandlerFailed means a transition handler returned an error and
	// the device moved to its fault state.
	HandlerFailed Kind = "HandlerFailed"
	// TransportError means a frame failed to decode or a peer
	// disconnected.
	TransportError Kind = "TransportError"
)

// Error is the concrete error type returned for every Kind above.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error that carries cause as its Unwrap target.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
