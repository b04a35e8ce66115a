package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures for retry decisions.
type Kind int

const (
	Transient Kind = iota
	Permanent
	AuthFailure
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case AuthFailure:
		return "auth_failure"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is returned by every Gateway method.
type Error struct {
	Kind      Kind
	Operation string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("gateway: %s: %s", e.Operation, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable is true only for transient failures. Callers never retry
// Permanent, NotFound or AuthFailure.
func (e *Error) Retryable() bool { return e.Kind == Transient }

// NewError builds an *Error of the given kind.
func NewError(kind Kind, operation, message string) *Error {
	return &Error{Kind: kind, Operation: operation, Message: message}
}

// KindOf extracts the Kind of a wrapped *Error. Errors that did not come from
// the gateway are reported as Transient.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return Transient
}

// IsNotFound reports whether err is a gateway NotFound failure.
func IsNotFound(err error) bool {
	var gerr *Error
	return errors.As(err, &gerr) && gerr.Kind == NotFound
}
