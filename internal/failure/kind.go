// Package failure normalizes upstream failures into a closed set of kinds.
//
// Every rejection the gateway hands back to a caller is a *Error. Callers react
// to its Kind only and never look at transport details or raw response bodies.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure categories.
type Kind int

const (
	// Other carries a best-effort human readable message.
	Other Kind = iota
	// Unauthenticated means the access credential is invalid or expired.
	Unauthenticated
	// Forbidden means the session was terminally rejected.
	Forbidden
	// Canceled means the call was superseded by a newer call on the same endpoint key.
	Canceled
	// Transient means a network or server problem unrelated to credentials.
	Transient
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	case Canceled:
		return "canceled"
	case Transient:
		return "transient"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Kind sentinels, matched by errors.Is against any *Error of the same kind.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrCanceled        = errors.New("canceled")
	ErrTransient       = errors.New("transient")
	ErrOther           = errors.New("request failed")
)

func (k Kind) sentinel() error {
	switch k {
	case Unauthenticated:
		return ErrUnauthenticated
	case Forbidden:
		return ErrForbidden
	case Canceled:
		return ErrCanceled
	case Transient:
		return ErrTransient
	default:
		return ErrOther
	}
}

// Error is the rejection returned to gateway callers.
type Error struct {
	Kind Kind
	// Status is the HTTP status of the failed response, 0 when there was none.
	Status int
	// Message is the user facing message.
	Message string
	// Reason is a short machine readable reason (see reasons.go).
	Reason string
	// Err is the underlying transport error, if any.
	Err error
}

// New builds an Error of the given kind.
func New(kind Kind, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of this error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindOf returns the kind of err, or Other when err is not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return Other
}
