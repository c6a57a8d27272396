package semantic

import (
	"errors"
	"fmt"
)

// Kind classifies semantic classifier failures. Every kind is recovered by
// falling back to the rule classifier.
type Kind string

const (
	KindUnavailable       Kind = "unavailable"
	KindBudgetExceeded    Kind = "budget_exceeded"
	KindMalformedResponse Kind = "malformed_response"
)

// Error is returned by Classifier implementations.
type Error struct {
	Kind Kind
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrUnavailable       = &Error{Kind: KindUnavailable}
	ErrBudgetExceeded    = &Error{Kind: KindBudgetExceeded}
	ErrMalformedResponse = &Error{Kind: KindMalformedResponse}
)

func (e *Error) Error() string {
	if e.Err == nil {
		return "semantic: " + string(e.Kind)
	}
	return fmt.Sprintf("semantic: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func unavailable(err error) error { return &Error{Kind: KindUnavailable, Err: err} }
func malformed(err error) error   { return &Error{Kind: KindMalformedResponse, Err: err} }

// KindOf extracts the kind from err. Errors that are not *Error count as
// unavailable.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnavailable
}
