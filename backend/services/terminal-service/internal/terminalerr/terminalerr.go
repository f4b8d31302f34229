// Package terminalerr defines the rejection taxonomy shared by the terminal
// components. Every rejection carries a reason meant for an operator screen.
package terminalerr

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindExpired    Kind = "expired"
	KindUnknown    Kind = "unknown"
)

// Error is a business rejection with a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports malformed input.
func Validation(reason string) error {
	return &Error{Kind: KindValidation, Reason: reason}
}

// Validationf wraps a parse error.
func Validationf(err error, format string, args ...any) error {
	return &Error{Kind: KindValidation, Reason: fmt.Sprintf(format, args...), Err: err}
}

// NotFound reports an unknown order or session.
func NotFound(reason string) error {
	return &Error{Kind: KindNotFound, Reason: reason}
}

// Conflict reports a request that is well formed but not allowed in the current state.
func Conflict(reason string) error {
	return &Error{Kind: KindConflict, Reason: reason}
}

// Expired reports a credential used past its expiry.
func Expired(reason string) error {
	return &Error{Kind: KindExpired, Reason: reason}
}

// KindOf extracts the rejection kind, or KindUnknown for infrastructure errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// Reason returns the operator-facing reason, falling back to err.Error().
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Reason
	}
	return err.Error()
}
