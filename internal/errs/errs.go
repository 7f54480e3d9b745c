// Package errs defines the mediator's error taxonomy (spec §7) and the
// helpers transport uses to map a wrapped error back to its kind.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy buckets from spec §7.
type Kind string

const (
	Connectivity Kind = "connectivity"
	Request      Kind = "request"
	Auth         Kind = "auth"
	Timeout      Kind = "timeout"
	Conflict     Kind = "conflict"
	Internal     Kind = "internal"
)

// Error is a taxonomy-tagged error. Transport inspects Kind to pick an HTTP
// status; everything else just sees a normal error via Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a taxonomy kind and an operation label.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a taxonomy error from a format string, like fmt.Errorf.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind of err, defaulting to Internal when err
// (or anything it wraps) isn't a tagged *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is tagged with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
