// Package domain defines the entities, ports, and error taxonomy of the
// transaction core. It has no dependencies on adapters; adapters depend on it.
package domain

import (
	"context"
	"errors"
)

// Error taxonomy (sentinels). Adapters and engines wrap these with
// fmt.Errorf("op=...: %w", err) so callers can classify with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrTransient       = errors.New("transient failure")
	ErrPoison          = errors.New("poison message")
	ErrInternal        = errors.New("internal error")
)

// ErrorKind is the wire-visible classification recorded on DLQ rows and
// surfaced in API error responses.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "conflict"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindTransient    ErrorKind = "transient"
	KindPoison       ErrorKind = "poison"
	KindUnexpected   ErrorKind = "unexpected"
)

// ClassifyError maps an error chain onto the taxonomy. Unknown errors are
// Unexpected: they are logged with full context and never silently swallowed.
func ClassifyError(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrPoison):
		return KindPoison
	default:
		return KindUnexpected
	}
}

// IsRetryable reports whether a handler failure should be retried rather than
// aborted: only transient failures qualify. Validation, conflict and poison
// failures will not heal on redelivery.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Context is an alias so domain signatures stay decoupled from adapters by
// convention; everyone passes context.Context through.
type Context = context.Context
