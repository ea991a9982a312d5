// Package apperr defines the error kinds shared by every service package.
// Handlers map a Kind to an HTTP status; services only ever construct them.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on it.
type Kind string

const (
	KindUnknown               Kind = "unknown"
	KindConnection            Kind = "connection"
	KindCredentialPersistence Kind = "credential_persistence"
	KindValidation            Kind = "validation"
	KindConfiguration         Kind = "configuration"
	KindConflict              Kind = "conflict"
	KindNotFound              Kind = "not_found"
	KindForbidden             Kind = "forbidden"
)

// Error is a classified error. Op names the failing operation, e.g. "transfer.Approve".
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error without a cause.
func E(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...interface{}) error {
	return E(KindNotFound, op, format, args...)
}

func Conflict(op, format string, args ...interface{}) error {
	return E(KindConflict, op, format, args...)
}

func Validation(op, format string, args ...interface{}) error {
	return E(KindValidation, op, format, args...)
}

func Forbidden(op, format string, args ...interface{}) error {
	return E(KindForbidden, op, format, args...)
}

func Configuration(op, format string, args ...interface{}) error {
	return E(KindConfiguration, op, format, args...)
}

func Connection(op, format string, args ...interface{}) error {
	return E(KindConnection, op, format, args...)
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
