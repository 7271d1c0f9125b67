// Package apierr defines the error kinds surfaced at the API boundary.
//
// Every error returned to a client carries a stable kind tag so callers can
// distinguish "not logged in" from "bad credentials" from "store unavailable"
// without parsing messages. Internal causes are wrapped for logs but never
// serialized to clients.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an API error. The string value is the GraphQL
// extensions.code emitted for it.
type Kind string

const (
	// Validation covers malformed or missing required input.
	Validation Kind = "BAD_USER_INPUT"
	// AuthRequired is a mutation attempted without an identity.
	AuthRequired Kind = "UNAUTHENTICATED"
	// AuthInvalid is a bad credential at login or token verification.
	AuthInvalid Kind = "INVALID_CREDENTIALS"
	// Persistence is a store read/write failure.
	Persistence Kind = "INTERNAL_SERVER_ERROR"
	// Transport is an unreachable batched-fetch collaborator.
	Transport Kind = "SERVICE_UNAVAILABLE"
)

// Error is the single error type crossing the resolver boundary.
type Error struct {
	Kind    Kind
	Message string
	// InvalidArg echoes the offending input back to the caller when
	// applicable (e.g. the author name that failed to save).
	InvalidArg string
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches an internal cause kept out of client responses.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithArg returns a copy of e carrying the echoed invalid input.
func (e *Error) WithArg(arg string) *Error {
	dup := *e
	dup.InvalidArg = arg
	return &dup
}

// KindOf reports the kind of err, or Persistence when err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Persistence
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var ae *Error
	ok := errors.As(err, &ae)
	return ae, ok
}
