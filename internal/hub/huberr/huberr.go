// Package huberr defines the hub's structured error taxonomy. Errors are
// propagated as typed kinds so callers can branch without string matching.
package huberr

import (
	"errors"
	"fmt"
)

// Kind classifies a hub error.
type Kind string

const (
	Validation   Kind = "validation"   // bad input at the boundary, no side effects
	NotFound     Kind = "not-found"    // entity does not exist
	Conflict     Kind = "conflict"     // uniqueness or state precondition failed
	Unauthorised Kind = "unauthorised" // missing or invalid credential
	Forbidden    Kind = "forbidden"    // valid credential, insufficient role
	Timeout      Kind = "timeout"      // deadline exceeded, caller may retry
	Unreachable  Kind = "unreachable"  // agent offline or integration endpoint down
	Decrypt      Kind = "decrypt"      // stored secret cannot be decrypted
	Internal     Kind = "internal"     // unexpected, logged with stack
)

// Error is a hub error with a kind and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or Internal if err carries none.
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return Internal
}

// Is reports whether err is a hub error of the given kind.
func Is(err error, kind Kind) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == kind
}
