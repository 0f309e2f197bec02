// Copyright 2026 Digital Platformer
//
// Error Kinds
// Failure classification carried through wrapping boundaries

package operation

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures at the API and executor boundaries. The HTTP
// layer maps kinds to status codes; the executor maps ledger result codes to
// Permanent. Everything else treats errors opaquely.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidArgument
	KindNotFound
	KindIntegrity
	KindConfiguration
	KindTransient
	KindPermanent
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindIntegrity:
		return "integrity"
	case KindConfiguration:
		return "configuration"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error carries an ErrorKind through wrapping boundaries.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kinded error.
func E(kind ErrorKind, msg string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind ErrorKind, err error, msg string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(msg, args...), Err: err}
}

// KindOf extracts the ErrorKind from err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindUnknown
}
