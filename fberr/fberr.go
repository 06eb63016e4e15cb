// Package fberr defines the error kinds the fastboot core must surface
// distinctly so the protocol layer can map them to the correct wire reply.
package fberr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide the wire-level consequence
// (FAIL reply vs session termination) without string matching.
type Kind int

const (
	// Unknown covers any error that doesn't fit a more specific kind.
	Unknown Kind = iota
	InvalidParameter
	NotAllowed
	Prohibited
	OutOfMemory
	TransportError
	FlashError
	VerificationError
)

func (k Kind) String() string {
	switch k {
	case InvalidParameter:
		return "invalid parameter"
	case NotAllowed:
		return "not allowed"
	case Prohibited:
		return "prohibited"
	case OutOfMemory:
		return "out of memory"
	case TransportError:
		return "transport error"
	case FlashError:
		return "flash error"
	case VerificationError:
		return "verification error"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind alongside the usual message chain.
type Error struct {
	Kind Kind
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

// New builds an *Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given Kind wrapping an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error; otherwise it returns Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}
