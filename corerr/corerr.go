// Package corerr defines the error kinds shared across the torrent core.
//
// Every fallible operation in bencode, metainfo, filestore, tracker,
// handshake and peer wraps its underlying error in a *Error tagged with
// one of the Kind constants below, so callers can branch on the kind with
// errors.As instead of matching error strings.
package corerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// Unknown is the zero value; it should never be returned deliberately.
	Unknown Kind = iota
	// MalformedInput marks a bencode lexical error, an unexpected field, or
	// a nesting depth violation.
	MalformedInput
	// MissingField marks a required metainfo field that was absent.
	MissingField
	// AlreadyExists marks a backing file path occupied with the wrong size.
	AlreadyExists
	// Io marks an OS-level read/write/permission failure.
	Io
	// ProtocolViolation marks a tracker action/transaction mismatch, a bad
	// handshake, or a malformed bitfield.
	ProtocolViolation
	// Timeout marks an elapsed tracker or handshake deadline.
	Timeout
	// Canceled marks a task shutdown requested via context cancellation.
	Canceled
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed_input"
	case MissingField:
		return "missing_field"
	case AlreadyExists:
		return "already_exists"
	case Io:
		return "io"
	case ProtocolViolation:
		return "protocol_violation"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with the given kind and operation label. Returns nil if
// err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err is (or wraps) a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
