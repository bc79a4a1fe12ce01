// Package errs defines the error kinds shared by the rover and console processes.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by how the owning process reacts to it
type Kind string

const (
	// ConfigurationError is fatal: the process exits with a diagnostic
	ConfigurationError Kind = "configuration"
	// ChannelFault is a Channel entering Error; only an explicit reopen recovers it
	ChannelFault Kind = "channel"
	// ControllerLinkTimeout returns a controller link to Connecting and self-heals
	ControllerLinkTimeout Kind = "controller_timeout"
	// StreamWorkerFault is a worker crash, encoder error or lost control link
	StreamWorkerFault Kind = "stream_worker"
	// ProtocolError is an unknown or malformed shared message; the message is dropped
	ProtocolError Kind = "protocol"
)

// Error is a classified error with the operation that raised it
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether errors of this kind terminate the process
func (k Kind) Fatal() bool {
	return k == ConfigurationError
}

// New wraps err with a kind and operation name
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in err's chain
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
