// Package errors provides standardized error handling for mKTL components.
// It defines the error kinds that travel on the wire in the 'error' field of
// a response payload, and helper functions for consistent error wrapping and
// classification across the system.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a failure as it is reported on the wire in
// the error payload's 'type' field. Local failure classes that never reach
// the wire (timeouts, protocol violations observed by a client) share the
// same enumeration so one classifier covers both directions.
type Kind string

const (
	// KindValue reports a bad input value for a SET, an unhandled request
	// type, or a missing store.
	KindValue Kind = "ValueError"
	// KindType reports a wrong operand type used with an item.
	KindType Kind = "TypeError"
	// KindKey reports an unknown key or store in a HASH, CONFIG, or GET.
	KindKey Kind = "KeyError"
	// KindTimeout reports a missing ACK or an exceeded deadline. Timeouts
	// are raised locally and never forwarded on the wire.
	KindTimeout Kind = "TimeoutError"
	// KindProvenanceLoop reports a configuration block that originated with
	// the receiving process. Loops are silently discarded by the registry.
	KindProvenanceLoop Kind = "ProvenanceLoopError"
	// KindProtocol reports a malformed frame or an unknown wire version.
	KindProtocol Kind = "ProtocolError"
	// KindRuntime covers internal failures with no more specific kind.
	KindRuntime Kind = "RuntimeError"
)

// Standard error variables for common conditions.
var (
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStarted = errors.New("component already started")
	ErrShuttingDown   = errors.New("component is shutting down")

	ErrNoConnection = errors.New("no connection available")
	ErrNoAck        = errors.New("no acknowledgement received")

	ErrMalformedFrame = errors.New("malformed frame")
	ErrBadVersion     = errors.New("unknown protocol version")
)

// Error is a failure that can be carried in the 'error' field of a response
// payload. Type is the wire kind; Text is the human-readable description;
// Debug optionally carries extended diagnostics (a stack trace or wrapped
// error chain) and is never required for correct handling.
type Error struct {
	Type  Kind   `json:"type"`
	Text  string `json:"text"`
	Debug string `json:"debug,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return string(e.Type) + ": " + e.Text
}

// New creates a wire error of the given kind.
func New(kind Kind, text string) *Error {
	return &Error{Type: kind, Text: text}
}

// Newf creates a wire error of the given kind with a formatted description.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Type: kind, Text: fmt.Sprintf(format, args...)}
}

// KindOf returns the wire kind for an arbitrary error. Classified errors
// report their own kind; sentinel timeouts and protocol violations map to
// their kinds; everything else is a RuntimeError.
func KindOf(err error) Kind {
	if err == nil {
		return KindRuntime
	}

	var we *Error
	if errors.As(err, &we) {
		return we.Type
	}

	switch {
	case errors.Is(err, ErrNoAck):
		return KindTimeout
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, ErrBadVersion):
		return KindProtocol
	}

	return KindRuntime
}

// FromWire reconstructs a local error from the decoded 'error' payload
// object. A nil input returns nil.
func FromWire(e *Error) error {
	if e == nil {
		return nil
	}
	if e.Type == "" {
		e.Type = KindRuntime
	}
	return e
}

// ToWire converts an arbitrary error to its wire representation. Classified
// errors pass through unchanged; other errors are wrapped as their KindOf
// classification with the full error chain preserved in Debug.
func ToWire(err error) *Error {
	if err == nil {
		return nil
	}

	var we *Error
	if errors.As(err, &we) {
		return we
	}

	return &Error{
		Type:  KindOf(err),
		Text:  err.Error(),
		Debug: fmt.Sprintf("%+v", err),
	}
}

// IsTimeout checks whether an error is a local timeout, either a classified
// TimeoutError or the ErrNoAck sentinel.
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsProvenanceLoop checks whether an error reports a provenance loop.
func IsProvenanceLoop(err error) bool {
	return KindOf(err) == KindProvenanceLoop
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapKind wraps an error with context and pins its wire kind. The returned
// error unwraps to a classified *Error so KindOf and ToWire report the
// pinned kind regardless of the underlying cause.
func WrapKind(err error, kind Kind, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &Error{Type: kind, Text: wrapped.Error()}
}
