// Package kilnerr defines the typed error kinds surfaced from the sandbox
// core, so that the HTTP façade's status-code mapping is a pure function of
// Kind rather than string sniffing.
package kilnerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	InvalidRequest  Kind = "invalid_request"
	NotFound        Kind = "not_found"
	WrongState      Kind = "wrong_state"
	AtCapacity      Kind = "at_capacity"
	ArtifactMissing Kind = "artifact_missing"
	VmmSpawn        Kind = "vmm_spawn"
	VmmProtocol     Kind = "vmm_protocol"
	VmmUnresponsive Kind = "vmm_unresponsive"
	Transport       Kind = "transport"
	Protocol        Kind = "protocol"
	Timeout         Kind = "timeout"
	MessageTooLarge Kind = "message_too_large"
	GuestError      Kind = "guest_error"
	DiskFull        Kind = "disk_full"
	Io              Kind = "io"
)

// Error wraps an underlying error with a Kind used for façade mapping.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an Error of the given kind wrapping err, with msg as context.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, defaulting
// to Io for unrecognized errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Io
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
