// Package errors defines the error taxonomy shared by all provisioning
// components. Every failure that crosses a component boundary carries a Kind
// so the plan engine and the presentation layer can decide between retry,
// abort, and operator intervention without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for policy decisions.
type Kind uint8

const (
	// Unknown is the zero Kind, used when no classification applies.
	Unknown Kind = iota

	// NotFound means a device, port, or host is absent.
	NotFound

	// Busy means a transport is held by another operation or process.
	Busy

	// PermissionDenied means the OS refused access to a port or file.
	PermissionDenied

	// Timeout means a bounded wait elapsed. Retryable.
	Timeout

	// Protocol means checksum failure or NAK exhaustion on the wire.
	// Not retryable without operator intervention.
	Protocol

	// Precondition means a descriptor is internally inconsistent or a
	// required resource (such as a paired-chip hold) is unavailable.
	Precondition

	// DownloadFailed means a remote asset could not be fetched.
	DownloadFailed

	// ChecksumMismatch means a downloaded or written asset failed
	// integrity verification.
	ChecksumMismatch

	// PartialSwitch means a mode switch left the device inconsistent.
	// Must be surfaced, never silently retried.
	PartialSwitch

	// Aborted means the caller cancelled the operation.
	Aborted

	// Auth means authentication to a remote device failed.
	Auth
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Busy:
		return "busy"
	case PermissionDenied:
		return "permission denied"
	case Timeout:
		return "timeout"
	case Protocol:
		return "protocol error"
	case Precondition:
		return "precondition failed"
	case DownloadFailed:
		return "download failed"
	case ChecksumMismatch:
		return "checksum mismatch"
	case PartialSwitch:
		return "partial mode switch"
	case Aborted:
		return "aborted"
	case Auth:
		return "authentication failed"
	}
	return "unknown error"
}

// Retryable reports whether an error of this Kind is worth presenting with a
// suggested retry. Protocol, Precondition, PartialSwitch and ChecksumMismatch
// failures need operator intervention first.
func (k Kind) Retryable() bool {
	switch k {
	case Timeout, Busy, NotFound:
		return true
	}
	return false
}

// Error is a classified error with optional operation context.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a formatted detail message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under kind with operation context. Returns nil if err
// is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from err, unwrapping as needed. Unclassified
// errors report Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Detail returns a human-readable description suitable for the result
// surface: the Kind name plus the underlying message.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
