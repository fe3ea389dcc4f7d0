// Package transport abstracts the byte-oriented duplex channels used to talk
// to devices: USB-serial ports and SSH connections. A process-wide registry
// guarantees that at most one operation holds a given port or host at a time.
package transport

import (
	"time"
)

// ControlLine names a hardware control signal on a serial transport.
type ControlLine string

const (
	// LineDTR is the Data Terminal Ready line. On paired-chip boards it is
	// wired to the secondary chip's boot-select pin.
	LineDTR ControlLine = "dtr"

	// LineRTS is the Request To Send line, wired to reset on most
	// USB-serial adapter boards.
	LineRTS ControlLine = "rts"
)

// Transport is a byte-oriented duplex channel to a device.
//
// Implementations are not safe for concurrent use; the registry ensures a
// transport has a single owner for the duration of an operation.
type Transport interface {
	// ReadExact reads exactly n bytes, failing with a Timeout-kind error
	// if fewer arrive within the deadline. Callers must treat Timeout as
	// potentially retryable, not fatal.
	ReadExact(n int, timeout time.Duration) ([]byte, error)

	// ReadAvailable returns whatever bytes are pending, waiting at most
	// the given duration for the first byte. Used by prompt scanners.
	ReadAvailable(timeout time.Duration) ([]byte, error)

	// Write sends the full buffer.
	Write(p []byte) error

	// SetControlLine drives a control signal. level=false asserts the
	// line low (active). Transports without control lines return a
	// Precondition-kind error.
	SetControlLine(line ControlLine, level bool) error

	// FlushInput discards pending inbound bytes.
	FlushInput() error

	// Close releases the transport and its registry claim. Idempotent.
	Close() error

	// Target returns the port path or host the transport is bound to.
	Target() string
}
