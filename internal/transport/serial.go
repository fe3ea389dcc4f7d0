package transport

import (
	stderrors "errors"
	"time"

	"go.bug.st/serial"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// SerialParams configures a serial transport.
type SerialParams struct {
	BaudRate int
}

type serialTransport struct {
	port   serial.Port
	target string
	closed bool
}

// OpenSerial opens an exclusive serial transport on the given port path.
func OpenSerial(portPath string, params SerialParams) (Transport, error) {
	if err := ports.acquire(portPath); err != nil {
		return nil, err
	}

	mode := &serial.Mode{BaudRate: params.BaudRate}
	p, err := serial.Open(portPath, mode)
	if err != nil {
		ports.release(portPath)
		return nil, mapSerialError(portPath, err)
	}

	log.Debug("Opened serial transport", "port", portPath, "baud", params.BaudRate)
	return &serialTransport{port: p, target: portPath}, nil
}

func mapSerialError(portPath string, err error) error {
	var portErr *serial.PortError
	if stderrors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound:
			return errors.Wrap(errors.NotFound, "serial open "+portPath, err)
		case serial.PortBusy:
			return errors.Wrap(errors.Busy, "serial open "+portPath, err)
		case serial.PermissionDenied:
			return errors.Wrap(errors.PermissionDenied, "serial open "+portPath, err)
		}
	}
	return errors.Wrap(errors.NotFound, "serial open "+portPath, err)
}

func (t *serialTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)

	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return buf[:got], errors.New(errors.Timeout, "read %d/%d bytes from %s within %v", got, n, t.target, timeout)
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return buf[:got], errors.Wrap(errors.Protocol, "set read timeout", err)
		}

		k, err := t.port.Read(buf[got:])
		if err != nil {
			return buf[:got], errors.Wrap(errors.Protocol, "serial read", err)
		}
		if k == 0 {
			// Zero-byte read with a read timeout set means the deadline hit.
			return buf[:got], errors.New(errors.Timeout, "read %d/%d bytes from %s within %v", got, n, t.target, timeout)
		}
		got += k
	}
	return buf, nil
}

func (t *serialTransport) ReadAvailable(timeout time.Duration) ([]byte, error) {
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return nil, errors.Wrap(errors.Protocol, "set read timeout", err)
	}

	buf := make([]byte, 4096)
	n, err := t.port.Read(buf)
	if err != nil {
		return nil, errors.Wrap(errors.Protocol, "serial read", err)
	}
	return buf[:n], nil
}

func (t *serialTransport) Write(p []byte) error {
	for len(p) > 0 {
		n, err := t.port.Write(p)
		if err != nil {
			return errors.Wrap(errors.Protocol, "serial write", err)
		}
		p = p[n:]
	}
	return nil
}

func (t *serialTransport) SetControlLine(line ControlLine, level bool) error {
	var err error
	switch line {
	case LineDTR:
		err = t.port.SetDTR(level)
	case LineRTS:
		err = t.port.SetRTS(level)
	default:
		return errors.New(errors.Precondition, "unknown control line %q", line)
	}
	return errors.Wrap(errors.Protocol, "set control line "+string(line), err)
}

func (t *serialTransport) FlushInput() error {
	return errors.Wrap(errors.Protocol, "flush input", t.port.ResetInputBuffer())
}

func (t *serialTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	err := t.port.Close()
	ports.release(t.target)
	log.Debug("Closed serial transport", "port", t.target)
	return errors.Wrap(errors.Protocol, "serial close", err)
}

func (t *serialTransport) Target() string { return t.target }
