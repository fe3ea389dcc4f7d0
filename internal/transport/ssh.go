package transport

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// SSHParams configures an SSH transport.
type SSHParams struct {
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// SSHTransport is a Transport backed by an interactive SSH shell, plus an
// exec surface for one-shot remote commands (used by the mode switcher and
// remote verification).
type SSHTransport struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	target string
	closed bool

	// inbound carries bytes from the shell's stdout reader goroutine.
	inbound chan byte
	// pending holds bytes consumed from inbound but not yet delivered.
	pending []byte
}

// OpenSSH dials host, authenticates, and opens an interactive shell channel.
// Authentication failures surface as Auth-kind errors; unreachable hosts as
// NotFound.
func OpenSSH(host string, params SSHParams) (*SSHTransport, error) {
	if params.Port == 0 {
		params.Port = 22
	}
	if params.Timeout == 0 {
		params.Timeout = 30 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", host, params.Port)
	if err := ports.acquire(addr); err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            params.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(params.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         params.Timeout,
	}

	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		ports.release(addr)
		return nil, mapSSHError(addr, err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		ports.release(addr)
		return nil, errors.Wrap(errors.Protocol, "ssh session "+addr, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		ports.release(addr)
		return nil, errors.Wrap(errors.Protocol, "ssh stdin "+addr, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		ports.release(addr)
		return nil, errors.Wrap(errors.Protocol, "ssh stdout "+addr, err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		ports.release(addr)
		return nil, errors.Wrap(errors.Protocol, "ssh shell "+addr, err)
	}

	t := &SSHTransport{
		client:  client,
		session: session,
		stdin:   stdin,
		target:  addr,
		inbound: make(chan byte, 64*1024),
	}
	go t.pump(stdout)

	log.Debug("Opened SSH transport", "addr", addr, "user", params.Username)
	return t, nil
}

func mapSSHError(addr string, err error) error {
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "auth") && strings.Contains(err.Error(), "fail") {
		return errors.Wrap(errors.Auth, "ssh dial "+addr, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.Timeout, "ssh dial "+addr, err)
	}
	return errors.Wrap(errors.NotFound, "ssh dial "+addr, err)
}

// pump drains the shell's stdout into the inbound channel until EOF.
func (t *SSHTransport) pump(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			t.inbound <- b
		}
		if err != nil {
			close(t.inbound)
			return
		}
	}
}

func (t *SSHTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	out := make([]byte, 0, n)

	// Serve buffered bytes first.
	if len(t.pending) > 0 {
		take := min(len(t.pending), n)
		out = append(out, t.pending[:take]...)
		t.pending = t.pending[take:]
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(out) < n {
		select {
		case b, ok := <-t.inbound:
			if !ok {
				return out, errors.New(errors.Protocol, "ssh channel closed after %d/%d bytes", len(out), n)
			}
			out = append(out, b)
		case <-timer.C:
			return out, errors.New(errors.Timeout, "read %d/%d bytes from %s within %v", len(out), n, t.target, timeout)
		}
	}
	return out, nil
}

func (t *SSHTransport) ReadAvailable(timeout time.Duration) ([]byte, error) {
	out := append([]byte(nil), t.pending...)
	t.pending = nil

	if len(out) == 0 {
		// Wait up to the deadline for the first byte.
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case b, ok := <-t.inbound:
			if !ok {
				return out, nil
			}
			out = append(out, b)
		case <-timer.C:
			return out, nil
		}
	}

	// Drain whatever else is already queued.
	for {
		select {
		case b, ok := <-t.inbound:
			if !ok {
				return out, nil
			}
			out = append(out, b)
		default:
			return out, nil
		}
	}
}

func (t *SSHTransport) Write(p []byte) error {
	_, err := t.stdin.Write(p)
	return errors.Wrap(errors.Protocol, "ssh write", err)
}

// SetControlLine is not available over SSH; paired-chip holds require a
// serial transport.
func (t *SSHTransport) SetControlLine(line ControlLine, level bool) error {
	return errors.New(errors.Precondition, "ssh transport %s has no control line %q", t.target, line)
}

func (t *SSHTransport) FlushInput() error {
	t.pending = nil
	for {
		select {
		case _, ok := <-t.inbound:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

func (t *SSHTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true

	t.session.Close()
	err := t.client.Close()
	ports.release(t.target)
	log.Debug("Closed SSH transport", "addr", t.target)
	return errors.Wrap(errors.Protocol, "ssh close", err)
}

func (t *SSHTransport) Target() string { return t.target }

// Run executes a single remote command on a fresh session and returns its
// combined output. A non-zero exit status is reported through exitCode, not
// err, so callers can branch on it.
func (t *SSHTransport) Run(ctx context.Context, cmd string) (output string, exitCode int, err error) {
	session, err := t.client.NewSession()
	if err != nil {
		return "", -1, errors.Wrap(errors.Protocol, "ssh session", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	session.Stderr = &buf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return buf.String(), -1, errors.Wrap(errors.Aborted, "ssh run", ctx.Err())
	case runErr := <-done:
		if runErr == nil {
			return buf.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if stderrors.As(runErr, &exitErr) {
			return buf.String(), exitErr.ExitStatus(), nil
		}
		return buf.String(), -1, errors.Wrap(errors.Protocol, "ssh run", runErr)
	}
}
