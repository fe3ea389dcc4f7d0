// Package xfer implements the XMODEM-style block-transfer protocol the
// serial bootloaders speak: CRC16 packets with sequence numbering,
// ACK/NAK retransmission, flash-placement preamble packets, and the
// console dialogue that brackets each transfer.
package xfer

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/edgeforge-io/edgeforge/internal/transport"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// Config bounds a transfer session.
type Config struct {
	// PacketSize is the payload size per packet, 128 or 1024.
	PacketSize int

	// MaxRetries caps consecutive NAKs (or reply timeouts) on a single
	// packet before the transfer fails with a protocol error.
	MaxRetries int

	// StartTimeout bounds the wait for the receiver's start byte.
	StartTimeout time.Duration

	// AckTimeout bounds the wait for the reply to each packet.
	AckTimeout time.Duration

	// PromptTimeout bounds each console prompt wait, including the
	// post-flash reboot question which covers the device's erase time.
	PromptTimeout time.Duration

	// Prompts is the console dialogue for the target chip family.
	Prompts PromptSet
}

func (c *Config) setDefaults() {
	if c.PacketSize != PacketSize128 && c.PacketSize != PacketSize1024 {
		c.PacketSize = PacketSize128
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = 30 * time.Second
	}
}

// ProgressFunc receives the number of payload bytes acknowledged so far.
type ProgressFunc func(sent, total int64)

// Codec drives block transfers over a single transport. Not safe for
// concurrent use.
type Codec struct {
	t   transport.Transport
	cfg Config
	log log.Logger
}

// NewCodec returns a codec bound to t. The transport must already be
// in the bootloader's console; use Handshake to reach the download
// menu first.
func NewCodec(t transport.Transport, cfg Config) *Codec {
	cfg.setDefaults()
	return &Codec{
		t:   t,
		cfg: cfg,
		log: log.WithName("xfer").WithValues("target", t.Target()),
	}
}

// Handshake drives the bootloader menu until it reports ready for a
// transfer. It writes the menu-selection bytes once per second and
// scans console output for a ready marker, bounded by PromptTimeout.
func (c *Codec) Handshake(ctx context.Context) error {
	if len(c.cfg.Prompts.MenuSelect) == 0 {
		return errors.New(errors.Precondition, "no console dialogue configured")
	}
	_ = c.t.FlushInput()
	return c.waitPrompt(ctx, c.cfg.Prompts.ReadyMarkers, c.cfg.Prompts.MenuSelect)
}

// WaitReady waits for the bootloader to announce readiness for the
// next transfer without re-driving the menu.
func (c *Codec) WaitReady(ctx context.Context) error {
	return c.waitPrompt(ctx, c.cfg.Prompts.ReadyMarkers, nil)
}

// WaitDone waits for the post-flash reboot question, then answers it.
// Pass final=false to keep the session open for another payload.
func (c *Codec) WaitDone(ctx context.Context, final bool) error {
	if err := c.waitPrompt(ctx, c.cfg.Prompts.DoneMarkers, nil); err != nil {
		return err
	}
	answer := c.cfg.Prompts.Continue
	if final {
		answer = c.cfg.Prompts.ConfirmReboot
	}
	return c.t.Write(answer)
}

// waitPrompt scans console output for any of the marker substrings. If
// nudge is non-empty it is written before every scan interval, which
// is how the menu selection is repeated until the bootloader answers.
func (c *Codec) waitPrompt(ctx context.Context, markers []string, nudge []byte) error {
	deadline := time.Now().Add(c.cfg.PromptTimeout)
	var window strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.Aborted, "prompt wait", err)
		}
		if time.Now().After(deadline) {
			return errors.New(errors.Timeout, "no prompt %q within %s", markers, c.cfg.PromptTimeout)
		}
		if len(nudge) > 0 {
			if err := c.t.Write(nudge); err != nil {
				return err
			}
		}
		out, err := c.t.ReadAvailable(time.Second)
		if err != nil && !errors.IsKind(err, errors.Timeout) {
			return err
		}
		window.Write(out)
		text := window.String()
		for _, m := range markers {
			if strings.Contains(text, m) {
				return nil
			}
		}
		// Keep the scan window bounded; markers never span more than
		// one console line.
		if window.Len() > 4096 {
			tail := text[window.Len()-1024:]
			window.Reset()
			window.WriteString(tail)
		}
	}
}

// SendPreamble transfers a flash-placement preamble for the given
// address and offset as a complete single-packet session.
func (c *Codec) SendPreamble(ctx context.Context, address, offset uint32) error {
	p := Preamble(address, offset, c.cfg.PacketSize)
	return c.Send(ctx, bytes.NewReader(p), int64(len(p)), nil)
}

// Send transfers size bytes from r as a block-transfer session: wait
// for the receiver's start byte, stream sequence-numbered CRC packets
// with bounded retransmission, then terminate with EOT. progress, if
// non-nil, is called after each acknowledged packet.
//
// Cancellation is honored between packets only; the packet in flight
// completes first, then the receiver is told to abort with a double
// CAN.
func (c *Codec) Send(ctx context.Context, r io.Reader, size int64, progress ProgressFunc) error {
	if err := c.awaitStart(ctx); err != nil {
		return err
	}

	buf := make([]byte, c.cfg.PacketSize)
	var sent int64
	seq := byte(1)
	for {
		if err := ctx.Err(); err != nil {
			c.abort()
			return errors.Wrap(errors.Aborted, "block transfer", err)
		}

		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			c.abort()
			return errors.Wrap(errors.Unknown, "read payload", err)
		}
		for i := n; i < len(buf); i++ {
			buf[i] = PadByte
		}

		if err := c.sendPacket(seq, buf); err != nil {
			return err
		}
		seq++
		sent += int64(n)
		if progress != nil {
			progress(sent, size)
		}
	}

	return c.sendEOT()
}

// awaitStart waits for the receiver to request a CRC-mode transfer.
// Boot chatter still draining from the console is skipped; a plain NAK
// would request the legacy arithmetic checksum, which the bootloaders
// here never use, so anything but the CRC start byte is ignored.
func (c *Codec) awaitStart(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.StartTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(errors.Aborted, "await start", err)
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errors.New(errors.Timeout, "receiver did not request transfer within %s", c.cfg.StartTimeout)
		}
		if remaining > time.Second {
			remaining = time.Second
		}
		b, err := c.t.ReadExact(1, remaining)
		if err != nil {
			if errors.IsKind(err, errors.Timeout) {
				continue
			}
			return err
		}
		if b[0] == StartCRC {
			return nil
		}
	}
}

// sendPacket writes one sequence-numbered packet and waits for ACK,
// retransmitting on NAK or reply timeout up to MaxRetries consecutive
// failures. Retransmitted packets are byte-identical to the original.
func (c *Codec) sendPacket(seq byte, payload []byte) error {
	header := byte(SOH)
	if len(payload) == PacketSize1024 {
		header = STX
	}

	pkt := make([]byte, 0, 3+len(payload)+2)
	pkt = append(pkt, header, seq, ^seq)
	pkt = append(pkt, payload...)
	crc := Checksum(payload)
	pkt = append(pkt, byte(crc>>8), byte(crc))

	for attempt := 0; ; attempt++ {
		if attempt > c.cfg.MaxRetries {
			c.abort()
			c.t.Close()
			return errors.New(errors.Protocol, "packet %d rejected %d times", seq, attempt)
		}
		if attempt > 0 {
			c.log.Debug("retransmitting packet", "seq", seq, "attempt", attempt)
		}
		if err := c.t.Write(pkt); err != nil {
			return err
		}
		reply, err := c.t.ReadExact(1, c.cfg.AckTimeout)
		if err != nil {
			if errors.IsKind(err, errors.Timeout) {
				continue
			}
			return err
		}
		switch reply[0] {
		case ACK:
			return nil
		case NAK:
			continue
		case CAN:
			c.t.Close()
			return errors.New(errors.Protocol, "receiver cancelled at packet %d", seq)
		default:
			// Line noise; treat like a lost reply.
			continue
		}
	}
}

// sendEOT terminates the session, retrying the end marker until the
// receiver acknowledges it.
func (c *Codec) sendEOT() error {
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.t.Write([]byte{EOT}); err != nil {
			return err
		}
		reply, err := c.t.ReadExact(1, c.cfg.AckTimeout)
		if err != nil {
			if errors.IsKind(err, errors.Timeout) {
				continue
			}
			return err
		}
		if reply[0] == ACK {
			return nil
		}
	}
	c.t.Close()
	return errors.New(errors.Protocol, "end of transmission not acknowledged")
}

// abort tells the receiver to drop the session.
func (c *Codec) abort() {
	_ = c.t.Write([]byte{CAN, CAN})
}
