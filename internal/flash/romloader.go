package flash

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/edgeforge-io/edgeforge/internal/transport"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

// ROM loader command opcodes.
const (
	cmdFlashBegin  = 0x02
	cmdFlashData   = 0x03
	cmdFlashEnd    = 0x04
	cmdSync        = 0x08
	cmdSpiFlashMD5 = 0x13
)

// SLIP framing bytes.
const (
	slipEnd    = 0xC0
	slipEsc    = 0xDB
	slipEscEnd = 0xDC
	slipEscEsc = 0xDD
)

const (
	flashSectorSize = 0x1000
	flashWriteSize  = 0x400
	checksumSeed    = 0xEF

	maxSyncAttempts = 5
)

// romErrors maps ROM loader status codes to messages.
var romErrors = map[byte]string{
	0x05: "invalid message",
	0x06: "failed to act",
	0x07: "invalid crc",
	0x08: "flash write error",
	0x09: "flash read error",
	0x0A: "flash read length error",
	0x0B: "deflate error",
}

// loader is the slice of the ROM loader the sector driver drives.
// Narrowed to an interface so the drive sequence is testable without
// hardware.
type loader interface {
	EnterBootloader() error
	Sync(ctx context.Context) error
	FlashImage(ctx context.Context, addr uint32, data []byte, eraseFirst bool, progress func(done, total int64)) error
	Verify(addr uint32, data []byte) error
	Reset() error
}

// romLoader speaks the SLIP-framed ROM serial loader protocol.
type romLoader struct {
	t       transport.Transport
	timeout time.Duration
}

func newROMLoader(t transport.Transport) loader {
	return &romLoader{t: t, timeout: 3 * time.Second}
}

// EnterBootloader runs the control-line dance that holds the boot
// strap pin while pulsing reset, dropping the chip into its serial
// loader. DTR drives the boot pin, RTS drives reset; low is asserted.
func (r *romLoader) EnterBootloader() error {
	if err := r.t.SetControlLine(transport.LineDTR, true); err != nil {
		return err
	}
	if err := r.t.SetControlLine(transport.LineRTS, false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	if err := r.t.SetControlLine(transport.LineDTR, false); err != nil {
		return err
	}
	if err := r.t.SetControlLine(transport.LineRTS, true); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	if err := r.t.SetControlLine(transport.LineDTR, true); err != nil {
		return err
	}
	return r.t.FlushInput()
}

// Sync establishes the command channel with the loader.
func (r *romLoader) Sync(ctx context.Context) error {
	payload := append([]byte{0x07, 0x07, 0x12, 0x20}, bytes.Repeat([]byte{0x55}, 32)...)
	var err error
	for attempt := 0; attempt < maxSyncAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return errors.Wrap(errors.Aborted, "loader sync", cerr)
		}
		_ = r.t.FlushInput()
		if _, _, err = r.command(cmdSync, payload, 0); err == nil {
			// The loader answers a sync burst with several frames;
			// drain the leftovers.
			_, _ = r.t.ReadAvailable(100 * time.Millisecond)
			_ = r.t.FlushInput()
			return nil
		}
	}
	return errors.Wrap(errors.Timeout, "loader sync", err)
}

// FlashImage erases and writes data at addr in loader-size blocks.
func (r *romLoader) FlashImage(ctx context.Context, addr uint32, data []byte, eraseFirst bool, progress func(done, total int64)) error {
	blocks := (len(data) + flashWriteSize - 1) / flashWriteSize
	eraseSize := uint32(len(data))
	if eraseFirst {
		eraseSize = alignUp(uint32(len(data)), flashSectorSize)
	}

	begin := make([]byte, 16)
	binary.LittleEndian.PutUint32(begin[0:], eraseSize)
	binary.LittleEndian.PutUint32(begin[4:], uint32(blocks))
	binary.LittleEndian.PutUint32(begin[8:], flashWriteSize)
	binary.LittleEndian.PutUint32(begin[12:], addr)
	if _, _, err := r.command(cmdFlashBegin, begin, 0); err != nil {
		return err
	}

	for seq := 0; seq < blocks; seq++ {
		if cerr := ctx.Err(); cerr != nil {
			return errors.Wrap(errors.Aborted, "flash write", cerr)
		}
		start := seq * flashWriteSize
		end := start + flashWriteSize
		if end > len(data) {
			end = len(data)
		}
		block := make([]byte, flashWriteSize)
		for i := range block {
			block[i] = 0xFF
		}
		copy(block, data[start:end])

		payload := make([]byte, 16+len(block))
		binary.LittleEndian.PutUint32(payload[0:], uint32(len(block)))
		binary.LittleEndian.PutUint32(payload[4:], uint32(seq))
		copy(payload[16:], block)
		if _, _, err := r.command(cmdFlashData, payload, xorChecksum(block)); err != nil {
			return err
		}
		if progress != nil {
			progress(int64(end), int64(len(data)))
		}
	}
	return nil
}

// Verify compares the written region's MD5 against the image.
func (r *romLoader) Verify(addr uint32, data []byte) error {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint32(payload[0:], addr)
	binary.LittleEndian.PutUint32(payload[4:], uint32(len(data)))
	_, resp, err := r.command(cmdSpiFlashMD5, payload, 0)
	if err != nil {
		return err
	}

	want := md5.Sum(data)
	// The ROM answers with 32 hex characters, the stub loader with 16
	// raw bytes.
	switch {
	case len(resp) >= 32 && bytes.EqualFold(resp[:32], []byte(hex.EncodeToString(want[:]))):
		return nil
	case len(resp) >= md5.Size && bytes.Equal(resp[:md5.Size], want[:]):
		return nil
	}
	return errors.New(errors.ChecksumMismatch, "flash verify failed at %#x (%d bytes)", addr, len(data))
}

// Reset pulses the reset line to reboot into the written firmware.
func (r *romLoader) Reset() error {
	if err := r.t.SetControlLine(transport.LineRTS, false); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return r.t.SetControlLine(transport.LineRTS, true)
}

// command sends one SLIP-framed request and decodes the response.
func (r *romLoader) command(cmd byte, payload []byte, checksum uint32) (value uint32, data []byte, err error) {
	req := make([]byte, 8+len(payload))
	req[0] = 0x00
	req[1] = cmd
	binary.LittleEndian.PutUint16(req[2:], uint16(len(payload)))
	binary.LittleEndian.PutUint32(req[4:], checksum)
	copy(req[8:], payload)

	if err := r.t.Write(slipEncode(req)); err != nil {
		return 0, nil, err
	}

	// Responses to other requests may still be in flight; skip frames
	// until the one for this command arrives.
	deadline := time.Now().Add(r.timeout)
	for {
		if time.Now().After(deadline) {
			return 0, nil, errors.New(errors.Timeout, "no response to command %#02x", cmd)
		}
		frame, err := r.readFrame(time.Until(deadline))
		if err != nil {
			return 0, nil, err
		}
		if len(frame) < 10 || frame[0] != 0x01 || frame[1] != cmd {
			continue
		}
		value = binary.LittleEndian.Uint32(frame[4:8])
		body := frame[8:]
		status, code := body[len(body)-2], body[len(body)-1]
		if status != 0 {
			msg, ok := romErrors[code]
			if !ok {
				msg = "unknown loader error"
			}
			return 0, nil, errors.New(errors.Protocol, "command %#02x: %s", cmd, msg)
		}
		return value, body[:len(body)-2], nil
	}
}

// readFrame reads one SLIP frame, unescaping as it goes.
func (r *romLoader) readFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	var frame []byte
	inFrame := false
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.New(errors.Timeout, "slip frame incomplete")
		}
		b, err := r.t.ReadExact(1, remaining)
		if err != nil {
			return nil, err
		}
		switch b[0] {
		case slipEnd:
			if inFrame && len(frame) > 0 {
				return frame, nil
			}
			inFrame = true
		case slipEsc:
			nxt, err := r.t.ReadExact(1, time.Until(deadline))
			if err != nil {
				return nil, err
			}
			switch nxt[0] {
			case slipEscEnd:
				frame = append(frame, slipEnd)
			case slipEscEsc:
				frame = append(frame, slipEsc)
			default:
				return nil, errors.New(errors.Protocol, "invalid slip escape %#02x", nxt[0])
			}
		default:
			if inFrame {
				frame = append(frame, b[0])
			}
		}
	}
}

func slipEncode(p []byte) []byte {
	out := make([]byte, 0, len(p)+8)
	out = append(out, slipEnd)
	for _, b := range p {
		switch b {
		case slipEnd:
			out = append(out, slipEsc, slipEscEnd)
		case slipEsc:
			out = append(out, slipEsc, slipEscEsc)
		default:
			out = append(out, b)
		}
	}
	return append(out, slipEnd)
}

func xorChecksum(data []byte) uint32 {
	sum := byte(checksumSeed)
	for _, b := range data {
		sum ^= b
	}
	return uint32(sum)
}

func alignUp(v, to uint32) uint32 {
	return (v + to - 1) &^ (to - 1)
}
