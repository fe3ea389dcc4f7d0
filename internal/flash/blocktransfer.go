package flash

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/edgeforge-io/edgeforge/internal/device"
	"github.com/edgeforge-io/edgeforge/internal/transport"
	"github.com/edgeforge-io/edgeforge/internal/xfer"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// session is the slice of the codec the driver drives. Narrowed to an
// interface so the transfer ordering is testable without a device.
type session interface {
	Handshake(ctx context.Context) error
	Send(ctx context.Context, r io.Reader, size int64, progress xfer.ProgressFunc) error
	SendPreamble(ctx context.Context, address, offset uint32) error
	WaitDone(ctx context.Context, final bool) error
}

// BlockTransfer flashes devices whose bootloader speaks the
// block-transfer console protocol: firmware first at the start of
// flash, then each model payload at its own address announced by a
// preamble packet.
type BlockTransfer struct {
	log log.Logger

	open       func(port string, baud int) (transport.Transport, error)
	newSession func(t transport.Transport, cfg xfer.Config) session
}

func NewBlockTransfer() *BlockTransfer {
	return &BlockTransfer{
		log: log.WithName("flash.blocktransfer"),
		open: func(port string, baud int) (transport.Transport, error) {
			return transport.OpenSerial(port, transport.SerialParams{BaudRate: baud})
		},
		newSession: func(t transport.Transport, cfg xfer.Config) session {
			return xfer.NewCodec(t, cfg)
		},
	}
}

func (b *BlockTransfer) Flash(ctx context.Context, handle *device.Handle, payloads []device.Payload, progress ProgressFunc) error {
	if len(payloads) == 0 {
		return errors.New(errors.Precondition, "nothing to flash")
	}
	fc := handle.Descriptor.Firmware.FlashConfig

	prompts, ok := xfer.PromptsFor(fc.ChipFamily)
	if !ok {
		return errors.New(errors.Precondition, "chip family %q has no bootloader dialogue", fc.ChipFamily)
	}

	t, err := b.open(handle.Port, fc.BaudRate)
	if err != nil {
		return err
	}
	defer t.Close()

	s := b.newSession(t, xfer.Config{
		PacketSize:    fc.PacketSize,
		MaxRetries:    fc.MaxRetries,
		PromptTimeout: fc.Timeout(),
		Prompts:       prompts,
	})

	b.log.Info("entering bootloader", "device", handle.Descriptor.ID, "port", handle.Port)
	if err := s.Handshake(ctx); err != nil {
		return err
	}

	for i, p := range payloads {
		if i > 0 {
			// Announce where the next payload lands before sending it.
			if err := s.WaitDone(ctx, false); err != nil {
				return err
			}
			if err := s.SendPreamble(ctx, p.Address, p.Offset); err != nil {
				return err
			}
			if err := s.WaitDone(ctx, false); err != nil {
				return err
			}
		}
		if err := b.sendPayload(ctx, s, p, progress); err != nil {
			return err
		}
	}

	return s.WaitDone(ctx, true)
}

func (b *BlockTransfer) sendPayload(ctx context.Context, s session, p device.Payload, progress ProgressFunc) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return errors.Wrap(errors.NotFound, fmt.Sprintf("payload %q", p.Name), err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(errors.Unknown, fmt.Sprintf("payload %q", p.Name), err)
	}

	b.log.Info("transferring payload", "payload", p.Name, "bytes", fi.Size(), "address", fmt.Sprintf("%#x", p.Address))
	return s.Send(ctx, f, fi.Size(), func(sent, total int64) {
		if progress != nil {
			progress(Progress{Payload: p.Name, Done: sent, Total: total})
		}
	})
}
