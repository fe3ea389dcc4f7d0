package flash

import (
	"context"
	"fmt"
	"os"

	"github.com/edgeforge-io/edgeforge/internal/device"
	"github.com/edgeforge-io/edgeforge/internal/transport"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// Sector flashes chips that expose a ROM serial loader: each payload
// is written at its declared offset, optionally sector-erased first
// and verified by hash read-back.
type Sector struct {
	log log.Logger

	open      func(port string, baud int) (transport.Transport, error)
	newLoader func(t transport.Transport) loader
}

func NewSector() *Sector {
	return &Sector{
		log: log.WithName("flash.sector"),
		open: func(port string, baud int) (transport.Transport, error) {
			return transport.OpenSerial(port, transport.SerialParams{BaudRate: baud})
		},
		newLoader: newROMLoader,
	}
}

func (s *Sector) Flash(ctx context.Context, handle *device.Handle, payloads []device.Payload, progress ProgressFunc) error {
	if len(payloads) == 0 {
		return errors.New(errors.Precondition, "nothing to flash")
	}
	fc := handle.Descriptor.Firmware.FlashConfig

	t, err := s.open(handle.Port, fc.BaudRate)
	if err != nil {
		return err
	}
	defer t.Close()

	ld := s.newLoader(t)
	if err := ld.EnterBootloader(); err != nil {
		return err
	}
	if err := ld.Sync(ctx); err != nil {
		return err
	}
	s.log.Info("loader synced", "device", handle.Descriptor.ID, "port", handle.Port)

	for _, p := range payloads {
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return errors.Wrap(errors.NotFound, fmt.Sprintf("payload %q", p.Name), err)
		}
		addr := p.Address
		if addr == 0 {
			addr = p.Offset
		}

		s.log.Info("writing payload", "payload", p.Name, "bytes", len(data), "offset", fmt.Sprintf("%#x", addr))
		err = ld.FlashImage(ctx, addr, data, fc.EraseBeforeWrite, func(done, total int64) {
			if progress != nil {
				progress(Progress{Payload: p.Name, Done: done, Total: total})
			}
		})
		if err != nil {
			return err
		}

		if fc.VerifyAfterWrite {
			if err := ld.Verify(addr, data); err != nil {
				return err
			}
		}
	}

	return ld.Reset()
}
