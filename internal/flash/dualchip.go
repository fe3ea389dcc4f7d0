package flash

import (
	"context"
	"path/filepath"

	"github.com/edgeforge-io/edgeforge/internal/device"
	"github.com/edgeforge-io/edgeforge/internal/transport"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
	"github.com/edgeforge-io/edgeforge/pkg/log"
)

// Coordinator wraps a flash driver for boards where a paired chip
// shares the target's reset domain: it holds the paired chip in reset
// for the duration of the inner flash so it cannot reboot the target
// mid-transfer.
type Coordinator struct {
	inner Flasher
	log   log.Logger

	openPaired func(handle *device.Handle) (transport.Transport, error)
}

func NewCoordinator(inner Flasher) *Coordinator {
	c := &Coordinator{
		inner: inner,
		log:   log.WithName("flash.dualchip"),
	}
	c.openPaired = c.findPairedPort
	return c
}

// resetHold is a scoped guard over the paired chip's reset line.
// Release is idempotent and runs on every exit path.
type resetHold struct {
	t        transport.Transport
	released bool
}

func acquireHold(t transport.Transport) (*resetHold, error) {
	if err := t.SetControlLine(transport.LineRTS, false); err != nil {
		t.Close()
		return nil, errors.Wrap(errors.Precondition, "assert paired reset", err)
	}
	return &resetHold{t: t}, nil
}

func (h *resetHold) release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	_ = h.t.SetControlLine(transport.LineRTS, true)
	_ = h.t.Close()
}

func (c *Coordinator) Flash(ctx context.Context, handle *device.Handle, payloads []device.Payload, progress ProgressFunc) error {
	fc := handle.Descriptor.Firmware.FlashConfig

	paired, err := c.openPaired(handle)
	if err != nil {
		if fc.RequiresPairedReset {
			return errors.Wrap(errors.Precondition, "paired chip hold required but unavailable", err)
		}
		// The flash may still succeed without the hold, just less
		// reliably on boards with shared reset wiring.
		c.log.Warn("paired chip port unavailable, flashing without reset hold",
			"device", handle.Descriptor.ID, "err", err.Error())
		return c.inner.Flash(ctx, handle, payloads, progress)
	}

	hold, err := acquireHold(paired)
	if err != nil {
		if fc.RequiresPairedReset {
			return err
		}
		c.log.Warn("paired reset line unavailable, flashing without hold",
			"device", handle.Descriptor.ID, "err", err.Error())
		return c.inner.Flash(ctx, handle, payloads, progress)
	}
	defer hold.release()

	c.log.Info("holding paired chip in reset", "device", handle.Descriptor.ID, "paired", paired.Target())
	return c.inner.Flash(ctx, handle, payloads, progress)
}

// findPairedPort locates the paired chip's port by the descriptor's
// paired glob patterns, skipping the port the target itself answered
// on.
func (c *Coordinator) findPairedPort(handle *device.Handle) (transport.Transport, error) {
	fc := handle.Descriptor.Firmware.FlashConfig
	for _, pattern := range fc.PairedGlobs {
		candidates, err := filepath.Glob(pattern)
		if err != nil {
			return nil, errors.Wrap(errors.Precondition, "paired glob", err)
		}
		for _, path := range candidates {
			if path == handle.Port {
				continue
			}
			t, err := transport.OpenSerial(path, transport.SerialParams{BaudRate: fc.BaudRate})
			if err != nil {
				continue
			}
			return t, nil
		}
	}
	return nil, errors.New(errors.NotFound, "no paired port matches %v", fc.PairedGlobs)
}
