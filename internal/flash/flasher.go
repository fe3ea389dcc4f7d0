// Package flash implements the flashing drivers: a sector programmer
// speaking the ROM-loader command protocol, a block-transfer driver
// speaking the bootloader console protocol, and the dual-chip
// coordinator that holds a paired chip in reset around either.
package flash

import (
	"context"

	"github.com/edgeforge-io/edgeforge/internal/device"
	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

// Progress reports payload transfer advancement in acknowledged bytes.
type Progress struct {
	Payload string
	Done    int64
	Total   int64
}

// ProgressFunc receives progress updates during a flash operation. May
// be nil.
type ProgressFunc func(Progress)

// Flasher writes payloads to a located device. Implementations must be
// cancellable: on context cancellation they finish the packet in
// flight, attempt a protocol-level abort where the protocol defines
// one, and always release the transport.
type Flasher interface {
	Flash(ctx context.Context, handle *device.Handle, payloads []device.Payload, progress ProgressFunc) error
}

// New selects the driver for a descriptor, wrapping it in the
// dual-chip coordinator when the descriptor names a paired chip.
func New(desc *device.Descriptor) (Flasher, error) {
	var f Flasher
	switch desc.Type {
	case device.TypeSerialFlash:
		f = NewSector()
	case device.TypeBlockTransfer:
		f = NewBlockTransfer()
	default:
		return nil, errors.New(errors.Precondition, "device type %q has no flash driver", desc.Type)
	}
	if len(desc.Firmware.FlashConfig.PairedGlobs) > 0 {
		f = NewCoordinator(f)
	}
	return f, nil
}
