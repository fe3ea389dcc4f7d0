package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SerialOptions)(nil)

// SerialOptions carries station-wide defaults for serial transports.
// Per-device values from the descriptor always take precedence; these only
// fill gaps for descriptors that omit protocol parameters.
type SerialOptions struct {
	// BaudRate used when a descriptor does not declare one.
	BaudRate int `json:"baud-rate" mapstructure:"baud-rate"`

	// HandshakeTimeout bounds the bootstrap menu handshake.
	HandshakeTimeout time.Duration `json:"handshake-timeout" mapstructure:"handshake-timeout"`
}

func NewSerialOptions() *SerialOptions {
	return &SerialOptions{
		BaudRate:         921600,
		HandshakeTimeout: 30 * time.Second,
	}
}

func (o *SerialOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := []error{}

	if o.BaudRate <= 0 {
		errors = append(errors, fmt.Errorf("serial.baud-rate must be positive, got %d", o.BaudRate))
	}

	return errors
}

func (o *SerialOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.IntVar(&o.BaudRate, "serial.baud-rate", o.BaudRate, "Default baud rate for serial transports.")
	fs.DurationVar(&o.HandshakeTimeout, "serial.handshake-timeout", o.HandshakeTimeout, "Overall bound for the bootloader menu handshake.")
}
