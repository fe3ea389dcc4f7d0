// Package device defines the device descriptors the provisioning core
// operates on and the detector that locates described hardware on the
// station's ports and network.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

// Type selects the provisioning mechanism for a device.
type Type string

const (
	// TypeSerialFlash provisions over a chip-specific sector programmer.
	TypeSerialFlash Type = "serial-flash"

	// TypeBlockTransfer provisions over the bootloader block-transfer
	// protocol.
	TypeBlockTransfer Type = "block-transfer"

	// TypeNetworkFlow provisions by deploying a flow document to a
	// device-local admin API over the network.
	TypeNetworkFlow Type = "network-flow"
)

// HexUint32 is a uint32 that unmarshals from decimal or 0x-prefixed
// YAML scalars, the way flash addresses are written in descriptors.
type HexUint32 uint32

func (h *HexUint32) UnmarshalYAML(value *yaml.Node) error {
	v, err := strconv.ParseUint(strings.TrimSpace(value.Value), 0, 32)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", value.Value, err)
	}
	*h = HexUint32(v)
	return nil
}

// Descriptor describes one provisionable device model. Descriptors are
// immutable once loaded; a deployment run never mutates them.
type Descriptor struct {
	ID         string     `yaml:"id"`
	Name       string     `yaml:"name"`
	Type       Type       `yaml:"type"`
	Detection  Detection  `yaml:"detection"`
	Firmware   Firmware   `yaml:"firmware"`
	Steps      []string   `yaml:"steps"`
	PostDeploy PostDeploy `yaml:"post_deployment"`
}

// Detection tells the detector how to locate the device.
type Detection struct {
	// Method is "usb-serial" or "network".
	Method string `yaml:"method"`

	// USB lists vendor/product id pairs to match, tried in order.
	USB []USBMatch `yaml:"usb"`

	// Globs are ordered port path patterns used when no USB match is
	// configured or none matches.
	Globs []string `yaml:"globs"`

	// Network configures the bounded host scan for network devices.
	Network NetworkProbe `yaml:"network"`
}

// USBMatch is a vendor/product id pair, hex without the 0x prefix as
// the OS reports them.
type USBMatch struct {
	VID string `yaml:"vid"`
	PID string `yaml:"pid"`
}

// NetworkProbe bounds the candidate scan for network-attached devices.
type NetworkProbe struct {
	// Port is the TCP port that identifies the device service.
	Port int `yaml:"port"`

	// Hosts are candidate addresses; a single entry models manual
	// address entry.
	Hosts []string `yaml:"hosts"`

	// TimeoutSeconds bounds the whole scan. Zero means 5 seconds.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// SSH credentials for devices administered over a shell (service
	// switching, payload cleanup). Ignored for pure serial devices.
	SSHPort  int    `yaml:"ssh_port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Timeout returns the scan bound as a duration.
func (n NetworkProbe) Timeout() time.Duration {
	if n.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(n.TimeoutSeconds) * time.Second
}

// Firmware names the primary payload and how to flash it.
type Firmware struct {
	// Source is a local path or URL for the primary firmware image.
	Source string `yaml:"source"`

	// Checksum optionally pins the image, "sha256:<hex>" or
	// "md5:<hex>".
	Checksum string `yaml:"checksum"`

	FlashConfig FlashConfig `yaml:"flash_config"`
}

// FlashConfig carries the transport and protocol parameters for a
// flash operation. Serial-flash and block-transfer devices use
// different subsets; Validate checks the combination against the chip
// family.
type FlashConfig struct {
	ChipFamily string `yaml:"chip_family"`
	BaudRate   int    `yaml:"baud_rate"`

	// Block-transfer parameters.
	PacketSize          int      `yaml:"packet_size"`
	TimeoutSeconds      int      `yaml:"timeout_seconds"`
	MaxRetries          int      `yaml:"max_retries"`
	RequiresPairedReset bool     `yaml:"requires_paired_reset"`
	PairedGlobs         []string `yaml:"paired_globs"`

	// Sector-programmer parameters.
	FlashMode        string `yaml:"flash_mode"`
	FlashFreq        string `yaml:"flash_freq"`
	FlashSize        string `yaml:"flash_size"`
	EraseBeforeWrite bool   `yaml:"erase_before_write"`
	VerifyAfterWrite bool   `yaml:"verify_after_write"`

	// Models are additional payloads flashed after the firmware, each
	// at its own address.
	Models []Model `yaml:"models"`
}

// Timeout returns the prompt/handshake bound as a duration.
func (f FlashConfig) Timeout() time.Duration {
	if f.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// Model is a named auxiliary payload with an explicit flash address.
type Model struct {
	Name     string    `yaml:"name"`
	Source   string    `yaml:"source"`
	Checksum string    `yaml:"checksum"`
	Address  HexUint32 `yaml:"address"`
	Offset   HexUint32 `yaml:"offset"`
	Required bool      `yaml:"required"`
	Default  bool      `yaml:"default"`
	SizeHint int64     `yaml:"size_hint"`
}

// PostDeploy describes trailing actions after a successful flash.
type PostDeploy struct {
	Reset               bool `yaml:"reset"`
	WaitForReadySeconds int  `yaml:"wait_for_ready_seconds"`
}

// Payload is one unit to transfer, derived from the descriptor with
// the resolved local path filled in by the asset resolver before the
// flash driver runs.
type Payload struct {
	Name     string
	Source   string
	Checksum string
	Address  uint32
	Offset   uint32
	Required bool
	Default  bool
	SizeHint int64

	// Path is the resolved local file. Empty until resolution.
	Path string
}

// Payloads derives the ordered transfer list: the firmware first at
// the start of flash, then each selected model at its address.
// selected maps model names to an explicit caller choice; models
// absent from the map fall back to their Default flag, and required
// models are always included.
func (d *Descriptor) Payloads(selected map[string]bool) []Payload {
	out := []Payload{{
		Name:     "firmware",
		Source:   d.Firmware.Source,
		Checksum: d.Firmware.Checksum,
		Required: true,
	}}
	for _, m := range d.Firmware.FlashConfig.Models {
		want, chosen := selected[m.Name]
		if !m.Required {
			if chosen && !want {
				continue
			}
			if !chosen && !m.Default {
				continue
			}
		}
		out = append(out, Payload{
			Name:     m.Name,
			Source:   m.Source,
			Checksum: m.Checksum,
			Address:  uint32(m.Address),
			Offset:   uint32(m.Offset),
			Required: m.Required,
			Default:  m.Default,
			SizeHint: m.SizeHint,
		})
	}
	return out
}

// chipCaps records what a chip family supports, used to validate that
// a descriptor's flash parameters are internally consistent.
type chipCaps struct {
	types       []Type
	packetSizes []int
	flashModes  []string
	pairedReset bool
}

var chipFamilies = map[string]chipCaps{
	"himax-we2": {
		types:       []Type{TypeBlockTransfer},
		packetSizes: []int{128, 1024},
		pairedReset: true,
	},
	"esp32": {
		types:      []Type{TypeSerialFlash},
		flashModes: []string{"qio", "qout", "dio", "dout"},
	},
	"esp32-s3": {
		types:      []Type{TypeSerialFlash},
		flashModes: []string{"qio", "qout", "dio", "dout"},
	},
}

func (c chipCaps) supportsType(t Type) bool {
	for _, ct := range c.types {
		if ct == t {
			return true
		}
	}
	return false
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Validate checks the descriptor for internal consistency. It must
// pass before any deployment step executes.
func (d *Descriptor) Validate() error {
	var problems []string

	if d.ID == "" {
		problems = append(problems, "id is required")
	}
	switch d.Type {
	case TypeSerialFlash, TypeBlockTransfer, TypeNetworkFlow:
	case "":
		problems = append(problems, "type is required")
	default:
		problems = append(problems, fmt.Sprintf("unknown type %q", d.Type))
	}

	switch d.Detection.Method {
	case "usb-serial":
		if d.Type == TypeNetworkFlow {
			problems = append(problems, "network-flow devices are detected over the network, not usb-serial")
		}
		if len(d.Detection.USB) == 0 && len(d.Detection.Globs) == 0 {
			problems = append(problems, "usb-serial detection needs usb matches or glob patterns")
		}
	case "network":
		if d.Type != TypeNetworkFlow {
			problems = append(problems, fmt.Sprintf("%s devices are detected over usb-serial, not network", d.Type))
		}
		if d.Detection.Network.Port <= 0 || d.Detection.Network.Port > 65535 {
			problems = append(problems, "network detection needs a valid tcp port")
		}
		if len(d.Detection.Network.Hosts) == 0 {
			problems = append(problems, "network detection needs at least one candidate host")
		}
	case "":
		problems = append(problems, "detection.method is required")
	default:
		problems = append(problems, fmt.Sprintf("unknown detection method %q", d.Detection.Method))
	}

	if d.Type != TypeNetworkFlow {
		problems = append(problems, d.validateFlash()...)
	}
	if d.Firmware.Source == "" && d.Type != TypeNetworkFlow {
		problems = append(problems, "firmware.source is required")
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.New(errors.Precondition, "descriptor %q: %s", d.ID, strings.Join(problems, "; "))
}

func (d *Descriptor) validateFlash() []string {
	var problems []string
	fc := d.Firmware.FlashConfig

	caps, known := chipFamilies[fc.ChipFamily]
	if fc.ChipFamily == "" {
		problems = append(problems, "flash_config.chip_family is required")
	} else if !known {
		problems = append(problems, fmt.Sprintf("unknown chip family %q", fc.ChipFamily))
	} else if !caps.supportsType(d.Type) {
		problems = append(problems, fmt.Sprintf("chip family %q does not support %s provisioning", fc.ChipFamily, d.Type))
	}

	if fc.BaudRate <= 0 {
		problems = append(problems, "flash_config.baud_rate must be positive")
	}

	switch d.Type {
	case TypeBlockTransfer:
		if known && fc.PacketSize != 0 && !containsInt(caps.packetSizes, fc.PacketSize) {
			problems = append(problems, fmt.Sprintf("chip family %q does not support packet size %d", fc.ChipFamily, fc.PacketSize))
		}
		if fc.RequiresPairedReset && known && !caps.pairedReset {
			problems = append(problems, fmt.Sprintf("chip family %q has no paired chip to hold in reset", fc.ChipFamily))
		}
		if fc.RequiresPairedReset && len(fc.PairedGlobs) == 0 {
			problems = append(problems, "requires_paired_reset needs paired_globs to locate the paired port")
		}
		for _, m := range fc.Models {
			if m.Name == "" || m.Source == "" {
				problems = append(problems, "every model needs a name and a source")
			}
			if m.Address == 0 {
				problems = append(problems, fmt.Sprintf("model %q needs an explicit flash address", m.Name))
			}
		}
	case TypeSerialFlash:
		if fc.FlashMode != "" && known && !containsString(caps.flashModes, fc.FlashMode) {
			problems = append(problems, fmt.Sprintf("chip family %q does not support flash mode %q", fc.ChipFamily, fc.FlashMode))
		}
		if len(fc.Models) > 0 {
			for _, m := range fc.Models {
				if m.Address == 0 && m.Offset == 0 {
					problems = append(problems, fmt.Sprintf("partition %q needs an offset", m.Name))
				}
			}
		}
	}
	return problems
}

// LoadFile parses and validates a single descriptor.
func LoadFile(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.NotFound, "load descriptor", err)
	}
	var d Descriptor
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrap(errors.Precondition, fmt.Sprintf("parse descriptor %s", filepath.Base(path)), err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
