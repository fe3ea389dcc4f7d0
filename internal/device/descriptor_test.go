package device

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

func blockTransferDescriptor() *Descriptor {
	return &Descriptor{
		ID:   "grove-vision-ai-we2",
		Name: "Grove Vision AI V2",
		Type: TypeBlockTransfer,
		Detection: Detection{
			Method: "usb-serial",
			USB:    []USBMatch{{VID: "1A86", PID: "55D3"}},
			Globs:  []string{"/dev/ttyACM*"},
		},
		Firmware: Firmware{
			Source: "https://assets.example.com/we2/firmware.img",
			FlashConfig: FlashConfig{
				ChipFamily: "himax-we2",
				BaudRate:   921600,
				PacketSize: 128,
				Models: []Model{
					{Name: "person-detect", Source: "https://assets.example.com/we2/person.tflite", Address: 0x400000, Default: true},
					{Name: "gesture", Source: "https://assets.example.com/we2/gesture.tflite", Address: 0x500000},
				},
			},
		},
	}
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Descriptor)
		wantErr bool
	}{
		{name: "valid", mutate: func(d *Descriptor) {}},
		{
			name:    "missing id",
			mutate:  func(d *Descriptor) { d.ID = "" },
			wantErr: true,
		},
		{
			name:    "unknown type",
			mutate:  func(d *Descriptor) { d.Type = "jtag" },
			wantErr: true,
		},
		{
			name:    "unknown chip family",
			mutate:  func(d *Descriptor) { d.Firmware.FlashConfig.ChipFamily = "rp2040" },
			wantErr: true,
		},
		{
			name: "chip family type mismatch",
			mutate: func(d *Descriptor) {
				d.Firmware.FlashConfig.ChipFamily = "esp32"
			},
			wantErr: true,
		},
		{
			name: "unsupported packet size",
			mutate: func(d *Descriptor) {
				d.Firmware.FlashConfig.PacketSize = 256
			},
			wantErr: true,
		},
		{
			name: "model without address",
			mutate: func(d *Descriptor) {
				d.Firmware.FlashConfig.Models[0].Address = 0
			},
			wantErr: true,
		},
		{
			name: "paired reset without paired globs",
			mutate: func(d *Descriptor) {
				d.Firmware.FlashConfig.RequiresPairedReset = true
			},
			wantErr: true,
		},
		{
			name: "network method on serial device",
			mutate: func(d *Descriptor) {
				d.Detection.Method = "network"
				d.Detection.Network = NetworkProbe{Port: 22, Hosts: []string{"192.168.1.2"}}
			},
			wantErr: true,
		},
		{
			name:    "missing firmware source",
			mutate:  func(d *Descriptor) { d.Firmware.Source = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := blockTransferDescriptor()
			tt.mutate(d)
			err := d.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.IsKind(err, errors.Precondition) {
					t.Errorf("error kind = %v, want precondition", errors.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate(): %v", err)
			}
		})
	}
}

func TestHexUint32(t *testing.T) {
	tests := []struct {
		in   string
		want HexUint32
	}{
		{in: `"0x400000"`, want: 0x400000},
		{in: `"4194304"`, want: 0x400000},
		{in: `"0x0"`, want: 0},
	}
	for _, tt := range tests {
		var got HexUint32
		if err := yaml.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("unmarshal %s = %#x, want %#x", tt.in, uint32(got), uint32(tt.want))
		}
	}

	var bad HexUint32
	if err := yaml.Unmarshal([]byte(`"0xZZ"`), &bad); err == nil {
		t.Error("unmarshal of invalid address succeeded")
	}
}

func TestPayloadSelection(t *testing.T) {
	d := blockTransferDescriptor()
	d.Firmware.FlashConfig.Models = append(d.Firmware.FlashConfig.Models, Model{
		Name: "wake-word", Source: "https://assets.example.com/we2/wake.tflite",
		Address: 0x600000, Required: true,
	})

	names := func(ps []Payload) []string {
		out := make([]string, len(ps))
		for i, p := range ps {
			out[i] = p.Name
		}
		return out
	}

	tests := []struct {
		name     string
		selected map[string]bool
		want     []string
	}{
		{
			name: "defaults only",
			want: []string{"firmware", "person-detect", "wake-word"},
		},
		{
			name:     "explicit opt out beats default",
			selected: map[string]bool{"person-detect": false},
			want:     []string{"firmware", "wake-word"},
		},
		{
			name:     "explicit opt in beats non-default",
			selected: map[string]bool{"gesture": true},
			want:     []string{"firmware", "person-detect", "gesture", "wake-word"},
		},
		{
			name:     "required model cannot be deselected",
			selected: map[string]bool{"wake-word": false},
			want:     []string{"firmware", "person-detect", "wake-word"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(d.Payloads(tt.selected))
			if len(got) != len(tt.want) {
				t.Fatalf("payloads = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("payloads = %v, want %v", got, tt.want)
				}
			}
		})
	}

	if d.Payloads(nil)[0].Name != "firmware" {
		t.Error("firmware payload must come first")
	}
}

const sampleYAML = `
id: grove-vision-ai-we2
name: Grove Vision AI V2
type: block-transfer
detection:
  method: usb-serial
  usb:
    - vid: "1A86"
      pid: "55D3"
  globs: ["/dev/ttyACM*"]
firmware:
  source: https://assets.example.com/we2/firmware.img
  flash_config:
    chip_family: himax-we2
    baud_rate: 921600
    packet_size: 128
    models:
      - name: person-detect
        source: https://assets.example.com/we2/person.tflite
        address: "0x400000"
        default: true
post_deployment:
  reset: true
  wait_for_ready_seconds: 5
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "we2.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if d.ID != "grove-vision-ai-we2" {
		t.Errorf("id = %q", d.ID)
	}
	if got := d.Firmware.FlashConfig.Models[0].Address; got != 0x400000 {
		t.Errorf("model address = %#x, want 0x400000", uint32(got))
	}
	if !d.PostDeploy.Reset || d.PostDeploy.WaitForReadySeconds != 5 {
		t.Errorf("post deployment = %+v", d.PostDeploy)
	}

	if _, err := LoadFile(filepath.Join(dir, "absent.yaml")); !errors.IsKind(err, errors.NotFound) {
		t.Errorf("missing file error kind = %v, want not found", errors.KindOf(err))
	}
}

func TestRegistry(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "we2.yaml"), []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	// A broken descriptor must not take the registry down.
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: broken\ntype: jtag\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if got := len(r.List()); got != 1 {
		t.Fatalf("List() returned %d descriptors, want 1", got)
	}
	if _, err := r.Get("grove-vision-ai-we2"); err != nil {
		t.Errorf("Get: %v", err)
	}
	if _, err := r.Get("broken"); !errors.IsKind(err, errors.NotFound) {
		t.Errorf("Get(broken) kind = %v, want not found", errors.KindOf(err))
	}
}
