package flash

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/edgeforge-io/edgeforge/pkg/errors"
)

func TestSlipEncode(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want []byte
	}{
		{
			name: "plain bytes",
			in:   []byte{0x01, 0x02},
			want: []byte{slipEnd, 0x01, 0x02, slipEnd},
		},
		{
			name: "end byte escaped",
			in:   []byte{0xC0},
			want: []byte{slipEnd, slipEsc, slipEscEnd, slipEnd},
		},
		{
			name: "escape byte escaped",
			in:   []byte{0xDB},
			want: []byte{slipEnd, slipEsc, slipEscEsc, slipEnd},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := slipEncode(tt.in); !bytes.Equal(got, tt.want) {
				t.Errorf("slipEncode(% X) = % X, want % X", tt.in, got, tt.want)
			}
		})
	}
}

func TestXorChecksum(t *testing.T) {
	if got := xorChecksum(nil); got != checksumSeed {
		t.Errorf("empty checksum = %#x, want seed", got)
	}
	if got := xorChecksum([]byte{0xEF}); got != 0 {
		t.Errorf("seed-cancelling checksum = %#x, want 0", got)
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct{ v, to, want uint32 }{
		{v: 0, to: 0x1000, want: 0},
		{v: 1, to: 0x1000, want: 0x1000},
		{v: 0x1000, to: 0x1000, want: 0x1000},
		{v: 0x1001, to: 0x1000, want: 0x2000},
	}
	for _, tt := range tests {
		if got := alignUp(tt.v, tt.to); got != tt.want {
			t.Errorf("alignUp(%#x, %#x) = %#x, want %#x", tt.v, tt.to, got, tt.want)
		}
	}
}

// loaderResponse builds a SLIP-framed loader response for cmd.
func loaderResponse(cmd byte, value uint32, body []byte, status, code byte) []byte {
	payload := append(append([]byte(nil), body...), status, code)
	frame := make([]byte, 8+len(payload))
	frame[0] = 0x01
	frame[1] = cmd
	binary.LittleEndian.PutUint16(frame[2:], uint16(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:], value)
	copy(frame[8:], payload)
	return slipEncode(frame)
}

func TestROMLoaderCommand(t *testing.T) {
	port := &fakeTransport{target: "/dev/ttyACM0"}
	port.readData = loaderResponse(cmdFlashBegin, 0, nil, 0, 0)

	r := &romLoader{t: port, timeout: time.Second}
	if _, _, err := r.command(cmdFlashBegin, []byte{0x00}, 0); err != nil {
		t.Fatalf("command: %v", err)
	}
}

func TestROMLoaderCommandStatusError(t *testing.T) {
	port := &fakeTransport{target: "/dev/ttyACM0"}
	port.readData = loaderResponse(cmdFlashData, 0, nil, 1, 0x08)

	r := &romLoader{t: port, timeout: time.Second}
	_, _, err := r.command(cmdFlashData, []byte{0x00}, 0)
	if !errors.IsKind(err, errors.Protocol) {
		t.Fatalf("error kind = %v, want protocol", errors.KindOf(err))
	}
	if !bytes.Contains([]byte(err.Error()), []byte("flash write error")) {
		t.Errorf("error %q does not name the loader failure", err)
	}
}

func TestROMLoaderSkipsStaleFrames(t *testing.T) {
	port := &fakeTransport{target: "/dev/ttyACM0"}
	stale := loaderResponse(cmdSync, 0, nil, 0, 0)
	port.readData = append(stale, loaderResponse(cmdFlashBegin, 0, nil, 0, 0)...)

	r := &romLoader{t: port, timeout: time.Second}
	if _, _, err := r.command(cmdFlashBegin, nil, 0); err != nil {
		t.Fatalf("command: %v", err)
	}
}
