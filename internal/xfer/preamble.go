package xfer

import "encoding/binary"

// Preamble framing magic. The bootloader recognizes a flash-placement
// header by this two-byte prefix and its mirrored suffix.
var (
	preamblePrefix = []byte{0xC0, 0x5A}
	preambleSuffix = []byte{0x5A, 0xC0}
)

// preambleHeaderLen is prefix + address + offset + suffix.
const preambleHeaderLen = 12

// Preamble builds the flash-placement packet payload for a payload
// destined at the given flash address and offset. The 12-byte header
// carries the address and offset little-endian between the two magic
// markers; the remainder of the packet is padded so the payload fills
// exactly one block-transfer packet of the given size.
func Preamble(address, offset uint32, packetSize int) []byte {
	p := make([]byte, packetSize)
	copy(p, preamblePrefix)
	binary.LittleEndian.PutUint32(p[2:], address)
	binary.LittleEndian.PutUint32(p[6:], offset)
	copy(p[10:], preambleSuffix)
	for i := preambleHeaderLen; i < packetSize; i++ {
		p[i] = PadByte
	}
	return p
}
