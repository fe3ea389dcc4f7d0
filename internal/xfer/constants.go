package xfer

// Control bytes of the block-transfer protocol.
const (
	// SOH starts a 128-byte packet.
	SOH = 0x01

	// STX starts a 1024-byte packet.
	STX = 0x02

	// EOT signals end of transmission after the final packet.
	EOT = 0x04

	// ACK acknowledges a packet; the sender advances.
	ACK = 0x06

	// NAK rejects a packet; the sender retransmits the same packet.
	NAK = 0x15

	// CAN cancels the transfer. Sent twice for a protocol-level abort.
	CAN = 0x18

	// StartCRC is the receiver's start-of-transfer byte requesting
	// CRC16 mode.
	StartCRC = 'C'

	// PadByte fills the remainder of a short final packet.
	PadByte = 0xFF
)

// Negotiable packet payload sizes.
const (
	PacketSize128  = 128
	PacketSize1024 = 1024
)
