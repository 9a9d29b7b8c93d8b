// Package protocol defines the fragment header carried under the transport
// association's own framing.
package protocol

// Packet type constants.
const (
	TypeDataText   uint8 = 0x01 // Fragment of a UTF-8 text message
	TypeDataBinary uint8 = 0x02 // Fragment of a binary message
	TypeAck        uint8 = 0x03 // Acknowledges the packet carrying TSN
	TypeForward    uint8 = 0x04 // Sender abandoned MessageID; receiver drops it
	TypeOpen       uint8 = 0x05 // Channel open request, payload is OpenParams
	TypeClose      uint8 = 0x06 // Channel close request
)

// Flag bits.
const (
	FlagLast uint8 = 0x01 // Last fragment of the message
)

// HeaderSize is the fixed header size:
// Type(1) + Flags(1) + TSN(4) + MessageID(4) + SeqNum(4).
const HeaderSize = 14

// Packet is one datagram exchanged on a stream.
type Packet struct {
	Type      uint8
	Flags     uint8
	TSN       uint32 // Per-channel transmission sequence number, acked by TypeAck
	MessageID uint32 // Parent message, monotonically increasing from 1
	SeqNum    uint32 // Fragment index within the message, from 0
	Payload   []byte
}

// IsData reports whether the packet carries message bytes.
func (p *Packet) IsData() bool {
	return p.Type == TypeDataText || p.Type == TypeDataBinary
}

// IsLast reports whether the last-fragment flag is set.
func (p *Packet) IsLast() bool {
	return p.Flags&FlagLast != 0
}

// TypeName returns a short name for logging.
func TypeName(t uint8) string {
	switch t {
	case TypeDataText:
		return "DATA(text)"
	case TypeDataBinary:
		return "DATA(binary)"
	case TypeAck:
		return "ACK"
	case TypeForward:
		return "FORWARD"
	case TypeOpen:
		return "OPEN"
	case TypeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}
