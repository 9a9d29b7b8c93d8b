package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a Packet into a byte slice for the association.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	buf[0] = pkt.Type
	buf[1] = pkt.Flags
	binary.BigEndian.PutUint32(buf[2:6], pkt.TSN)
	binary.BigEndian.PutUint32(buf[6:10], pkt.MessageID)
	binary.BigEndian.PutUint32(buf[10:14], pkt.SeqNum)
	if len(pkt.Payload) > 0 {
		copy(buf[HeaderSize:], pkt.Payload)
	}
	return buf
}

// Decode deserializes a byte slice into a Packet. The payload is copied.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	pkt := &Packet{
		Type:      data[0],
		Flags:     data[1],
		TSN:       binary.BigEndian.Uint32(data[2:6]),
		MessageID: binary.BigEndian.Uint32(data[6:10]),
		SeqNum:    binary.BigEndian.Uint32(data[10:14]),
	}
	if pkt.Type < TypeDataText || pkt.Type > TypeClose {
		return nil, fmt.Errorf("unknown packet type 0x%02x", pkt.Type)
	}
	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}
	return pkt, nil
}
