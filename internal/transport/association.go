// Package transport defines the datagram association the engine multiplexes
// over, and provides three implementations: an in-memory Pipe, a pion WebRTC
// carrier data channel and a gorilla WebSocket connection.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Association is a channel-agnostic datagram service. The engine holds a
// non-owning reference; whoever created the association closes it.
type Association interface {
	// Write hands one datagram for streamID to the association. It must not
	// block for long: a full queue is reported as ErrTransient.
	Write(streamID uint16, b []byte) error
	// MaxMessageSize is the largest fragment payload the engine may put in
	// one datagram. Implementations accept protocol.HeaderSize extra bytes.
	MaxMessageSize() int
	RegisterObserver(o Observer)
	UnregisterObserver()
}

// Observer receives inbound traffic. b is only valid for the duration of
// the call.
type Observer interface {
	OnDatagram(streamID uint16, b []byte)
	OnAssociationClosed(err error)
}

var (
	// ErrTransient marks a write that may succeed if retried later.
	ErrTransient = errors.New("transport: temporarily unable to write")
	// ErrClosed marks an association that is permanently gone.
	ErrClosed = errors.New("transport: association closed")
	// ErrTooLarge marks a datagram above the association's limit.
	ErrTooLarge = errors.New("transport: datagram too large")
)

// streamPrefixSize is the size of the stream id prepended by carriers that
// share one underlying message channel between all streams.
const streamPrefixSize = 2

// frame prepends the stream id to a datagram.
func frame(streamID uint16, b []byte) []byte {
	buf := make([]byte, streamPrefixSize+len(b))
	binary.BigEndian.PutUint16(buf, streamID)
	copy(buf[streamPrefixSize:], b)
	return buf
}

// unframe splits a carrier message into stream id and datagram.
func unframe(msg []byte) (uint16, []byte, error) {
	if len(msg) < streamPrefixSize {
		return 0, nil, fmt.Errorf("carrier message too short: %d bytes", len(msg))
	}
	return binary.BigEndian.Uint16(msg), msg[streamPrefixSize:], nil
}
