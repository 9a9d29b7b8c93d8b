package engine

import (
	"errors"
	"time"

	"github.com/1ureka/rtcmsg/internal/config"
	"github.com/1ureka/rtcmsg/internal/protocol"
	"github.com/1ureka/rtcmsg/internal/transport"
)

// reservedStreamID is never allocated or accepted.
const reservedStreamID = 65535

// pendingStreamTTL bounds how long packets for an unknown stream are held.
const pendingStreamTTL = 10 * time.Second

type pendingStream struct {
	pkts  []*protocol.Packet
	since time.Time
}

// mux is the stream id route table. Locally allocated ids follow the role's
// parity so both peers can allocate without colliding: the client takes
// even ids, the host odd ones.
type mux struct {
	routes  map[uint16]*Channel
	pending map[uint16]*pendingStream
	limit   int
	first   uint16
	next    uint16
}

func newMux(role config.Role, pendingLimit int) *mux {
	first := uint16(0)
	if role == config.RoleHost {
		first = 1
	}
	return &mux{
		routes:  make(map[uint16]*Channel),
		pending: make(map[uint16]*pendingStream),
		limit:   pendingLimit,
		first:   first,
		next:    first,
	}
}

// allocate returns the next free id of this side's parity.
func (m *mux) allocate() (uint16, error) {
	for range 1 << 15 {
		id := m.next
		m.next += 2
		if m.next == reservedStreamID || m.next < 2 {
			m.next = m.first
		}
		if _, used := m.routes[id]; !used {
			return id, nil
		}
	}
	return 0, ErrStreamsExhausted
}

func (m *mux) add(c *Channel)         { m.routes[c.id] = c }
func (m *mux) remove(id uint16)       { delete(m.routes, id) }
func (m *mux) get(id uint16) *Channel { return m.routes[id] }

// hold keeps a packet for a stream no channel is bound to yet. Beyond the
// limit, packets are dropped; being unacknowledged they will be resent.
func (m *mux) hold(id uint16, pkt *protocol.Packet, now time.Time) bool {
	p, ok := m.pending[id]
	if !ok {
		p = &pendingStream{since: now}
		m.pending[id] = p
	}
	if len(p.pkts) >= m.limit {
		return false
	}
	p.pkts = append(p.pkts, pkt)
	return true
}

// takePending removes and returns the packets held for id.
func (m *mux) takePending(id uint16) []*protocol.Packet {
	p, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	return p.pkts
}

// expire drops held packets older than pendingStreamTTL.
func (m *mux) expire(now time.Time) {
	for id, p := range m.pending {
		if now.Sub(p.since) > pendingStreamTTL {
			delete(m.pending, id)
		}
	}
}

func (m *mux) reset() {
	clear(m.routes)
	clear(m.pending)
}

// ---------------------------------------------------------------------------
// Inbound (loop side)
// ---------------------------------------------------------------------------

func (e *Engine) handleDatagram(d datagram, now time.Time) {
	if e.failed {
		return
	}
	pkt, err := protocol.Decode(d.b)
	if err != nil {
		e.log.Debugf("stream %d: dropping datagram: %v", d.streamID, err)
		return
	}
	e.stats.AddRecv(len(d.b))
	e.dispatch(d.streamID, pkt, now)
}

// dispatch routes one decoded packet.
func (e *Engine) dispatch(streamID uint16, pkt *protocol.Packet, now time.Time) {
	c := e.mux.get(streamID)

	switch pkt.Type {
	case protocol.TypeAck:
		if c != nil {
			e.onAck(c, pkt.TSN, now)
		}
		return

	case protocol.TypeOpen:
		switch {
		case c != nil:
			e.ack(streamID, pkt.TSN)
		case streamID == reservedStreamID || !e.acceptChannel(streamID, pkt, now):
			e.refuseOpen(streamID)
		}
		return

	case protocol.TypeClose:
		// TSN 0 marks a refused Open; it is not retransmitted.
		if pkt.TSN != 0 {
			e.ack(streamID, pkt.TSN)
		}
		if c != nil {
			c.log.Debug("closed by peer")
			e.remoteClose(c)
		} else {
			e.mux.takePending(streamID)
		}
		return
	}

	// Data and Forward.
	if c == nil {
		if !e.mux.hold(streamID, pkt, now) {
			e.log.Debugf("stream %d: pending buffer full, dropping %s", streamID, protocol.TypeName(pkt.Type))
		}
		return
	}
	if !c.reasm.Accepts(pkt.MessageID) {
		// Unacked, so the peer retries once the window has moved.
		c.log.Debugf("message %d beyond the reassembly window, dropping %s", pkt.MessageID, protocol.TypeName(pkt.Type))
		return
	}
	e.ack(streamID, pkt.TSN)
	e.receive(c, pkt)
}

// receive feeds data and Forward packets to the channel's reassembler.
func (e *Engine) receive(c *Channel, pkt *protocol.Packet) {
	// The peer only sends on a stream after seeing our Open.
	if c.ReadyState() == StateConnecting {
		c.setState(StateOpen)
	}

	var msgs []Message
	if pkt.Type == protocol.TypeForward {
		msgs = c.reasm.Skip(pkt.MessageID)
	} else {
		msgs = c.reasm.Feed(pkt)
	}
	for _, m := range msgs {
		c.emitMessage(m)
	}
}

// refuseOpen answers an Open that cannot be accepted with an unacked Close
// instead of an Ack, so the opener gives the stream up.
func (e *Engine) refuseOpen(streamID uint16) {
	e.mux.takePending(streamID)
	wire := protocol.Encode(&protocol.Packet{Type: protocol.TypeClose})
	err := e.assoc.Write(streamID, wire)
	switch {
	case err == nil:
		e.stats.AddSent(len(wire))
	case errors.Is(err, transport.ErrClosed):
		e.fail(err)
	}
}

// ack acknowledges a packet immediately. Acks are not retransmitted; a lost
// ack makes the peer resend, and the duplicate is acked again.
func (e *Engine) ack(streamID uint16, tsn uint32) {
	wire := protocol.Encode(&protocol.Packet{Type: protocol.TypeAck, TSN: tsn})
	err := e.assoc.Write(streamID, wire)
	switch {
	case err == nil:
		e.stats.AddSent(len(wire))
	case errors.Is(err, transport.ErrClosed):
		e.fail(err)
	}
}
