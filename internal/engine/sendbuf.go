package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/1ureka/rtcmsg/internal/config"
	"github.com/1ureka/rtcmsg/internal/protocol"
	"github.com/1ureka/rtcmsg/internal/reliability"
	"github.com/1ureka/rtcmsg/internal/transport"
)

// outMessage tracks one sent message until every fragment is acknowledged
// or the message is abandoned.
type outMessage struct {
	id           uint32
	frags        []*fragment
	outstanding  int
	firstAttempt time.Time
}

// fragment is one outbound data packet. Until its first successful write it
// sits in the queue and counts toward the buffered amount; after that it is
// in flight until acknowledged.
type fragment struct {
	msg      *outMessage
	tsn      uint32
	wire     []byte
	size     int
	sent     bool
	attempts int
	lastSent time.Time
}

// control is a reliably delivered Open, Close or Forward packet.
type control struct {
	typ      uint8
	tsn      uint32
	wire     []byte
	attempts int
	lastSent time.Time
}

// sendBuffer is a channel's outbound state, owned by the engine loop.
type sendBuffer struct {
	msgSeq   *SeqGen
	tsnSeq   *SeqGen
	queue    []*fragment
	inflight map[uint32]*fragment
	messages map[uint32]*outMessage
	controls map[uint32]*control
}

func newSendBuffer() *sendBuffer {
	return &sendBuffer{
		msgSeq:   NewSeqGen(),
		tsnSeq:   NewSeqGen(),
		inflight: make(map[uint32]*fragment),
		messages: make(map[uint32]*outMessage),
		controls: make(map[uint32]*control),
	}
}

// drained reports whether no data is queued or awaiting acknowledgement.
func (sb *sendBuffer) drained() bool {
	return len(sb.queue) == 0 && len(sb.inflight) == 0
}

// flushResult tells the caller whether other channels may still write.
type flushResult int

const (
	flushDone    flushResult = iota // queue empty, or this channel must wait
	flushBlocked                    // window full or association busy
)

// maxPayload is the largest fragment payload.
func (e *Engine) maxPayload() int {
	if n := e.assoc.MaxMessageSize(); n > 0 {
		return n
	}
	return e.cfg.MaxMessageSize
}

// send runs on the loop for Channel.Send. A non-nil wait means the caller
// must wait for it and try again.
func (e *Engine) send(c *Channel, data []byte, binary bool, now time.Time) (<-chan struct{}, error) {
	if s := c.ReadyState(); s != StateOpen || e.failed {
		return nil, fmt.Errorf("%w: channel is %s", ErrInvalidState, s)
	}
	if amount := c.buffered.Load(); amount > e.cfg.HighWaterMark {
		if e.cfg.Backpressure == config.BackpressureBlock {
			return c.drainSignal(), nil
		}
		return nil, fmt.Errorf("%w: %d bytes buffered", ErrBackpressure, amount)
	}

	m := e.enqueue(c, data, binary)
	e.stats.MessagesSent.Add(1)
	_, err := e.flushChannel(c, now, m)
	return nil, err
}

// enqueue splits data into fragments and appends them to the queue.
func (e *Engine) enqueue(c *Channel, data []byte, binary bool) *outMessage {
	typ := protocol.TypeDataText
	if binary {
		typ = protocol.TypeDataBinary
	}
	max := e.maxPayload()
	count := (len(data) + max - 1) / max
	if count == 0 {
		count = 1
	}

	m := &outMessage{id: c.sb.msgSeq.Next(), outstanding: count}
	for i := range count {
		start := i * max
		end := min(start+max, len(data))
		var flags uint8
		if i == count-1 {
			flags = protocol.FlagLast
		}
		tsn := c.sb.tsnSeq.Next()
		f := &fragment{
			msg:  m,
			tsn:  tsn,
			size: end - start,
			wire: protocol.Encode(&protocol.Packet{
				Type:      typ,
				Flags:     flags,
				TSN:       tsn,
				MessageID: m.id,
				SeqNum:    uint32(i),
				Payload:   data[start:end],
			}),
		}
		m.frags = append(m.frags, f)
		c.sb.queue = append(c.sb.queue, f)
	}
	c.sb.messages[m.id] = m
	c.buffered.Add(uint64(len(data)))
	return m
}

// flushChannel writes queued fragments while the in-flight window allows.
// A hard write error on a fragment of sending drops that message and is
// returned as a *TransportError; on any other message it counts as a failed
// attempt. An oversized fragment is abandoned whatever the mode.
func (e *Engine) flushChannel(c *Channel, now time.Time, sending *outMessage) (flushResult, error) {
	for len(c.sb.queue) > 0 && !e.failed {
		f := c.sb.queue[0]
		if e.inFlight > 0 && e.inFlight+uint64(f.size) > e.cfg.MaxInFlight {
			return flushBlocked, nil
		}
		if f.msg.firstAttempt.IsZero() {
			f.msg.firstAttempt = now
		}

		err := e.assoc.Write(c.id, f.wire)
		switch {
		case err == nil:
			c.sb.queue[0] = nil
			c.sb.queue = c.sb.queue[1:]
			f.sent = true
			f.attempts++
			f.lastSent = now
			c.sb.inflight[f.tsn] = f
			e.inFlight += uint64(f.size)
			e.stats.FragmentsSent.Add(1)
			e.stats.AddSent(len(f.wire))
			e.subBuffered(c, f.size)

		case errors.Is(err, transport.ErrTransient):
			return flushBlocked, nil

		case errors.Is(err, transport.ErrClosed):
			e.fail(err)
			return flushBlocked, &TransportError{StreamID: c.id, Err: err}

		case errors.Is(err, transport.ErrTooLarge):
			// Fragmented before the association's limit was known; retrying
			// cannot help.
			c.log.Warnf("message %d abandoned: %v", f.msg.id, err)
			e.abandon(c, f.msg, now)
			if f.msg == sending {
				return flushDone, &TransportError{StreamID: c.id, Err: err}
			}
			e.stats.MessagesAbandoned.Add(1)
			continue

		case f.msg == sending:
			c.log.Debugf("message %d dropped: %v", f.msg.id, err)
			e.abandon(c, f.msg, now)
			return flushDone, &TransportError{StreamID: c.id, Err: err}

		default:
			f.attempts++
			f.lastSent = now
			if c.mode.Decide(f.attempts, f.msg.firstAttempt, now) == reliability.Abandon {
				c.log.Debugf("message %d abandoned after write error: %v", f.msg.id, err)
				e.stats.MessagesAbandoned.Add(1)
				e.abandon(c, f.msg, now)
				continue
			}
			return flushDone, nil
		}
	}
	return flushDone, nil
}

// flushAll gives every channel a chance to write until the association
// pushes back.
func (e *Engine) flushAll(now time.Time) {
	for _, c := range e.mux.routes {
		if e.failed {
			return
		}
		if len(c.sb.queue) == 0 {
			continue
		}
		res, _ := e.flushChannel(c, now, nil)
		e.checkDrained(c, now)
		if res == flushBlocked {
			return
		}
	}
}

// subBuffered lowers the buffered amount and fires the threshold event and
// drain waiters.
func (e *Engine) subBuffered(c *Channel, n int) {
	prev := c.buffered.Load()
	cur := uint64(0)
	if uint64(n) < prev {
		cur = prev - uint64(n)
	}
	c.buffered.Store(cur)

	if th := c.lowThreshold.Load(); prev > th && cur <= th {
		c.events.push(event{kind: eventBufferedAmountLow}, false)
	}
	if cur <= e.cfg.LowWaterMark {
		c.releaseWaiters()
	}
}

// onAck retires the data fragment or control packet carrying tsn.
func (e *Engine) onAck(c *Channel, tsn uint32, now time.Time) {
	if f, ok := c.sb.inflight[tsn]; ok {
		delete(c.sb.inflight, tsn)
		e.inFlight -= uint64(f.size)
		f.msg.outstanding--
		if f.msg.outstanding == 0 {
			delete(c.sb.messages, f.msg.id)
		}
		e.windowFreed = true
		e.checkDrained(c, now)
		return
	}

	ctl, ok := c.sb.controls[tsn]
	if !ok {
		return
	}
	delete(c.sb.controls, tsn)
	switch ctl.typ {
	case protocol.TypeOpen:
		c.setState(StateOpen)
	case protocol.TypeClose:
		e.finishClose(c)
	}
}

// abandon drops every remaining fragment of m and tells the peer to stop
// waiting for it.
func (e *Engine) abandon(c *Channel, m *outMessage, now time.Time) {
	queued, anyQueued := 0, false
	for _, f := range m.frags {
		if !f.sent {
			queued += f.size
			anyQueued = true
			continue
		}
		if _, ok := c.sb.inflight[f.tsn]; ok {
			delete(c.sb.inflight, f.tsn)
			e.inFlight -= uint64(f.size)
			e.windowFreed = true
		}
	}
	if anyQueued {
		kept := c.sb.queue[:0]
		for _, f := range c.sb.queue {
			if f.msg != m {
				kept = append(kept, f)
			}
		}
		clear(c.sb.queue[len(kept):])
		c.sb.queue = kept
		e.subBuffered(c, queued)
	}
	delete(c.sb.messages, m.id)
	e.sendControl(c, protocol.TypeForward, m.id, nil, now)
	e.checkDrained(c, now)
}

// retransmit abandons expired messages and resends fragments whose
// retransmission timer has run out.
func (e *Engine) retransmit(c *Channel, now time.Time) {
	if c.mode.Kind == reliability.KindMaxLifetime {
		for _, m := range c.sb.messages {
			if c.mode.Expired(m.firstAttempt, now) {
				c.log.Debugf("message %d expired after %v", m.id, c.mode.MaxLifetime)
				e.stats.MessagesAbandoned.Add(1)
				e.abandon(c, m, now)
			}
		}
	}

	for _, f := range c.sb.inflight {
		if e.failed {
			return
		}
		if now.Sub(f.lastSent) < e.backoff.Delay(f.attempts) {
			continue
		}
		if c.mode.Decide(f.attempts, f.msg.firstAttempt, now) == reliability.Abandon {
			c.log.Debugf("message %d abandoned after %d attempts", f.msg.id, f.attempts)
			e.stats.MessagesAbandoned.Add(1)
			e.abandon(c, f.msg, now)
			continue
		}

		err := e.assoc.Write(c.id, f.wire)
		switch {
		case err == nil:
			f.attempts++
			f.lastSent = now
			e.stats.Retransmits.Add(1)
			e.stats.AddSent(len(f.wire))
		case errors.Is(err, transport.ErrTransient):
			return
		case errors.Is(err, transport.ErrClosed):
			e.fail(err)
			return
		case errors.Is(err, transport.ErrTooLarge):
			c.log.Warnf("message %d abandoned: %v", f.msg.id, err)
			e.stats.MessagesAbandoned.Add(1)
			e.abandon(c, f.msg, now)
		default:
			f.attempts++
			f.lastSent = now
			if c.mode.Decide(f.attempts, f.msg.firstAttempt, now) == reliability.Abandon {
				e.stats.MessagesAbandoned.Add(1)
				e.abandon(c, f.msg, now)
			}
		}
	}
}

// sendControl queues a reliable control packet and tries to write it now.
func (e *Engine) sendControl(c *Channel, typ uint8, msgID uint32, payload []byte, now time.Time) {
	tsn := c.sb.tsnSeq.Next()
	ctl := &control{
		typ: typ,
		tsn: tsn,
		wire: protocol.Encode(&protocol.Packet{
			Type:      typ,
			TSN:       tsn,
			MessageID: msgID,
			Payload:   payload,
		}),
	}
	c.sb.controls[tsn] = ctl
	e.writeControl(c, ctl, now)
}

func (e *Engine) writeControl(c *Channel, ctl *control, now time.Time) {
	err := e.assoc.Write(c.id, ctl.wire)
	switch {
	case err == nil:
		if ctl.attempts > 0 {
			e.stats.Retransmits.Add(1)
		}
		ctl.attempts++
		ctl.lastSent = now
		e.stats.AddSent(len(ctl.wire))
	case errors.Is(err, transport.ErrTransient):
		// Retried on the next tick.
	case errors.Is(err, transport.ErrClosed):
		e.fail(err)
	default:
		c.log.Debugf("%s write failed: %v", protocol.TypeName(ctl.typ), err)
		ctl.attempts++
		ctl.lastSent = now
	}
}

// retransmitControls resends unacknowledged control packets.
func (e *Engine) retransmitControls(c *Channel, now time.Time) {
	for _, ctl := range c.sb.controls {
		if e.failed {
			return
		}
		if ctl.attempts > 0 && now.Sub(ctl.lastSent) < e.backoff.Delay(ctl.attempts) {
			continue
		}
		e.writeControl(c, ctl, now)
	}
}

// discardOutbound releases everything the channel still holds for sending.
func (e *Engine) discardOutbound(c *Channel) {
	for _, f := range c.sb.inflight {
		e.inFlight -= uint64(f.size)
	}
	if len(c.sb.inflight) > 0 {
		e.windowFreed = true
	}
	c.sb.queue = nil
	clear(c.sb.inflight)
	clear(c.sb.messages)
	clear(c.sb.controls)
	c.buffered.Store(0)
}
