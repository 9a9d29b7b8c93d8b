package engine

import (
	"container/heap"
	"slices"

	"github.com/1ureka/rtcmsg/internal/protocol"
)

// Message is one complete application message.
type Message struct {
	Data   []byte
	Binary bool
}

// partial collects the fragments of one message until the last one and
// every one before it have arrived.
type partial struct {
	binary bool
	frags  map[uint32][]byte
	last   int64 // SeqNum of the fragment flagged last, -1 until seen
	size   int
}

func (p *partial) complete() bool {
	return p.last >= 0 && int64(len(p.frags)) == p.last+1
}

func (p *partial) assemble() []byte {
	data := make([]byte, 0, p.size)
	for seq := uint32(0); int64(seq) <= p.last; seq++ {
		data = append(data, p.frags[seq]...)
	}
	return data
}

// Reassembler rebuilds messages from the fragments of a single channel and
// releases each exactly once. On an ordered channel a completed message is
// held until every lower message id has been delivered or skipped.
// It is owned by the engine loop and needs no locking.
type Reassembler struct {
	ordered  bool
	window   uint32
	partials map[uint32]*partial

	// Finished ids (completed or skipped): everything <= floor, plus done.
	floor uint32
	done  map[uint32]struct{}

	// Ordered delivery.
	nextID     uint32
	ready      readyHeap
	skipped    map[uint32]struct{}
	completion uint64
}

// NewReassembler creates a reassembler expecting message ids starting at 1.
// Only ids within window of the oldest unfinished one are accepted, which
// bounds partial and held messages; zero means no bound.
func NewReassembler(ordered bool, window uint32) *Reassembler {
	return &Reassembler{
		ordered:  ordered,
		window:   window,
		partials: make(map[uint32]*partial),
		done:     make(map[uint32]struct{}),
		nextID:   1,
		skipped:  make(map[uint32]struct{}),
	}
}

func (r *Reassembler) finished(id uint32) bool {
	if id <= r.floor {
		return true
	}
	_, ok := r.done[id]
	return ok
}

// Accepts reports whether a fragment or skip for id may be processed now.
// Finished ids are accepted so their duplicates are acknowledged again.
func (r *Reassembler) Accepts(id uint32) bool {
	return r.window == 0 || id <= r.floor || id-r.floor <= r.window
}

func (r *Reassembler) finish(id uint32) {
	r.done[id] = struct{}{}
	for {
		if _, ok := r.done[r.floor+1]; !ok {
			return
		}
		delete(r.done, r.floor+1)
		r.floor++
	}
}

// Feed processes a data fragment and returns the messages that can now be
// delivered, in delivery order. Duplicates of finished messages return nil.
func (r *Reassembler) Feed(pkt *protocol.Packet) []Message {
	id := pkt.MessageID
	if id == 0 || r.finished(id) || !r.Accepts(id) {
		return nil
	}

	p, ok := r.partials[id]
	if !ok {
		p = &partial{binary: pkt.Type == protocol.TypeDataBinary, frags: make(map[uint32][]byte), last: -1}
		r.partials[id] = p
	}
	if _, dup := p.frags[pkt.SeqNum]; dup {
		return nil
	}
	if p.last >= 0 && int64(pkt.SeqNum) > p.last {
		return nil
	}
	if pkt.IsLast() {
		if p.last >= 0 {
			return nil
		}
		p.last = int64(pkt.SeqNum)
	}
	p.frags[pkt.SeqNum] = pkt.Payload
	p.size += len(pkt.Payload)

	if !p.complete() {
		return nil
	}

	delete(r.partials, id)
	r.finish(id)
	msg := Message{Data: p.assemble(), Binary: p.binary}
	if !r.ordered {
		return []Message{msg}
	}

	r.completion++
	heap.Push(&r.ready, &readyMessage{id: id, order: r.completion, msg: msg})
	return r.drain()
}

// Skip records that the sender abandoned a message: its partial state is
// dropped and ordered delivery no longer waits for it. A message that already
// completed is unaffected.
func (r *Reassembler) Skip(id uint32) []Message {
	if id == 0 || r.finished(id) || !r.Accepts(id) {
		return nil
	}
	delete(r.partials, id)
	r.finish(id)
	if !r.ordered {
		return nil
	}
	r.skipped[id] = struct{}{}
	return r.drain()
}

// drain releases held messages while the next expected id is available.
func (r *Reassembler) drain() []Message {
	var out []Message
	for {
		if r.ready.Len() > 0 && r.ready[0].id == r.nextID {
			out = append(out, heap.Pop(&r.ready).(*readyMessage).msg)
			r.nextID++
			continue
		}
		if _, ok := r.skipped[r.nextID]; ok {
			delete(r.skipped, r.nextID)
			r.nextID++
			continue
		}
		return out
	}
}

// Close releases every held message in the order it completed and drops
// all partial messages. The reassembler must not be fed afterwards.
func (r *Reassembler) Close() []Message {
	held := []*readyMessage(r.ready)
	slices.SortFunc(held, func(a, b *readyMessage) int {
		switch {
		case a.order < b.order:
			return -1
		case a.order > b.order:
			return 1
		}
		return 0
	})

	out := make([]Message, 0, len(held))
	for _, m := range held {
		out = append(out, m.msg)
	}
	r.ready = nil
	clear(r.partials)
	clear(r.skipped)
	return out
}

// Pending returns the number of partial and held messages.
func (r *Reassembler) Pending() (partials, held int) {
	return len(r.partials), r.ready.Len()
}

// ---------------------------------------------------------------------------
// readyHeap implements a min-heap of completed messages sorted by id.
// ---------------------------------------------------------------------------

type readyMessage struct {
	id    uint32
	order uint64
	msg   Message
}

type readyHeap []*readyMessage

func (h readyHeap) Len() int            { return len(h) }
func (h readyHeap) Less(i, j int) bool  { return h[i].id < h[j].id }
func (h readyHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x interface{}) { *h = append(*h, x.(*readyMessage)) }

func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
