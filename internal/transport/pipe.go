package transport

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/1ureka/rtcmsg/internal/protocol"
)

// Compile-time interface check.
var _ Association = (*Pipe)(nil)

// pipeQueueSize bounds datagrams waiting for in-order delivery.
const pipeQueueSize = 4096

type delivery struct {
	streamID uint16
	b        []byte
}

// Pipe is one end of an in-memory association. Two linked ends simulate a
// datagram link: what one end writes is delivered to the other end's
// observer. With no delay, delivery is FIFO; with SetDelay, each datagram
// is delayed independently so datagrams may be reordered.
type Pipe struct {
	maxSize int

	mu       sync.RWMutex
	observer Observer
	filter   func(streamID uint16, b []byte) error
	drop     func(streamID uint16, b []byte) bool
	maxDelay time.Duration
	loss     float64

	peer  *Pipe
	queue chan delivery
	done  chan struct{}
	once  *sync.Once
}

// NewPipe creates a linked pair of associations with the given fragment
// payload limit.
func NewPipe(maxMessageSize int) (a, b *Pipe) {
	once := &sync.Once{}
	done := make(chan struct{})
	a = &Pipe{maxSize: maxMessageSize, queue: make(chan delivery, pipeQueueSize), done: done, once: once}
	b = &Pipe{maxSize: maxMessageSize, queue: make(chan delivery, pipeQueueSize), done: done, once: once}
	a.peer = b
	b.peer = a
	go a.run()
	go b.run()
	return a, b
}

// SetDelay makes every subsequent datagram wait a random duration in
// [0, max) before delivery. Zero restores in-order delivery.
func (p *Pipe) SetDelay(max time.Duration) {
	p.mu.Lock()
	p.maxDelay = max
	p.mu.Unlock()
}

// SetLoss silently drops the given fraction of written datagrams.
func (p *Pipe) SetLoss(rate float64) {
	p.mu.Lock()
	p.loss = rate
	p.mu.Unlock()
}

// SetWriteFilter installs fn to inspect every write before delivery. A
// non-nil return fails the write with that error and drops the datagram.
func (p *Pipe) SetWriteFilter(fn func(streamID uint16, b []byte) error) {
	p.mu.Lock()
	p.filter = fn
	p.mu.Unlock()
}

// SetDropFilter installs fn to decide, per write, whether the datagram is
// lost. A dropped write still reports success.
func (p *Pipe) SetDropFilter(fn func(streamID uint16, b []byte) bool) {
	p.mu.Lock()
	p.drop = fn
	p.mu.Unlock()
}

func (p *Pipe) MaxMessageSize() int { return p.maxSize }

func (p *Pipe) RegisterObserver(o Observer) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

func (p *Pipe) UnregisterObserver() {
	p.mu.Lock()
	p.observer = nil
	p.mu.Unlock()
}

// Write copies b and schedules it for delivery to the peer.
func (p *Pipe) Write(streamID uint16, b []byte) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	if len(b) > p.maxSize+protocol.HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}

	p.mu.RLock()
	filter, drop, maxDelay, loss := p.filter, p.drop, p.maxDelay, p.loss
	p.mu.RUnlock()

	if filter != nil {
		if err := filter(streamID, b); err != nil {
			return err
		}
	}
	if drop != nil && drop(streamID, b) {
		return nil
	}
	if loss > 0 && rand.Float64() < loss {
		return nil
	}

	d := delivery{streamID: streamID, b: append([]byte(nil), b...)}

	if maxDelay > 0 {
		go p.deliverAfter(d, time.Duration(rand.Int64N(int64(maxDelay))))
		return nil
	}

	select {
	case p.queue <- d:
		return nil
	default:
		return fmt.Errorf("%w: pipe queue full", ErrTransient)
	}
}

// Close tears down both ends and notifies both observers.
func (p *Pipe) Close() error {
	p.once.Do(func() {
		close(p.done)
		for _, end := range []*Pipe{p, p.peer} {
			end.mu.RLock()
			o := end.observer
			end.mu.RUnlock()
			if o != nil {
				o.OnAssociationClosed(ErrClosed)
			}
		}
	})
	return nil
}

// Done returns a channel that is closed when the pipe is closed.
func (p *Pipe) Done() <-chan struct{} {
	return p.done
}

// run delivers queued datagrams to the peer in write order.
func (p *Pipe) run() {
	for {
		select {
		case d := <-p.queue:
			p.peer.deliver(d)
		case <-p.done:
			return
		}
	}
}

// deliverAfter delivers a datagram after delay unless the pipe closes first.
func (p *Pipe) deliverAfter(d delivery, delay time.Duration) {
	select {
	case <-time.After(delay):
	case <-p.done:
		return
	}
	p.peer.deliver(d)
}

func (p *Pipe) deliver(d delivery) {
	p.mu.RLock()
	o := p.observer
	p.mu.RUnlock()
	if o != nil {
		o.OnDatagram(d.streamID, d.b)
	}
}
