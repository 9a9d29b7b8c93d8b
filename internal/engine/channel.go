package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/1ureka/rtcmsg/internal/reliability"
	"github.com/1ureka/rtcmsg/internal/util"
)

// State is a channel's position in its lifecycle. Transitions only move
// forward: connecting, open, closing, closed.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Binary types accepted by SetBinaryType.
const (
	BinaryTypeArrayBuffer = "arraybuffer"
	BinaryTypeBlob        = "blob"
)

// Channel priorities. Priority is advertised to the peer and reported back;
// it does not change scheduling.
const (
	PriorityVeryLow = "very-low"
	PriorityLow     = "low"
	PriorityMedium  = "medium"
	PriorityHigh    = "high"
)

// maxLabelSize bounds label and protocol strings.
const maxLabelSize = 65535

// ChannelOptions configure CreateChannel. The zero value is an unordered,
// reliable, in-band negotiated channel with an allocated id.
type ChannelOptions struct {
	Protocol    string
	Ordered     bool
	Reliability reliability.Mode
	// Negotiated channels are created by both sides with the same ID and
	// skip the open handshake.
	Negotiated bool
	ID         *uint16
	Priority   string
}

// Snapshot holds a channel's attributes as they were when it closed.
type Snapshot struct {
	ID             uint16
	Label          string
	Protocol       string
	Ordered        bool
	Negotiated     bool
	Reliability    reliability.Mode
	Priority       string
	BufferedAmount uint64
}

type eventKind int

const (
	eventStateChanged eventKind = iota
	eventMessage
	eventBufferedAmountLow
)

type event struct {
	kind  eventKind
	state State
	msg   Message
}

// Channel is a handle to one logical message channel. Attribute getters and
// listener registration are safe from any goroutine; everything that
// mutates channel state is handed to the engine loop.
type Channel struct {
	e          *Engine
	id         uint16
	label      string
	protocol   string
	ordered    bool
	negotiated bool
	mode       reliability.Mode
	priority   string
	log        *util.Logger

	// Published by the engine loop.
	state        atomic.Int32
	buffered     atomic.Uint64
	snap         atomic.Pointer[Snapshot]
	lowThreshold atomic.Uint64
	binaryType   atomic.Value

	// Owned by the engine loop.
	sb             *sendBuffer
	reasm          *Reassembler
	localClose     bool
	closeSent      bool
	lingerDeadline time.Time
	drainCh        chan struct{}
	closed         chan struct{}

	// Listeners.
	events           *fanout[event]
	announcing       atomic.Bool
	hasListener      atomic.Bool
	lmu              sync.Mutex
	stateListeners   []func(State)
	messageListeners []func(Message)
	lowListeners     []func()
}

func newChannel(e *Engine, id uint16, label string, opts ChannelOptions) *Channel {
	c := &Channel{
		e:          e,
		id:         id,
		label:      label,
		protocol:   opts.Protocol,
		ordered:    opts.Ordered,
		negotiated: opts.Negotiated,
		mode:       opts.Reliability,
		priority:   opts.Priority,
		log:        e.log.With(fmt.Sprintf("ch %d %s", id, label)),
		sb:         newSendBuffer(),
		reasm:      NewReassembler(opts.Ordered, uint32(e.cfg.ReassemblyWindow)),
		closed:     make(chan struct{}),
	}
	c.binaryType.Store(BinaryTypeArrayBuffer)
	c.events = newFanout(e.cfg.PendingEventLimit, func(ev event) bool {
		return ev.kind != eventStateChanged
	}, c.dispatch)
	return c
}

// ---------------------------------------------------------------------------
// Attributes
// ---------------------------------------------------------------------------

func (c *Channel) ID() uint16 {
	if s := c.snap.Load(); s != nil {
		return s.ID
	}
	return c.id
}

func (c *Channel) Label() string {
	if s := c.snap.Load(); s != nil {
		return s.Label
	}
	return c.label
}

func (c *Channel) Protocol() string {
	if s := c.snap.Load(); s != nil {
		return s.Protocol
	}
	return c.protocol
}

func (c *Channel) Ordered() bool {
	if s := c.snap.Load(); s != nil {
		return s.Ordered
	}
	return c.ordered
}

func (c *Channel) Negotiated() bool {
	if s := c.snap.Load(); s != nil {
		return s.Negotiated
	}
	return c.negotiated
}

func (c *Channel) Reliability() reliability.Mode {
	if s := c.snap.Load(); s != nil {
		return s.Reliability
	}
	return c.mode
}

func (c *Channel) Priority() string {
	if s := c.snap.Load(); s != nil {
		return s.Priority
	}
	return c.priority
}

// MaxRetransmits reports the retransmission limit, if the channel has one.
func (c *Channel) MaxRetransmits() (uint16, bool) {
	m := c.Reliability()
	if m.Kind != reliability.KindMaxRetransmits {
		return 0, false
	}
	return m.MaxRetransmits, true
}

// MaxPacketLifeTime reports the lifetime limit in milliseconds, if the
// channel has one.
func (c *Channel) MaxPacketLifeTime() (uint16, bool) {
	m := c.Reliability()
	if m.Kind != reliability.KindMaxLifetime {
		return 0, false
	}
	return uint16(m.MaxLifetime.Milliseconds()), true
}

// BufferedAmount is the number of message bytes queued but not yet handed
// to the association. After close it reports the amount at close time.
func (c *Channel) BufferedAmount() uint64 {
	if s := c.snap.Load(); s != nil {
		return s.BufferedAmount
	}
	return c.buffered.Load()
}

func (c *Channel) ReadyState() State {
	return State(c.state.Load())
}

// Snapshot returns the attributes captured at close, or false while the
// channel is not closed.
func (c *Channel) Snapshot() (Snapshot, bool) {
	s := c.snap.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

func (c *Channel) BinaryType() string {
	return c.binaryType.Load().(string)
}

// SetBinaryType records how the application wants binary messages
// presented. It has no effect on the wire.
func (c *Channel) SetBinaryType(t string) error {
	switch t {
	case BinaryTypeArrayBuffer, BinaryTypeBlob:
		c.binaryType.Store(t)
		return nil
	default:
		return fmt.Errorf("%w: binary type %q", ErrInvalidArgument, t)
	}
}

func (c *Channel) BufferedAmountLowThreshold() uint64 {
	return c.lowThreshold.Load()
}

// SetBufferedAmountLowThreshold sets the level at or below which a drop in
// the buffered amount fires OnBufferedAmountLow.
func (c *Channel) SetBufferedAmountLowThreshold(n uint64) {
	c.lowThreshold.Store(n)
}

// Done returns a channel that is closed once the channel reaches Closed.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// ---------------------------------------------------------------------------
// Listeners
// ---------------------------------------------------------------------------

// Events are held until the first listener of any kind is registered. On
// a channel opened by the peer they are also held until every OnChannel
// callback has returned, so listeners registered there see everything.

func (c *Channel) OnStateChange(fn func(State)) {
	c.lmu.Lock()
	c.stateListeners = append(c.stateListeners, fn)
	c.lmu.Unlock()
	c.listenerAdded()
}

func (c *Channel) OnMessage(fn func(Message)) {
	c.lmu.Lock()
	c.messageListeners = append(c.messageListeners, fn)
	c.lmu.Unlock()
	c.listenerAdded()
}

func (c *Channel) OnBufferedAmountLow(fn func()) {
	c.lmu.Lock()
	c.lowListeners = append(c.lowListeners, fn)
	c.lmu.Unlock()
	c.listenerAdded()
}

func (c *Channel) listenerAdded() {
	c.hasListener.Store(true)
	c.maybeStartEvents()
}

// maybeStartEvents releases held events once a listener exists and the
// channel is no longer being announced. Both sides call it after their own
// store, so at least one of them sees the other's.
func (c *Channel) maybeStartEvents() {
	if c.hasListener.Load() && !c.announcing.Load() {
		c.events.start()
	}
}

// dispatch runs on the channel's fanout goroutine.
func (c *Channel) dispatch(ev event) {
	c.lmu.Lock()
	stateFns := c.stateListeners
	messageFns := c.messageListeners
	lowFns := c.lowListeners
	c.lmu.Unlock()

	switch ev.kind {
	case eventStateChanged:
		for _, fn := range stateFns {
			fn(ev.state)
		}
	case eventMessage:
		for _, fn := range messageFns {
			fn(ev.msg)
		}
	case eventBufferedAmountLow:
		for _, fn := range lowFns {
			fn()
		}
	}
}

// ---------------------------------------------------------------------------
// Application calls
// ---------------------------------------------------------------------------

// Send queues one message. Text must be valid UTF-8 and may be empty;
// binary must not be empty. Under the block backpressure policy Send waits
// for the buffer to drain, the channel to close, or ctx to end.
func (c *Channel) Send(ctx context.Context, data []byte, binary bool) error {
	if binary && len(data) == 0 {
		return fmt.Errorf("%w: empty binary message", ErrInvalidArgument)
	}
	if !binary && !utf8.Valid(data) {
		return fmt.Errorf("%w: text message is not valid UTF-8", ErrInvalidArgument)
	}
	if s := c.ReadyState(); s != StateOpen {
		return fmt.Errorf("%w: channel is %s", ErrInvalidState, s)
	}

	buf := append([]byte(nil), data...)
	for {
		var wait <-chan struct{}
		var sendErr error
		err := c.e.do(ctx, func() {
			wait, sendErr = c.e.send(c, buf, binary, time.Now())
		})
		if errors.Is(err, ErrEngineClosed) {
			return fmt.Errorf("%w: channel is %s", ErrInvalidState, c.ReadyState())
		}
		if err != nil {
			return err
		}
		if wait == nil {
			return sendErr
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) SendText(ctx context.Context, s string) error {
	return c.Send(ctx, []byte(s), false)
}

func (c *Channel) SendBinary(ctx context.Context, b []byte) error {
	return c.Send(ctx, b, true)
}

// Close starts the closing handshake. Queued messages drain first, for at
// most the configured linger. Closing an already closing or closed channel
// does nothing.
func (c *Channel) Close() error {
	if c.ReadyState() == StateClosed {
		return nil
	}
	err := c.e.do(context.Background(), func() {
		c.e.closeChannel(c, time.Now())
	})
	if errors.Is(err, ErrEngineClosed) {
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// Loop side
// ---------------------------------------------------------------------------

// setState moves the channel forward and queues the notification. It
// reports whether the state changed.
func (c *Channel) setState(s State) bool {
	cur := c.ReadyState()
	if s <= cur {
		return false
	}
	c.state.Store(int32(s))
	c.log.Debugf("%s -> %s", cur, s)

	if s == StateOpen {
		c.e.stats.ChannelsOpened.Add(1)
	}
	c.events.push(event{kind: eventStateChanged, state: s}, s == StateClosed)
	return true
}

func (c *Channel) emitMessage(m Message) {
	c.e.stats.MessagesDelivered.Add(1)
	c.events.push(event{kind: eventMessage, msg: m}, false)
}

// takeSnapshot records the attributes once, before outbound state is
// released.
func (c *Channel) takeSnapshot() {
	if c.snap.Load() != nil {
		return
	}
	c.snap.Store(&Snapshot{
		ID:             c.id,
		Label:          c.label,
		Protocol:       c.protocol,
		Ordered:        c.ordered,
		Negotiated:     c.negotiated,
		Reliability:    c.mode,
		Priority:       c.priority,
		BufferedAmount: c.buffered.Load(),
	})
}

// drainSignal returns a channel that is closed when the buffered amount
// falls to the low-water mark or the channel closes.
func (c *Channel) drainSignal() <-chan struct{} {
	if c.drainCh == nil {
		c.drainCh = make(chan struct{})
	}
	return c.drainCh
}

func (c *Channel) releaseWaiters() {
	if c.drainCh != nil {
		close(c.drainCh)
		c.drainCh = nil
	}
}
