// Package engine multiplexes reliable and partially reliable message
// channels over one datagram association.
//
// Each Engine runs a single loop goroutine that owns every channel's mutable
// state: application calls are handed to it as closures, inbound datagrams
// are queued to it by the association observer, and a ticker drives
// retransmission, lifetime expiry and close lingering. Listener callbacks
// run on per-channel dispatcher goroutines, never on the loop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/rtcmsg/internal/config"
	"github.com/1ureka/rtcmsg/internal/protocol"
	"github.com/1ureka/rtcmsg/internal/reliability"
	"github.com/1ureka/rtcmsg/internal/transport"
	"github.com/1ureka/rtcmsg/internal/util"
)

type datagram struct {
	streamID uint16
	b        []byte
}

// Engine owns all channels on one association.
type Engine struct {
	id      string
	cfg     config.Config
	assoc   transport.Association
	log     *util.Logger
	stats   *util.Stats
	backoff reliability.Backoff

	ops      chan func()
	inbound  chan datagram
	fatal    chan error
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	closeOnce sync.Once

	announce *fanout[*Channel]
	amu      sync.Mutex
	onChan   []func(*Channel)

	// Owned by the loop.
	mux         *mux
	inFlight    uint64
	windowFreed bool
	failed      bool
}

// New attaches an engine to assoc and starts its loop. The engine does not
// own assoc: Close detaches from it without closing it.
func New(assoc transport.Association, cfg config.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	e := &Engine{
		id:    id,
		cfg:   cfg,
		assoc: assoc,
		log:   util.NewLogger("engine " + id[:8]),
		stats: &util.Stats{},
		backoff: reliability.Backoff{
			Initial:    cfg.RetransmitTimeout,
			Max:        cfg.MaxRetransmitTimeout,
			Multiplier: cfg.BackoffMultiplier,
		},
		ops:      make(chan func()),
		inbound:  make(chan datagram, cfg.InboundQueueSize),
		fatal:    make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
	}
	e.mux = newMux(cfg.Role, cfg.PendingStreamLimit)
	e.announce = newFanout[*Channel](0, nil, e.dispatchChannel)

	assoc.RegisterObserver(engineObserver{e})
	util.StartStatsReporter(ctx, "engine "+id[:8], e.stats, cfg.StatsInterval)
	go e.run()

	e.log.Debugf("started as %s, max payload %d", cfg.Role, e.maxPayload())
	return e, nil
}

// ID returns the engine's instance id.
func (e *Engine) ID() string { return e.id }

// Stats returns a copy of the engine's counters.
func (e *Engine) Stats() util.Snapshot { return e.stats.Snapshot() }

// Done returns a channel that is closed once the loop has stopped, either
// by Close or because the association went away.
func (e *Engine) Done() <-chan struct{} { return e.loopDone }

// Close force-closes every channel and stops the loop. It is safe to call
// concurrently with any channel operation and more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.cancel()
		<-e.loopDone
		e.assoc.UnregisterObserver()
	})
	return nil
}

// OnChannel registers fn to be called for each channel the peer opens.
// Channels opened before the first registration are held and delivered
// in arrival order.
func (e *Engine) OnChannel(fn func(*Channel)) {
	e.amu.Lock()
	e.onChan = append(e.onChan, fn)
	e.amu.Unlock()
	e.announce.start()
}

func (e *Engine) dispatchChannel(c *Channel) {
	e.amu.Lock()
	fns := e.onChan
	e.amu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
	c.announcing.Store(false)
	c.maybeStartEvents()
}

// CreateChannel opens a channel. Non-negotiated channels start in
// Connecting and become Open once the peer acknowledges them; negotiated
// channels need an explicit ID and are Open immediately.
func (e *Engine) CreateChannel(ctx context.Context, label string, opts ChannelOptions) (*Channel, error) {
	if len(label) > maxLabelSize || len(opts.Protocol) > maxLabelSize {
		return nil, fmt.Errorf("%w: label or protocol longer than %d bytes", ErrInvalidArgument, maxLabelSize)
	}
	if err := opts.Reliability.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if opts.Negotiated && opts.ID == nil {
		return nil, fmt.Errorf("%w: negotiated channel needs an id", ErrInvalidArgument)
	}
	if opts.ID != nil && *opts.ID == reservedStreamID {
		return nil, fmt.Errorf("%w: stream id %d is reserved", ErrInvalidArgument, reservedStreamID)
	}
	switch opts.Priority {
	case "":
		opts.Priority = PriorityHigh
	case PriorityVeryLow, PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return nil, fmt.Errorf("%w: priority %q", ErrInvalidArgument, opts.Priority)
	}

	var c *Channel
	var createErr error
	if err := e.do(ctx, func() {
		c, createErr = e.createChannel(label, opts, time.Now())
	}); err != nil {
		return nil, err
	}
	return c, createErr
}

// do runs op on the loop and waits for it to finish.
func (e *Engine) do(ctx context.Context, op func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		op()
	}
	select {
	case e.ops <- wrapped:
	case <-e.ctx.Done():
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

func (e *Engine) run() {
	defer close(e.loopDone)
	defer e.cancel()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case op := <-e.ops:
			op()
			e.afterEvent(time.Now())

		case d := <-e.inbound:
			now := time.Now()
			e.handleDatagram(d, now)
			e.afterEvent(now)

		case now := <-ticker.C:
			e.tick(now)

		case err := <-e.fatal:
			e.fail(err)
			return

		case <-e.ctx.Done():
			if !e.failed {
				e.shutdown(ErrEngineClosed)
			}
			return
		}
	}
}

// afterEvent refills the window once acknowledgements or abandonment freed
// room in it.
func (e *Engine) afterEvent(now time.Time) {
	if e.windowFreed && !e.failed {
		e.windowFreed = false
		e.flushAll(now)
	}
}

func (e *Engine) tick(now time.Time) {
	for _, c := range e.mux.routes {
		if e.failed {
			return
		}
		e.retransmit(c, now)
		e.retransmitControls(c, now)
		if c.ReadyState() == StateClosing && !c.lingerDeadline.IsZero() && !now.Before(c.lingerDeadline) {
			c.log.Debugf("close linger elapsed, discarding %d bytes", c.buffered.Load())
			if !c.closeSent {
				// One unacknowledged attempt so the peer does not stay open.
				c.closeSent = true
				e.sendControl(c, protocol.TypeClose, 0, nil, now)
			}
			e.finishClose(c)
		}
	}
	e.windowFreed = false
	e.flushAll(now)
	e.mux.expire(now)
}

// fail force-closes everything after the association is gone.
func (e *Engine) fail(err error) {
	if e.failed {
		return
	}
	e.log.Warnf("association failed: %v", err)
	e.shutdown(err)
	e.cancel()
}

func (e *Engine) shutdown(reason error) {
	e.failed = true
	for _, c := range e.mux.routes {
		e.finishClose(c)
	}
	e.mux.reset()
	e.announce.seal()
	e.log.Debugf("stopped: %v", reason)
}

// ---------------------------------------------------------------------------
// Channel lifecycle (loop side)
// ---------------------------------------------------------------------------

func (e *Engine) createChannel(label string, opts ChannelOptions, now time.Time) (*Channel, error) {
	if e.failed {
		return nil, ErrEngineClosed
	}

	var id uint16
	if opts.ID != nil {
		id = *opts.ID
		if _, used := e.mux.routes[id]; used {
			return nil, fmt.Errorf("%w: stream id %d in use", ErrInvalidArgument, id)
		}
	} else {
		var err error
		if id, err = e.mux.allocate(); err != nil {
			return nil, err
		}
	}

	c := newChannel(e, id, label, opts)
	e.mux.add(c)

	if opts.Negotiated {
		c.setState(StateOpen)
		for _, pkt := range e.mux.takePending(id) {
			e.dispatch(id, pkt, now)
		}
		return c, nil
	}

	e.mux.takePending(id)
	kind, maxRtx, lifetimeMs := opts.Reliability.Wire()
	params, err := protocol.EncodeOpenParams(protocol.OpenParams{
		Label:          label,
		Protocol:       opts.Protocol,
		Ordered:        opts.Ordered,
		Reliability:    kind,
		MaxRetransmits: maxRtx,
		MaxLifetimeMs:  lifetimeMs,
		Priority:       opts.Priority,
	})
	if err != nil {
		e.mux.remove(id)
		return nil, fmt.Errorf("encode open parameters: %w", err)
	}
	e.sendControl(c, protocol.TypeOpen, 0, params, now)
	return c, nil
}

// acceptChannel creates the channel a peer's Open announces.
func (e *Engine) acceptChannel(streamID uint16, pkt *protocol.Packet, now time.Time) bool {
	params, err := protocol.DecodeOpenParams(pkt.Payload)
	if err != nil {
		e.log.Warnf("stream %d: bad open parameters: %v", streamID, err)
		return false
	}
	mode, err := reliability.FromWire(params.Reliability, params.MaxRetransmits, params.MaxLifetimeMs)
	if err != nil {
		e.log.Warnf("stream %d: bad reliability: %v", streamID, err)
		return false
	}
	if params.Priority == "" {
		params.Priority = PriorityHigh
	}

	c := newChannel(e, streamID, params.Label, ChannelOptions{
		Protocol:    params.Protocol,
		Ordered:     params.Ordered,
		Reliability: mode,
		Priority:    params.Priority,
	})
	e.mux.add(c)
	c.announcing.Store(true)
	c.setState(StateOpen)
	c.log.Debugf("opened by peer (%s, ordered=%t)", mode, params.Ordered)
	e.ack(streamID, pkt.TSN)
	e.announce.push(c, false)

	for _, p := range e.mux.takePending(streamID) {
		e.dispatch(streamID, p, now)
	}
	return true
}

// closeChannel handles a local Close call.
func (e *Engine) closeChannel(c *Channel, now time.Time) {
	switch c.ReadyState() {
	case StateClosing, StateClosed:
		return
	}
	c.localClose = true
	c.setState(StateClosing)
	c.lingerDeadline = now.Add(e.cfg.CloseLinger)
	e.checkDrained(c, now)
}

// checkDrained sends Close once a locally closed channel has nothing left
// to deliver.
func (e *Engine) checkDrained(c *Channel, now time.Time) {
	if !c.localClose || c.closeSent || c.ReadyState() != StateClosing || !c.sb.drained() {
		return
	}
	c.closeSent = true
	e.sendControl(c, protocol.TypeClose, 0, nil, now)
}

// remoteClose handles the peer's Close: outbound state is discarded.
func (e *Engine) remoteClose(c *Channel) {
	if c.ReadyState() == StateClosed {
		return
	}
	c.setState(StateClosing)
	e.finishClose(c)
}

// finishClose moves c to Closed: snapshot, release outbound state, flush
// held messages, free the stream id.
func (e *Engine) finishClose(c *Channel) {
	if c.ReadyState() == StateClosed {
		return
	}
	c.takeSnapshot()
	e.discardOutbound(c)
	for _, m := range c.reasm.Close() {
		c.emitMessage(m)
	}
	c.setState(StateClosed)
	e.mux.remove(c.id)
	c.releaseWaiters()
	close(c.closed)
	e.stats.ChannelsClosed.Add(1)
}

// ---------------------------------------------------------------------------
// Association observer
// ---------------------------------------------------------------------------

type engineObserver struct{ e *Engine }

// OnDatagram queues a copy of b for the loop. It never blocks: when the
// queue is full the datagram is dropped and the sender retransmits.
func (o engineObserver) OnDatagram(streamID uint16, b []byte) {
	d := datagram{streamID: streamID, b: append([]byte(nil), b...)}
	select {
	case o.e.inbound <- d:
	default:
		o.e.log.Debugf("inbound queue full, dropping datagram for stream %d", streamID)
	}
}

func (o engineObserver) OnAssociationClosed(err error) {
	if err == nil {
		err = transport.ErrClosed
	}
	select {
	case o.e.fatal <- err:
	default:
	}
}
