package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/1ureka/rtcmsg/internal/config"
	"github.com/1ureka/rtcmsg/internal/protocol"
	"github.com/1ureka/rtcmsg/internal/reliability"
	"github.com/1ureka/rtcmsg/internal/transport"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testMaxPayload = 1024

// testConfig shortens every timer so loss recovery and lingering finish
// quickly.
func testConfig(role config.Role) config.Config {
	cfg := config.Default()
	cfg.Role = role
	cfg.RetransmitTimeout = 30 * time.Millisecond
	cfg.MaxRetransmitTimeout = 120 * time.Millisecond
	cfg.TickInterval = 5 * time.Millisecond
	cfg.CloseLinger = 500 * time.Millisecond
	cfg.StatsInterval = 0
	return cfg
}

// newPeers creates a client and a host engine on a linked pipe pair.
// tweak, if non-nil, adjusts both configs.
func newPeers(t *testing.T, tweak func(*config.Config)) (client, host *Engine, cp, hp *transport.Pipe) {
	t.Helper()
	cp, hp = transport.NewPipe(testMaxPayload)

	ccfg, hcfg := testConfig(config.RoleClient), testConfig(config.RoleHost)
	if tweak != nil {
		tweak(&ccfg)
		tweak(&hcfg)
	}

	client, err := New(cp, ccfg)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	host, err = New(hp, hcfg)
	if err != nil {
		t.Fatalf("New(host): %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		host.Close()
		cp.Close()
	})
	return client, host, cp, hp
}

// negotiated creates a pre-negotiated channel with the given id.
func negotiated(t *testing.T, e *Engine, id uint16, opts ChannelOptions) *Channel {
	t.Helper()
	opts.Negotiated = true
	opts.ID = &id
	c, err := e.CreateChannel(context.Background(), fmt.Sprintf("neg-%d", id), opts)
	if err != nil {
		t.Fatalf("CreateChannel(id %d): %v", id, err)
	}
	return c
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func waitState(t *testing.T, c *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.ReadyState() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %d is %s, want %s", c.ID(), c.ReadyState(), want)
}

// inbox records everything a channel's listeners see, in order.
type inbox struct {
	mu     sync.Mutex
	msgs   []Message
	states []State
	log    []string
}

func collect(c *Channel) *inbox {
	b := &inbox{}
	c.OnMessage(func(m Message) {
		b.mu.Lock()
		b.msgs = append(b.msgs, m)
		b.log = append(b.log, "msg")
		b.mu.Unlock()
	})
	c.OnStateChange(func(s State) {
		b.mu.Lock()
		b.states = append(b.states, s)
		b.log = append(b.log, s.String())
		b.mu.Unlock()
	})
	return b
}

func (b *inbox) messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.msgs...)
}

func (b *inbox) stateLog() []State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]State(nil), b.states...)
}

func (b *inbox) events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.log...)
}

func (b *inbox) wait(t *testing.T, n int) []Message {
	t.Helper()
	waitFor(t, 10*time.Second, func() bool { return len(b.messages()) >= n })
	return b.messages()
}

// decodeData returns the packet if b is a data fragment.
func decodeData(b []byte) (*protocol.Packet, bool) {
	pkt, err := protocol.Decode(b)
	if err != nil || !pkt.IsData() {
		return nil, false
	}
	return pkt, true
}

// failData makes every data write fail with ErrTransient while the
// returned flag is set.
func failData(p *transport.Pipe) *atomic.Bool {
	var failing atomic.Bool
	failing.Store(true)
	p.SetWriteFilter(func(_ uint16, b []byte) error {
		if _, ok := decodeData(b); ok && failing.Load() {
			return transport.ErrTransient
		}
		return nil
	})
	return &failing
}

// makeTestData generates deterministic test data of the given size.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// ---------------------------------------------------------------------------
// Fragmentation and delivery
// ---------------------------------------------------------------------------

func TestFragmentRoundTrip(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)

	var mu sync.Mutex
	tsns := make(map[uint32]*protocol.Packet)
	cp.SetDropFilter(func(_ uint16, b []byte) bool {
		if pkt, ok := decodeData(b); ok {
			mu.Lock()
			tsns[pkt.TSN] = pkt
			mu.Unlock()
		}
		return false
	})

	tx := negotiated(t, client, 2, ChannelOptions{Ordered: true})
	rx := collect(negotiated(t, host, 2, ChannelOptions{Ordered: true}))

	sent := makeTestData(3*testMaxPayload+17, 7)
	if err := tx.SendBinary(context.Background(), sent); err != nil {
		t.Fatal(err)
	}

	got := rx.wait(t, 1)
	if !got[0].Binary || !bytes.Equal(got[0].Data, sent) {
		t.Fatalf("received %d bytes (binary=%t), want the %d bytes sent", len(got[0].Data), got[0].Binary, len(sent))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(tsns) != 4 {
		t.Fatalf("message went out in %d fragments, want 4", len(tsns))
	}
	for _, pkt := range tsns {
		if len(pkt.Payload) > testMaxPayload {
			t.Errorf("fragment %d carries %d bytes", pkt.SeqNum, len(pkt.Payload))
		}
		if pkt.IsLast() != (pkt.SeqNum == 3) {
			t.Errorf("fragment %d last flag = %t", pkt.SeqNum, pkt.IsLast())
		}
	}
}

func TestReliableOrderedDelivery(t *testing.T) {
	testCases := []struct {
		name  string
		delay time.Duration
		loss  float64
		count int
	}{
		{"reordering", 5 * time.Millisecond, 0, 100},
		{"lossy", 2 * time.Millisecond, 0.2, 40},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client, host, cp, hp := newPeers(t, nil)
			for _, p := range []*transport.Pipe{cp, hp} {
				p.SetDelay(tc.delay)
				p.SetLoss(tc.loss)
			}

			tx := negotiated(t, client, 0, ChannelOptions{Ordered: true})
			rx := collect(negotiated(t, host, 0, ChannelOptions{Ordered: true}))

			var sent [][]byte
			for i := range tc.count {
				data := makeTestData(1+(i*397)%(3*testMaxPayload), byte(i))
				sent = append(sent, data)
				if err := tx.SendBinary(context.Background(), data); err != nil {
					t.Fatalf("send #%d: %v", i, err)
				}
			}

			got := rx.wait(t, tc.count)
			for i := range sent {
				if !bytes.Equal(got[i].Data, sent[i]) {
					t.Fatalf("message %d out of order or corrupt (%d bytes, want %d)", i, len(got[i].Data), len(sent[i]))
				}
			}
		})
	}
}

func TestOrderedHoldsLaterMessage(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)

	// Lose the first transmission of every fragment of message 1, so
	// message 2 completes first.
	var mu sync.Mutex
	seen := make(map[uint32]bool)
	var dropped atomic.Int32
	cp.SetDropFilter(func(_ uint16, b []byte) bool {
		pkt, ok := decodeData(b)
		if !ok || pkt.MessageID != 1 {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[pkt.TSN] {
			return false
		}
		seen[pkt.TSN] = true
		dropped.Add(1)
		return true
	})

	tx := negotiated(t, client, 4, ChannelOptions{Ordered: true})
	rx := collect(negotiated(t, host, 4, ChannelOptions{Ordered: true}))

	first := makeTestData(testMaxPayload+500, 1)
	if err := tx.SendBinary(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if err := tx.SendText(context.Background(), "second"); err != nil {
		t.Fatal(err)
	}

	got := rx.wait(t, 2)
	if !bytes.Equal(got[0].Data, first) || string(got[1].Data) != "second" {
		t.Fatalf("delivery order wrong: %d bytes then %q", len(got[0].Data), got[1].Data)
	}
	if dropped.Load() != 2 {
		t.Errorf("dropped %d fragments, want 2", dropped.Load())
	}
	if client.Stats().Retransmits < 2 {
		t.Errorf("retransmits = %d, want at least 2", client.Stats().Retransmits)
	}
}

// ---------------------------------------------------------------------------
// Partial reliability
// ---------------------------------------------------------------------------

func TestMaxRetransmitsZeroNeverRetries(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)

	var writes atomic.Int32
	cp.SetDropFilter(func(_ uint16, b []byte) bool {
		pkt, ok := decodeData(b)
		if !ok || pkt.MessageID != 1 {
			return false
		}
		writes.Add(1)
		return true
	})

	opts := ChannelOptions{Ordered: true, Reliability: reliability.MaxRetransmits(0)}
	tx := negotiated(t, client, 6, opts)
	rx := collect(negotiated(t, host, 6, opts))

	if err := tx.SendBinary(context.Background(), makeTestData(testMaxPayload+1, 3)); err != nil {
		t.Fatalf("Send of a message that will be lost: %v", err)
	}
	if err := tx.SendText(context.Background(), "kept"); err != nil {
		t.Fatal(err)
	}

	// Message 2 is released once the peer learns message 1 was abandoned.
	got := rx.wait(t, 1)
	if string(got[0].Data) != "kept" {
		t.Fatalf("first delivery = %q, want %q", got[0].Data, "kept")
	}

	time.Sleep(200 * time.Millisecond)
	if n := writes.Load(); n != 2 {
		t.Errorf("message 1 fragments written %d times, want 2 (no retries)", n)
	}
	if n := len(rx.messages()); n != 1 {
		t.Errorf("delivered %d messages, want 1", n)
	}
	if n := client.Stats().MessagesAbandoned; n != 1 {
		t.Errorf("abandoned = %d, want 1", n)
	}
}

func TestMaxRetransmitsLimitsAttempts(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)

	var writes atomic.Int32
	cp.SetDropFilter(func(_ uint16, b []byte) bool {
		if _, ok := decodeData(b); ok {
			writes.Add(1)
			return true
		}
		return false
	})

	opts := ChannelOptions{Reliability: reliability.MaxRetransmits(2)}
	tx := negotiated(t, client, 8, opts)
	collect(negotiated(t, host, 8, opts))

	if err := tx.SendText(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return client.Stats().MessagesAbandoned == 1 })
	time.Sleep(100 * time.Millisecond)
	if n := writes.Load(); n != 3 {
		t.Errorf("written %d times, want 3 (1 + 2 retransmissions)", n)
	}
}

func TestMaxLifetimeContinuousWriteFailure(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)
	failing := failData(cp)

	opts := ChannelOptions{Ordered: true, Reliability: reliability.MaxLifetime(100 * time.Millisecond)}
	tx := negotiated(t, client, 10, opts)
	rx := collect(negotiated(t, host, 10, opts))

	start := time.Now()
	if err := tx.SendText(context.Background(), "doomed"); err != nil {
		t.Fatalf("Send returned %v, want success", err)
	}
	if tx.BufferedAmount() != uint64(len("doomed")) {
		t.Errorf("buffered = %d, want %d", tx.BufferedAmount(), len("doomed"))
	}

	waitFor(t, 2*time.Second, func() bool { return client.Stats().MessagesAbandoned == 1 })
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("abandoned after %v, before the 100ms lifetime", elapsed)
	}
	if tx.BufferedAmount() != 0 {
		t.Errorf("buffered = %d after abandon, want 0", tx.BufferedAmount())
	}

	failing.Store(false)
	if err := tx.SendText(context.Background(), "after"); err != nil {
		t.Fatal(err)
	}
	got := rx.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	if string(got[0].Data) != "after" || len(rx.messages()) != 1 {
		t.Errorf("received %d messages, first %q; want only %q", len(rx.messages()), got[0].Data, "after")
	}
}

// ---------------------------------------------------------------------------
// Send errors and flow control
// ---------------------------------------------------------------------------

func TestSendWhileConnectingFails(t *testing.T) {
	// Nobody answers on the far end, so the open handshake never completes.
	a, _ := transport.NewPipe(testMaxPayload)
	defer a.Close()
	e, err := New(a, testConfig(config.RoleClient))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	c, err := e.CreateChannel(context.Background(), "pending", ChannelOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if s := c.ReadyState(); s != StateConnecting {
		t.Fatalf("state = %s, want connecting", s)
	}
	if err := c.SendText(context.Background(), "hi"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Send while connecting = %v, want ErrInvalidState", err)
	}
}

func TestSendValidation(t *testing.T) {
	client, host, _, _ := newPeers(t, nil)
	tx := negotiated(t, client, 12, ChannelOptions{Ordered: true})
	rx := collect(negotiated(t, host, 12, ChannelOptions{Ordered: true}))

	testCases := []struct {
		name   string
		data   []byte
		binary bool
		want   error
	}{
		{"empty binary", nil, true, ErrInvalidArgument},
		{"invalid utf-8", []byte{0xff, 0xfe}, false, ErrInvalidArgument},
		{"empty text", []byte{}, false, nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tx.Send(context.Background(), tc.data, tc.binary)
			if !errors.Is(err, tc.want) {
				t.Errorf("Send = %v, want %v", err, tc.want)
			}
		})
	}

	got := rx.wait(t, 1)
	if len(got[0].Data) != 0 || got[0].Binary {
		t.Errorf("received %+v, want an empty text message", got[0])
	}
}

func TestTransportErrorDropsMessage(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)

	errBoom := errors.New("boom")
	var failing atomic.Bool
	failing.Store(true)
	cp.SetWriteFilter(func(_ uint16, b []byte) error {
		if _, ok := decodeData(b); ok && failing.Load() {
			return errBoom
		}
		return nil
	})

	tx := negotiated(t, client, 14, ChannelOptions{Ordered: true})
	rx := collect(negotiated(t, host, 14, ChannelOptions{Ordered: true}))

	err := tx.SendText(context.Background(), "lost")
	var terr *TransportError
	if !errors.As(err, &terr) || !errors.Is(err, errBoom) {
		t.Fatalf("Send = %v, want a *TransportError wrapping %v", err, errBoom)
	}
	if tx.ReadyState() != StateOpen {
		t.Errorf("channel is %s after a transport error, want open", tx.ReadyState())
	}
	if tx.BufferedAmount() != 0 {
		t.Errorf("buffered = %d after drop, want 0", tx.BufferedAmount())
	}

	failing.Store(false)
	if err := tx.SendText(context.Background(), "delivered"); err != nil {
		t.Fatal(err)
	}
	got := rx.wait(t, 1)
	if string(got[0].Data) != "delivered" {
		t.Errorf("received %q, want %q", got[0].Data, "delivered")
	}
}

func TestBufferedAmountTracksQueuedBytes(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)
	failing := failData(cp)

	tx := negotiated(t, client, 16, ChannelOptions{})
	rx := collect(negotiated(t, host, 16, ChannelOptions{}))

	var total uint64
	for _, n := range []int{100, 2000, 300} {
		if err := tx.SendBinary(context.Background(), makeTestData(n, 0)); err != nil {
			t.Fatal(err)
		}
		total += uint64(n)
		if got := tx.BufferedAmount(); got != total {
			t.Fatalf("buffered = %d, want %d", got, total)
		}
	}

	failing.Store(false)
	waitFor(t, 2*time.Second, func() bool { return tx.BufferedAmount() == 0 })
	rx.wait(t, 3)
}

func TestBufferedAmountLowEvent(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)
	failing := failData(cp)

	tx := negotiated(t, client, 18, ChannelOptions{})
	negotiated(t, host, 18, ChannelOptions{})

	tx.SetBufferedAmountLowThreshold(100)
	fired := make(chan struct{}, 1)
	tx.OnBufferedAmountLow(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	if err := tx.SendBinary(context.Background(), makeTestData(500, 0)); err != nil {
		t.Fatal(err)
	}
	failing.Store(false)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("OnBufferedAmountLow did not fire")
	}
}

func TestBackpressureFail(t *testing.T) {
	client, host, cp, _ := newPeers(t, func(cfg *config.Config) {
		cfg.HighWaterMark = 1000
		cfg.LowWaterMark = 100
	})
	failData(cp)

	tx := negotiated(t, client, 20, ChannelOptions{})
	negotiated(t, host, 20, ChannelOptions{})

	if err := tx.SendBinary(context.Background(), makeTestData(2000, 0)); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := tx.SendText(context.Background(), "more"); !errors.Is(err, ErrBackpressure) {
		t.Errorf("Send above the high-water mark = %v, want ErrBackpressure", err)
	}
}

func TestBackpressureBlock(t *testing.T) {
	client, host, cp, _ := newPeers(t, func(cfg *config.Config) {
		cfg.HighWaterMark = 1000
		cfg.LowWaterMark = 100
		cfg.Backpressure = config.BackpressureBlock
	})
	failing := failData(cp)

	tx := negotiated(t, client, 22, ChannelOptions{})
	rx := collect(negotiated(t, host, 22, ChannelOptions{}))

	if err := tx.SendBinary(context.Background(), makeTestData(2000, 0)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tx.SendText(ctx, "timeout"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("blocked Send with expiring ctx = %v, want DeadlineExceeded", err)
	}

	result := make(chan error, 1)
	go func() { result <- tx.SendText(context.Background(), "unblocked") }()

	select {
	case err := <-result:
		t.Fatalf("Send returned %v while the buffer was full", err)
	case <-time.After(50 * time.Millisecond):
	}

	failing.Store(false)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("unblocked Send = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send stayed blocked after the buffer drained")
	}
	rx.wait(t, 2)
}

// ---------------------------------------------------------------------------
// Channel lifecycle
// ---------------------------------------------------------------------------

func TestRemoteOpenAnnounced(t *testing.T) {
	client, host, _, _ := newPeers(t, nil)

	announced := make(chan *Channel, 1)
	host.OnChannel(func(c *Channel) { announced <- c })

	opts := ChannelOptions{
		Protocol:    "json",
		Ordered:     true,
		Reliability: reliability.MaxLifetime(500 * time.Millisecond),
		Priority:    PriorityLow,
	}
	tx, err := client.CreateChannel(context.Background(), "chat", opts)
	if err != nil {
		t.Fatal(err)
	}
	if tx.ID()%2 != 0 {
		t.Errorf("client allocated odd id %d", tx.ID())
	}

	var rx *Channel
	select {
	case rx = <-announced:
	case <-time.After(2 * time.Second):
		t.Fatal("host was not told about the channel")
	}
	waitState(t, tx, StateOpen)

	if rx.ID() != tx.ID() || rx.Label() != "chat" || rx.Protocol() != "json" || !rx.Ordered() || rx.Negotiated() {
		t.Errorf("remote channel = id %d %q %q ordered=%t negotiated=%t", rx.ID(), rx.Label(), rx.Protocol(), rx.Ordered(), rx.Negotiated())
	}
	if rx.Reliability() != opts.Reliability || rx.Priority() != PriorityLow {
		t.Errorf("remote channel reliability %s priority %q", rx.Reliability(), rx.Priority())
	}
	if ms, ok := rx.MaxPacketLifeTime(); !ok || ms != 500 {
		t.Errorf("MaxPacketLifeTime = %d, %t", ms, ok)
	}
	if _, ok := rx.MaxRetransmits(); ok {
		t.Error("MaxRetransmits reported for a lifetime channel")
	}

	// Echo back over the announced channel.
	rx.OnMessage(func(m Message) { rx.Send(context.Background(), m.Data, m.Binary) })
	echo := collect(tx)
	if err := tx.SendText(context.Background(), "ping"); err != nil {
		t.Fatal(err)
	}
	if got := echo.wait(t, 1); string(got[0].Data) != "ping" {
		t.Errorf("echo = %q", got[0].Data)
	}

	hostSide, err := host.CreateChannel(context.Background(), "back", ChannelOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if hostSide.ID()%2 != 1 {
		t.Errorf("host allocated even id %d", hostSide.ID())
	}
}

func TestNegotiatedReplaysEarlyPackets(t *testing.T) {
	client, host, _, _ := newPeers(t, nil)

	tx := negotiated(t, client, 24, ChannelOptions{Ordered: true})
	for _, s := range []string{"early-1", "early-2"} {
		if err := tx.SendText(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	rx := collect(negotiated(t, host, 24, ChannelOptions{Ordered: true}))
	got := rx.wait(t, 2)
	if string(got[0].Data) != "early-1" || string(got[1].Data) != "early-2" {
		t.Errorf("received %q, %q", got[0].Data, got[1].Data)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client, host, _, _ := newPeers(t, nil)

	tx := negotiated(t, client, 26, ChannelOptions{})
	rx := negotiated(t, host, 26, ChannelOptions{})
	txEvents, rxEvents := collect(tx), collect(rx)

	if err := tx.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tx.Close(); err != nil {
		t.Fatal(err)
	}
	waitState(t, tx, StateClosed)
	waitState(t, rx, StateClosed)
	if err := tx.Close(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	for name, b := range map[string]*inbox{"local": txEvents, "remote": rxEvents} {
		want := []State{StateOpen, StateClosing, StateClosed}
		got := b.stateLog()
		if len(got) != len(want) {
			t.Errorf("%s states = %v, want %v", name, got, want)
			continue
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s states = %v, want %v", name, got, want)
				break
			}
		}
	}

	if err := tx.SendText(context.Background(), "late"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Send after close = %v, want ErrInvalidState", err)
	}
}

func TestCloseDrainsPendingMessages(t *testing.T) {
	client, host, _, _ := newPeers(t, nil)

	tx := negotiated(t, client, 28, ChannelOptions{Ordered: true})
	rx := collect(negotiated(t, host, 28, ChannelOptions{Ordered: true}))

	const n = 20
	for i := range n {
		if err := tx.SendBinary(context.Background(), makeTestData(3000, byte(i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Close(); err != nil {
		t.Fatal(err)
	}
	waitState(t, tx, StateClosed)
	waitFor(t, 2*time.Second, func() bool {
		ev := rx.events()
		return len(ev) > 0 && ev[len(ev)-1] == StateClosed.String()
	})

	if got := len(rx.messages()); got != n {
		t.Errorf("peer received %d messages before close, want %d", got, n)
	}
}

func TestCloseLingerDiscards(t *testing.T) {
	client, host, cp, _ := newPeers(t, func(cfg *config.Config) {
		cfg.CloseLinger = 50 * time.Millisecond
	})
	failData(cp)

	tx := negotiated(t, client, 30, ChannelOptions{})
	rx := negotiated(t, host, 30, ChannelOptions{})

	if err := tx.SendBinary(context.Background(), makeTestData(700, 0)); err != nil {
		t.Fatal(err)
	}
	if err := tx.Close(); err != nil {
		t.Fatal(err)
	}
	if s := tx.ReadyState(); s != StateClosing {
		t.Errorf("state right after Close = %s, want closing", s)
	}

	waitState(t, tx, StateClosed)
	waitState(t, rx, StateClosed)
	if got := tx.BufferedAmount(); got != 700 {
		t.Errorf("snapshot buffered amount = %d, want 700", got)
	}
}

func TestSnapshotAfterForcedClose(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)
	failData(cp)

	opts := ChannelOptions{Protocol: "proto", Ordered: true, Reliability: reliability.MaxRetransmits(3)}
	tx := negotiated(t, client, 32, opts)
	negotiated(t, host, 32, opts)

	if err := tx.SendBinary(context.Background(), makeTestData(500, 0)); err != nil {
		t.Fatal(err)
	}
	client.Close()

	if s := tx.ReadyState(); s != StateClosed {
		t.Fatalf("state after engine close = %s", s)
	}
	snap, ok := tx.Snapshot()
	if !ok {
		t.Fatal("no snapshot after close")
	}
	want := Snapshot{
		ID:             32,
		Label:          "neg-32",
		Protocol:       "proto",
		Ordered:        true,
		Negotiated:     true,
		Reliability:    reliability.MaxRetransmits(3),
		Priority:       PriorityHigh,
		BufferedAmount: 500,
	}
	if snap != want {
		t.Errorf("snapshot = %+v, want %+v", snap, want)
	}
	if tx.BufferedAmount() != 500 || tx.Label() != "neg-32" || tx.ID() != 32 {
		t.Errorf("attributes after close: id %d label %q buffered %d", tx.ID(), tx.Label(), tx.BufferedAmount())
	}
	if n, ok := tx.MaxRetransmits(); !ok || n != 3 {
		t.Errorf("MaxRetransmits after close = %d, %t", n, ok)
	}
}

func TestForcedCloseConcurrentWithSends(t *testing.T) {
	client, host, _, _ := newPeers(t, nil)

	var channels []*Channel
	for i := range 4 {
		id := uint16(40 + 2*i)
		channels = append(channels, negotiated(t, client, id, ChannelOptions{}))
		negotiated(t, host, id, ChannelOptions{})
	}

	var wg sync.WaitGroup
	for _, c := range channels {
		wg.Add(2)
		go func(c *Channel) {
			defer wg.Done()
			for {
				err := c.SendBinary(context.Background(), makeTestData(2500, 1))
				switch {
				case err == nil, errors.Is(err, ErrBackpressure):
				case errors.Is(err, ErrInvalidState):
					return
				default:
					t.Errorf("unexpected Send error: %v", err)
					return
				}
			}
		}(c)
		go func(c *Channel) {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
			c.Close()
		}(c)
	}

	time.Sleep(20 * time.Millisecond)
	client.Close()
	wg.Wait()

	for _, c := range channels {
		if s := c.ReadyState(); s != StateClosed {
			t.Errorf("channel %d is %s after engine close", c.ID(), s)
		}
		if _, ok := c.Snapshot(); !ok {
			t.Errorf("channel %d has no snapshot", c.ID())
		}
	}
}

func TestAssociationClosedForcesClose(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)

	tx := negotiated(t, client, 50, ChannelOptions{})
	rx := negotiated(t, host, 50, ChannelOptions{})
	events := collect(tx)

	cp.Close()

	for _, e := range []*Engine{client, host} {
		select {
		case <-e.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("engine did not stop after the association closed")
		}
	}
	if tx.ReadyState() != StateClosed || rx.ReadyState() != StateClosed {
		t.Errorf("states after association loss: %s, %s", tx.ReadyState(), rx.ReadyState())
	}

	// Forced close skips Closing.
	waitFor(t, time.Second, func() bool { return len(events.stateLog()) == 2 })
	if got := events.stateLog(); got[1] != StateClosed {
		t.Errorf("states = %v", got)
	}

	if _, err := client.CreateChannel(context.Background(), "late", ChannelOptions{}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("CreateChannel after failure = %v, want ErrEngineClosed", err)
	}
}

// ---------------------------------------------------------------------------
// Options and attributes
// ---------------------------------------------------------------------------

func TestCreateChannelValidation(t *testing.T) {
	client, _, _, _ := newPeers(t, nil)

	used := uint16(60)
	negotiated(t, client, used, ChannelOptions{})
	reserved := uint16(reservedStreamID)

	testCases := []struct {
		name string
		opts ChannelOptions
	}{
		{"negotiated without id", ChannelOptions{Negotiated: true}},
		{"reserved id", ChannelOptions{Negotiated: true, ID: &reserved}},
		{"id in use", ChannelOptions{Negotiated: true, ID: &used}},
		{"unknown priority", ChannelOptions{Priority: "urgent"}},
		{"lifetime too long", ChannelOptions{Reliability: reliability.MaxLifetime(2 * time.Minute)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.CreateChannel(context.Background(), "bad", tc.opts)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("CreateChannel = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestBinaryType(t *testing.T) {
	client, _, _, _ := newPeers(t, nil)
	c := negotiated(t, client, 62, ChannelOptions{})

	if got := c.BinaryType(); got != BinaryTypeArrayBuffer {
		t.Errorf("default binary type = %q", got)
	}
	if err := c.SetBinaryType(BinaryTypeBlob); err != nil || c.BinaryType() != BinaryTypeBlob {
		t.Errorf("SetBinaryType(blob) = %v, type %q", err, c.BinaryType())
	}
	if err := c.SetBinaryType("string"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SetBinaryType(string) = %v, want ErrInvalidArgument", err)
	}
}

func TestStreamIDAllocation(t *testing.T) {
	m := newMux(config.RoleHost, 1)
	seen := make(map[uint16]bool)
	for range 100 {
		id, err := m.allocate()
		if err != nil {
			t.Fatal(err)
		}
		if id%2 != 1 || seen[id] {
			t.Fatalf("allocated %d", id)
		}
		seen[id] = true
	}

	// Exhaust the host's odd ids; 65535 is never handed out.
	m = newMux(config.RoleHost, 1)
	for range 32767 {
		id, err := m.allocate()
		if err != nil {
			t.Fatal(err)
		}
		if id == reservedStreamID {
			t.Fatal("allocated the reserved id")
		}
		m.routes[id] = nil
	}
	if _, err := m.allocate(); !errors.Is(err, ErrStreamsExhausted) {
		t.Errorf("allocate on a full table = %v, want ErrStreamsExhausted", err)
	}
}

func TestWebSocketCarriesEngineTraffic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server, err := transport.Listen("127.0.0.1:0", "4321", testMaxPayload)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	clientAssoc, err := transport.Dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=4321", server.Port()), testMaxPayload)
	if err != nil {
		t.Fatal(err)
	}
	defer clientAssoc.Close()
	hostAssoc, err := server.Accept(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer hostAssoc.Close()

	host, err := New(hostAssoc, testConfig(config.RoleHost))
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()
	host.OnChannel(func(c *Channel) {
		c.OnMessage(func(m Message) { c.Send(context.Background(), m.Data, m.Binary) })
	})

	client, err := New(clientAssoc, testConfig(config.RoleClient))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	c, err := client.CreateChannel(ctx, "ws", ChannelOptions{Ordered: true})
	if err != nil {
		t.Fatal(err)
	}
	echo := collect(c)
	waitState(t, c, StateOpen)

	sent := makeTestData(2*testMaxPayload+5, 9)
	if err := c.SendBinary(ctx, sent); err != nil {
		t.Fatal(err)
	}
	if err := c.SendText(ctx, "hello"); err != nil {
		t.Fatal(err)
	}

	got := echo.wait(t, 2)
	if !bytes.Equal(got[0].Data, sent) || string(got[1].Data) != "hello" || got[1].Binary {
		t.Errorf("echoes: %d bytes, then %q (binary=%t)", len(got[0].Data), got[1].Data, got[1].Binary)
	}
}

// ---------------------------------------------------------------------------
// Announcement and refusal
// ---------------------------------------------------------------------------

func TestAnnouncedChannelKeepsEarlyMessages(t *testing.T) {
	client, host, _, _ := newPeers(t, nil)

	sent := make(chan struct{})
	inboxes := make(chan *inbox, 1)
	host.OnChannel(func(c *Channel) {
		b := &inbox{}
		c.OnStateChange(func(s State) {
			b.mu.Lock()
			b.states = append(b.states, s)
			b.mu.Unlock()
		})
		// Messages arrive before the message listener exists.
		<-sent
		c.OnMessage(func(m Message) {
			b.mu.Lock()
			b.msgs = append(b.msgs, m)
			b.mu.Unlock()
		})
		inboxes <- b
	})

	tx, err := client.CreateChannel(context.Background(), "late-listener", ChannelOptions{Ordered: true})
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, tx, StateOpen)
	for _, s := range []string{"a", "b", "c"} {
		if err := tx.SendText(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(sent)

	var rx *inbox
	select {
	case rx = <-inboxes:
	case <-time.After(2 * time.Second):
		t.Fatal("host was not told about the channel")
	}
	got := rx.wait(t, 3)
	if !equal(texts(got), []string{"a", "b", "c"}) {
		t.Errorf("received %v, want [a b c]", texts(got))
	}
}

func TestOnChannelAfterMessagesArrived(t *testing.T) {
	client, host, _, _ := newPeers(t, nil)

	tx, err := client.CreateChannel(context.Background(), "unheard", ChannelOptions{})
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, tx, StateOpen)
	for _, s := range []string{"first", "second"} {
		if err := tx.SendText(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)

	inboxes := make(chan *inbox, 1)
	host.OnChannel(func(c *Channel) { inboxes <- collect(c) })

	var rx *inbox
	select {
	case rx = <-inboxes:
	case <-time.After(2 * time.Second):
		t.Fatal("host was not told about the channel")
	}
	if got := rx.wait(t, 2); len(got) != 2 {
		t.Errorf("received %v", texts(got))
	}
}

func TestForcedCloseReleasesHeldOrderedMessages(t *testing.T) {
	client, host, cp, _ := newPeers(t, nil)

	// Message 1 never arrives, so message 2 stays held.
	cp.SetDropFilter(func(_ uint16, b []byte) bool {
		pkt, ok := decodeData(b)
		return ok && pkt.MessageID == 1
	})

	tx := negotiated(t, client, 70, ChannelOptions{Ordered: true})
	rx := collect(negotiated(t, host, 70, ChannelOptions{Ordered: true}))

	for _, s := range []string{"one", "two"} {
		if err := tx.SendText(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := rx.messages(); len(got) != 0 {
		t.Fatalf("delivered %v ahead of message 1", texts(got))
	}

	cp.Close()
	select {
	case <-host.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("host did not stop after the association closed")
	}

	waitFor(t, time.Second, func() bool {
		ev := rx.events()
		return len(ev) > 0 && ev[len(ev)-1] == StateClosed.String()
	})
	if got := texts(rx.messages()); !equal(got, []string{"two"}) {
		t.Errorf("released %v, want [two]", got)
	}
	ev := rx.events()
	if len(ev) < 2 || ev[len(ev)-2] != "msg" {
		t.Errorf("events = %v, want the held message right before closed", ev)
	}
}

// wireLog records the packets an association end receives.
type wireLog struct {
	mu   sync.Mutex
	pkts map[uint16][]*protocol.Packet
}

func (w *wireLog) OnDatagram(streamID uint16, b []byte) {
	pkt, err := protocol.Decode(b)
	if err != nil {
		return
	}
	w.mu.Lock()
	if w.pkts == nil {
		w.pkts = make(map[uint16][]*protocol.Packet)
	}
	w.pkts[streamID] = append(w.pkts[streamID], pkt)
	w.mu.Unlock()
}

func (w *wireLog) OnAssociationClosed(error) {}

func (w *wireLog) stream(id uint16) []*protocol.Packet {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*protocol.Packet(nil), w.pkts[id]...)
}

func TestInvalidOpenRefused(t *testing.T) {
	peer, hp := transport.NewPipe(testMaxPayload)
	wire := &wireLog{}
	peer.RegisterObserver(wire)

	host, err := New(hp, testConfig(config.RoleHost))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		host.Close()
		peer.Close()
	})
	announced := make(chan *Channel, 2)
	host.OnChannel(func(c *Channel) { announced <- c })

	bad, err := protocol.EncodeOpenParams(protocol.OpenParams{Label: "bad", Reliability: 9})
	if err != nil {
		t.Fatal(err)
	}
	good, err := protocol.EncodeOpenParams(protocol.OpenParams{Label: "good", Ordered: true})
	if err != nil {
		t.Fatal(err)
	}
	for _, open := range []struct {
		stream  uint16
		payload []byte
	}{{2, bad}, {4, good}} {
		wireOpen := protocol.Encode(&protocol.Packet{Type: protocol.TypeOpen, TSN: 1, Payload: open.payload})
		if err := peer.Write(open.stream, wireOpen); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return len(wire.stream(2)) > 0 && len(wire.stream(4)) > 0
	})
	if got := wire.stream(2)[0]; got.Type != protocol.TypeClose || got.TSN != 0 {
		t.Errorf("reply to an invalid open = %s tsn %d, want an unacked close", protocol.TypeName(got.Type), got.TSN)
	}
	for _, pkt := range wire.stream(2) {
		if pkt.Type == protocol.TypeAck {
			t.Error("invalid open was acknowledged")
		}
	}
	if got := wire.stream(4)[0]; got.Type != protocol.TypeAck || got.TSN != 1 {
		t.Errorf("reply to a valid open = %s tsn %d, want ack 1", protocol.TypeName(got.Type), got.TSN)
	}

	select {
	case c := <-announced:
		if c.ID() != 4 || c.Label() != "good" {
			t.Errorf("announced channel %d %q", c.ID(), c.Label())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid open was not announced")
	}
	select {
	case c := <-announced:
		t.Errorf("invalid open announced channel %d", c.ID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRefusedOpenClosesChannel(t *testing.T) {
	cp, peer := transport.NewPipe(testMaxPayload)
	wire := &wireLog{}
	peer.RegisterObserver(wire)

	client, err := New(cp, testConfig(config.RoleClient))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
		peer.Close()
	})

	tx, err := client.CreateChannel(context.Background(), "refused", ChannelOptions{})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(tx)
	waitFor(t, 2*time.Second, func() bool { return len(wire.stream(tx.ID())) > 0 })

	refusal := protocol.Encode(&protocol.Packet{Type: protocol.TypeClose})
	if err := peer.Write(tx.ID(), refusal); err != nil {
		t.Fatal(err)
	}
	waitState(t, tx, StateClosed)

	// No further Open retransmissions and no ack for the refusal.
	time.Sleep(200 * time.Millisecond)
	before := len(wire.stream(tx.ID()))
	time.Sleep(200 * time.Millisecond)
	if after := len(wire.stream(tx.ID())); after != before {
		t.Errorf("%d packets sent after the refusal settled", after-before)
	}
	for _, pkt := range wire.stream(tx.ID()) {
		if pkt.Type == protocol.TypeAck {
			t.Error("refusal was acknowledged")
		}
	}
	if got := events.stateLog(); len(got) == 0 || got[len(got)-1] != StateClosed {
		t.Errorf("states = %v", got)
	}
}

// ---------------------------------------------------------------------------
// Oversized fragments and the reassembly window
// ---------------------------------------------------------------------------

// loosePipe reports a larger payload limit than the pipe enforces, like an
// association whose real limit is learned after fragments were sized.
type loosePipe struct {
	*transport.Pipe
	max int
}

func (p loosePipe) MaxMessageSize() int { return p.max }

func TestOversizedFragmentAbandoned(t *testing.T) {
	cp, hp := transport.NewPipe(testMaxPayload)
	client, err := New(loosePipe{Pipe: cp, max: 2 * testMaxPayload}, testConfig(config.RoleClient))
	if err != nil {
		t.Fatal(err)
	}
	host, err := New(hp, testConfig(config.RoleHost))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
		host.Close()
		cp.Close()
	})

	tx := negotiated(t, client, 80, ChannelOptions{Ordered: true})
	rx := collect(negotiated(t, host, 80, ChannelOptions{Ordered: true}))

	// Sent directly, the error is reported to the caller.
	err = tx.SendBinary(context.Background(), makeTestData(testMaxPayload+100, 1))
	var terr *TransportError
	if !errors.As(err, &terr) || !errors.Is(err, transport.ErrTooLarge) {
		t.Fatalf("Send = %v, want a *TransportError wrapping ErrTooLarge", err)
	}

	// Queued behind a blocked write, it is abandoned without stalling the
	// reliable queue.
	failing := failData(cp)
	if err := tx.SendText(context.Background(), "before"); err != nil {
		t.Fatal(err)
	}
	if err := tx.SendBinary(context.Background(), makeTestData(testMaxPayload+100, 2)); err != nil {
		t.Fatalf("queued oversized Send = %v", err)
	}
	if err := tx.SendText(context.Background(), "after"); err != nil {
		t.Fatal(err)
	}
	failing.Store(false)

	got := rx.wait(t, 2)
	if !equal(texts(got), []string{"before", "after"}) {
		t.Errorf("received %v, want [before after]", texts(got))
	}
	if n := client.Stats().MessagesAbandoned; n != 1 {
		t.Errorf("abandoned = %d, want 1", n)
	}
	waitFor(t, 2*time.Second, func() bool { return tx.BufferedAmount() == 0 })
}

func TestReassemblyWindowDefersFarMessages(t *testing.T) {
	client, host, cp, _ := newPeers(t, func(cfg *config.Config) {
		cfg.ReassemblyWindow = 2
	})

	// Hold back message 1 so later ones pile up against the window.
	var holding atomic.Bool
	holding.Store(true)
	cp.SetDropFilter(func(_ uint16, b []byte) bool {
		pkt, ok := decodeData(b)
		return ok && pkt.MessageID == 1 && holding.Load()
	})

	tx := negotiated(t, client, 82, ChannelOptions{Ordered: true})
	rx := collect(negotiated(t, host, 82, ChannelOptions{Ordered: true}))

	want := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, s := range want {
		if err := tx.SendText(context.Background(), s); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if got := rx.messages(); len(got) != 0 {
		t.Fatalf("delivered %v ahead of message 1", texts(got))
	}
	holding.Store(false)

	if got := rx.wait(t, len(want)); !equal(texts(got), want) {
		t.Errorf("received %v, want %v", texts(got), want)
	}
	waitFor(t, 2*time.Second, func() bool { return tx.BufferedAmount() == 0 })
}
