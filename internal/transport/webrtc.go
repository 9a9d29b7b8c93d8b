package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcmsg/internal/protocol"
	"github.com/1ureka/rtcmsg/internal/util"
)

// Compile-time interface check.
var _ Association = (*WebRTCAssociation)(nil)

// STUN servers for ICE candidate gathering. No TURN: the carrier is meant
// for direct P2P connectivity.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// carrierHighWaterMark is the pion buffered amount above which writes are
// refused as transient, so the engine's own queue absorbs the burst.
const carrierHighWaterMark = 1024 * 1024

// NewPeerConnection creates a PeerConnection whose pion logging goes
// through pterm. Loopback candidates are included so two PeerConnections in
// one process can connect; STUN servers are added when withSTUN is set.
func NewPeerConnection(withSTUN bool) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{
		LoggerFactory: pionLoggerFactory{},
	}
	settingEngine.SetIncludeLoopbackCandidate(true)

	config := webrtc.Configuration{}
	if withSTUN {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

// newCarrierChannel creates the pre-negotiated, unordered, zero-retransmit
// data channel every stream is multiplexed over. Negotiated mode (ID 0)
// lets both sides create it independently. Ordering and retransmission are
// the engine's job, so SCTP is asked for neither.
func newCarrierChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	id := uint16(0)
	maxRetransmits := uint16(0)

	return pc.CreateDataChannel("rtcmsg", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		Negotiated:     &negotiated,
		ID:             &id,
		MaxRetransmits: &maxRetransmits,
	})
}

// WebRTCAssociation carries engine datagrams over one pion data channel,
// prefixing each with its stream id.
//
// Its lifetime follows the carrier channel: when the channel or the
// PeerConnection closes, the observer is told the association is gone.
type WebRTCAssociation struct {
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	maxSize int
	log     *util.Logger

	openSignal chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	mu       sync.RWMutex
	observer Observer
}

// NewWebRTCAssociation creates the carrier channel on pc. It must be called
// before the offer is created so the SDP carries an application section.
// maxMessageSize caps the fragment payload; the SCTP limit negotiated with
// the peer lowers it further once known.
func NewWebRTCAssociation(pc *webrtc.PeerConnection, maxMessageSize int) (*WebRTCAssociation, error) {
	dc, err := newCarrierChannel(pc)
	if err != nil {
		return nil, fmt.Errorf("create carrier channel: %w", err)
	}

	a := &WebRTCAssociation{
		pc:         pc,
		dc:         dc,
		maxSize:    maxMessageSize,
		log:        util.NewLogger("webrtc"),
		openSignal: make(chan struct{}),
		closed:     make(chan struct{}),
	}

	// Open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(a.openSignal) })
	})

	dc.OnClose(func() {
		a.log.Debug("carrier channel closed")
		a.shutdown(ErrClosed)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		streamID, b, err := unframe(msg.Data)
		if err != nil {
			a.log.Debugf("dropping carrier message: %v", err)
			return
		}
		a.mu.RLock()
		o := a.observer
		a.mu.RUnlock()
		if o != nil {
			o.OnDatagram(streamID, b)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		a.log.Debugf("PeerConnection state: %s", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			a.shutdown(fmt.Errorf("%w: peer connection %s", ErrClosed, state.String()))
		}
	})

	return a, nil
}

// Ready returns a channel that is closed once the carrier channel is open.
func (a *WebRTCAssociation) Ready() <-chan struct{} {
	return a.openSignal
}

// Done returns a channel that is closed once the association is gone.
func (a *WebRTCAssociation) Done() <-chan struct{} {
	return a.closed
}

func (a *WebRTCAssociation) RegisterObserver(o Observer) {
	a.mu.Lock()
	a.observer = o
	a.mu.Unlock()
}

func (a *WebRTCAssociation) UnregisterObserver() {
	a.mu.Lock()
	a.observer = nil
	a.mu.Unlock()
}

// MaxMessageSize returns the configured payload limit, lowered to fit the
// SCTP maximum message size once the association has negotiated one.
func (a *WebRTCAssociation) MaxMessageSize() int {
	size := a.maxSize
	if sctp := a.pc.SCTP(); sctp != nil {
		if caps := sctp.GetCapabilities(); caps.MaxMessageSize > 0 {
			limit := int(caps.MaxMessageSize) - streamPrefixSize - protocol.HeaderSize
			if limit > 0 && limit < size {
				size = limit
			}
		}
	}
	return size
}

// Write sends one datagram. It never blocks: a carrier that is not yet
// open or whose send buffer is above the high-water mark yields ErrTransient.
func (a *WebRTCAssociation) Write(streamID uint16, b []byte) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}
	select {
	case <-a.openSignal:
	default:
		return fmt.Errorf("%w: carrier channel not open", ErrTransient)
	}
	if len(b) > a.MaxMessageSize()+protocol.HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	if a.dc.BufferedAmount() > carrierHighWaterMark {
		return fmt.Errorf("%w: carrier buffered amount %d", ErrTransient, a.dc.BufferedAmount())
	}
	if err := a.dc.Send(frame(streamID, b)); err != nil {
		if a.dc.ReadyState() != webrtc.DataChannelStateOpen {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Close shuts down the carrier channel and the PeerConnection.
func (a *WebRTCAssociation) Close() error {
	a.shutdown(ErrClosed)
	return errors.Join(a.dc.Close(), a.pc.Close())
}

// shutdown notifies the observer once.
func (a *WebRTCAssociation) shutdown(err error) {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.mu.RLock()
		o := a.observer
		a.mu.RUnlock()
		if o != nil {
			o.OnAssociationClosed(err)
		}
	})
}

// ConnectLoopback performs a vanilla-ICE offer/answer exchange between two
// PeerConnections in the same process: each side gathers all candidates
// before its description is handed to the other, so one round-trip is
// enough. Both sides must already have their carrier channel.
func ConnectLoopback(ctx context.Context, offerer, answerer *webrtc.PeerConnection) error {
	offer, err := offerer.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("CreateOffer: %w", err)
	}
	offerGathered := webrtc.GatheringCompletePromise(offerer)
	if err := offerer.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("SetLocalDescription(offer): %w", err)
	}
	if err := waitGathered(ctx, offerGathered); err != nil {
		return err
	}

	if err := answerer.SetRemoteDescription(*offerer.LocalDescription()); err != nil {
		return fmt.Errorf("SetRemoteDescription(offer): %w", err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("CreateAnswer: %w", err)
	}
	answerGathered := webrtc.GatheringCompletePromise(answerer)
	if err := answerer.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("SetLocalDescription(answer): %w", err)
	}
	if err := waitGathered(ctx, answerGathered); err != nil {
		return err
	}

	if err := offerer.SetRemoteDescription(*answerer.LocalDescription()); err != nil {
		return fmt.Errorf("SetRemoteDescription(answer): %w", err)
	}
	return nil
}

func waitGathered(ctx context.Context, gathered <-chan struct{}) error {
	select {
	case <-gathered:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ICE gathering: %w", ctx.Err())
	}
}
