package app

import (
	"context"
	"fmt"
	"time"

	"github.com/1ureka/rtcmsg/internal/config"
	"github.com/1ureka/rtcmsg/internal/engine"
	"github.com/1ureka/rtcmsg/internal/transport"
)

// Loopback transports.
const (
	LoopbackPipe   = "pipe"
	LoopbackWebRTC = "webrtc"
)

// LinkOptions impair the in-memory pipe. They are ignored for WebRTC.
type LinkOptions struct {
	Delay time.Duration
	Loss  float64
}

// RunLoopback runs a host and a client engine in this process, linked by
// an in-memory pipe or by two loopback WebRTC peer connections, and
// exercises one channel between them.
func RunLoopback(ctx context.Context, kind string, cfg config.Config, link LinkOptions, opts RunOptions) (Result, error) {
	var hostAssoc, clientAssoc transport.Association

	switch kind {
	case LoopbackPipe:
		a, b := transport.NewPipe(cfg.MaxMessageSize)
		defer a.Close()
		for _, p := range []*transport.Pipe{a, b} {
			p.SetDelay(link.Delay)
			p.SetLoss(link.Loss)
		}
		clientAssoc, hostAssoc = a, b

	case LoopbackWebRTC:
		a, b, cleanup, err := connectWebRTC(ctx, cfg.MaxMessageSize)
		if err != nil {
			return Result{}, err
		}
		defer cleanup()
		clientAssoc, hostAssoc = a, b

	default:
		return Result{}, fmt.Errorf("unknown loopback transport %q", kind)
	}

	hostCfg := cfg
	hostCfg.Role = config.RoleHost
	host, err := engine.New(hostAssoc, hostCfg)
	if err != nil {
		return Result{}, err
	}
	defer host.Close()
	Echo(host)

	clientCfg := cfg
	clientCfg.Role = config.RoleClient
	client, err := engine.New(clientAssoc, clientCfg)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	return Exercise(ctx, client, opts)
}

// connectWebRTC links two in-process peer connections and waits for both
// carrier channels to open.
func connectWebRTC(ctx context.Context, maxMessageSize int) (a, b *transport.WebRTCAssociation, cleanup func(), err error) {
	pcA, err := transport.NewPeerConnection(false)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	pcB, err := transport.NewPeerConnection(false)
	if err != nil {
		pcA.Close()
		return nil, nil, nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	cleanup = func() {
		pcA.Close()
		pcB.Close()
	}

	if a, err = transport.NewWebRTCAssociation(pcA, maxMessageSize); err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	if b, err = transport.NewWebRTCAssociation(pcB, maxMessageSize); err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	if err = transport.ConnectLoopback(ctx, pcA, pcB); err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	for _, ready := range []<-chan struct{}{a.Ready(), b.Ready()} {
		select {
		case <-ready:
		case <-ctx.Done():
			cleanup()
			return nil, nil, nil, fmt.Errorf("carrier channel did not open: %w", ctx.Err())
		}
	}
	return a, b, cleanup, nil
}
