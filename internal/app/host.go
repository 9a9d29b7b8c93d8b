package app

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtcmsg/internal/config"
	"github.com/1ureka/rtcmsg/internal/engine"
	"github.com/1ureka/rtcmsg/internal/transport"
	"github.com/1ureka/rtcmsg/internal/util"
)

// RunHost orchestrates the host side over WebSocket:
//  1. Start the association server with a random PIN
//  2. Wait for one client
//  3. Attach an engine and echo every channel the client opens
//  4. Return when ctx ends or the association goes away
func RunHost(ctx context.Context, addr string, cfg config.Config) error {
	pin := transport.GeneratePIN(6)
	server, err := transport.Listen(addr, pin, cfg.MaxMessageSize)
	if err != nil {
		return err
	}
	defer server.Close()

	pterm.DefaultBox.WithTitle("WebSocket association server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nURL  : ws://127.0.0.1:%d/ws?pin=%s", server.Port(), pin, server.Port(), pin))
	util.LogInfo("waiting for client...")

	assoc, err := server.Accept(ctx)
	if err != nil {
		return fmt.Errorf("wait for client: %w", err)
	}
	defer assoc.Close()
	server.Close()

	cfg.Role = config.RoleHost
	e, err := engine.New(assoc, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	Echo(e)
	util.LogSuccess("client connected, echoing channels")

	select {
	case <-ctx.Done():
	case <-e.Done():
		util.LogInfo("association closed")
	}
	return nil
}
