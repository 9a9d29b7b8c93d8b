// rtcmsg: CLI entry point.
//
// This tool runs the message-channel engine between two peers and pushes a
// batch of messages through one channel, reporting what came back. Peers
// can share one process (over an in-memory pipe or loopback WebRTC) or
// talk over a WebSocket association.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--transport, --role, --addr, --url, ...).
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	flag "github.com/spf13/pflag"

	"github.com/1ureka/rtcmsg/internal/app"
	"github.com/1ureka/rtcmsg/internal/config"
	"github.com/1ureka/rtcmsg/internal/engine"
	"github.com/1ureka/rtcmsg/internal/reliability"
	"github.com/1ureka/rtcmsg/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	transportFlag := flag.StringP("transport", "t", "", "Transport: pipe, webrtc or ws")
	role := flag.String("role", "client", "Role for --transport ws: host or client")
	addr := flag.String("addr", "127.0.0.1:0", "Listen address (ws host only)")
	wsURL := flag.String("url", "", "Host URL including the PIN (ws client only)")
	configPath := flag.StringP("config", "c", "", "TOML file with engine tuning")
	count := flag.IntP("count", "n", 100, "Number of messages to send")
	size := flag.IntP("size", "s", 4096, "Size of each message in bytes")
	ordered := flag.Bool("ordered", true, "Deliver messages in send order")
	maxRetransmits := flag.Int("max-retransmits", -1, "Abandon a message after this many retransmissions (-1: reliable)")
	maxLifetime := flag.Duration("max-lifetime", 0, "Abandon a message this long after its first send (0: reliable)")
	loss := flag.Float64("loss", 0, "Fraction of datagrams the pipe drops (pipe only)")
	delay := flag.Duration("delay", 0, "Maximum random per-datagram delay (pipe only)")
	wait := flag.Duration("wait", 10*time.Second, "How long to wait for echoes after the last send")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *debugMode {
		cfg.Debug = true
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("rtcmsg — v%s", version))
	pterm.Println()

	mode, err := parseReliability(*maxRetransmits, *maxLifetime)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	opts := app.RunOptions{
		Label:   "rtcmsg",
		Count:   *count,
		Size:    *size,
		Channel: engine.ChannelOptions{Ordered: *ordered, Reliability: mode},
		Wait:    *wait,
	}
	if err := opts.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	link := app.LinkOptions{Delay: *delay, Loss: *loss}

	switch *transportFlag {
	case "":
		// No --transport flag → interactive mode.
		runInteractive(ctx, cfg, link, opts)

	case app.LoopbackPipe, app.LoopbackWebRTC:
		runLoopback(ctx, *transportFlag, cfg, link, opts)

	case "ws":
		switch *role {
		case "host":
			runHost(ctx, *addr, cfg)
		case "client":
			if *wsURL == "" {
				util.LogError("missing --url for client role")
				os.Exit(1)
			}
			u, err := normalizeWSURL(*wsURL)
			if err != nil {
				util.LogError("%v", err)
				os.Exit(1)
			}
			runClient(ctx, u, cfg, opts)
		default:
			util.LogError("invalid --role: must be 'host' or 'client'")
			os.Exit(1)
		}

	default:
		util.LogError("invalid --transport: must be 'pipe', 'webrtc' or 'ws'")
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks for the transport and role when no --transport flag
// is provided.
func runInteractive(ctx context.Context, cfg config.Config, link app.LinkOptions, opts app.RunOptions) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Pipe   — Both peers in memory",
			"WebRTC — Both peers over loopback WebRTC",
			"Host   — Echo peer behind a WebSocket server",
			"Client — Connect to a WebSocket host",
		}).
		WithDefaultText("Select a transport").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Pipe"):
		runLoopback(ctx, app.LoopbackPipe, cfg, link, opts)
	case strings.HasPrefix(choice, "WebRTC"):
		runLoopback(ctx, app.LoopbackWebRTC, cfg, link, opts)
	case strings.HasPrefix(choice, "Host"):
		runHost(ctx, "127.0.0.1:0", cfg)
	default:
		opts.Count = askInt("Number of messages", opts.Count)
		runClient(ctx, askURL(), cfg, opts)
	}
}

func runLoopback(ctx context.Context, kind string, cfg config.Config, link app.LinkOptions, opts app.RunOptions) {
	res, err := app.RunLoopback(ctx, kind, cfg, link, opts)
	if err != nil {
		util.LogError("loopback run failed: %v", err)
		os.Exit(1)
	}
	report(res)
}

func runHost(ctx context.Context, addr string, cfg config.Config) {
	if err := app.RunHost(ctx, addr, cfg); err != nil {
		util.LogError("host failed: %v", err)
		os.Exit(1)
	}
	util.LogInfo("host stopped")
}

func runClient(ctx context.Context, wsURL string, cfg config.Config, opts app.RunOptions) {
	res, err := app.RunClient(ctx, wsURL, cfg, opts)
	if err != nil {
		util.LogError("client run failed: %v", err)
		os.Exit(1)
	}
	report(res)
}

func report(res app.Result) {
	if res.Echoed == res.Sent && res.Corrupt == 0 {
		util.LogSuccess("%s", res)
		return
	}
	util.LogWarning("%s", res)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// parseReliability turns the two partial-reliability flags into a mode.
func parseReliability(maxRetransmits int, maxLifetime time.Duration) (reliability.Mode, error) {
	switch {
	case maxRetransmits >= 0 && maxLifetime > 0:
		return reliability.Mode{}, fmt.Errorf("--max-retransmits and --max-lifetime are mutually exclusive")
	case maxRetransmits > 65535:
		return reliability.Mode{}, fmt.Errorf("--max-retransmits must be at most 65535")
	case maxRetransmits >= 0:
		return reliability.MaxRetransmits(uint16(maxRetransmits)), nil
	case maxLifetime > 0:
		m := reliability.MaxLifetime(maxLifetime)
		return m, m.Validate()
	default:
		return reliability.Reliable(), nil
	}
}

// normalizeWSURL validates a raw WebSocket URL and makes sure it targets
// the /ws endpoint while keeping its query (which carries the PIN).
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "ws"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	if u.Query().Get("pin") == "" {
		return "", fmt.Errorf("WebSocket URL has no pin parameter: %s", raw)
	}
	return fmt.Sprintf("%s://%s/ws?%s", scheme, u.Host, u.RawQuery), nil
}

// askInt prompts for a positive integer, falling back to def on empty input.
func askInt(prompt string, def int) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(fmt.Sprintf("%s (default %d)", prompt, def)).
			Show()

		raw = strings.TrimSpace(raw)
		if raw == "" {
			pterm.Println()
			return def
		}
		n, err := strconv.Atoi(raw)
		if err == nil && n >= 1 {
			pterm.Println()
			return n
		}

		util.LogWarning("invalid number: must be at least 1")
		pterm.Println()
	}
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Host URL (e.g. ws://127.0.0.1:9000/ws?pin=123456)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: %v", err)
	}
}
