// Package config holds engine tuning and the CLI role.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Role decides which half of the stream id space an engine allocates from.
// A host (the answering side) uses odd ids, a client even ids, so both sides
// can open channels concurrently without colliding.
type Role string

const (
	RoleHost   Role = "host"
	RoleClient Role = "client"
)

// BackpressurePolicy selects what Send does once a channel's buffered amount
// exceeds the high-water mark.
type BackpressurePolicy string

const (
	BackpressureFail  BackpressurePolicy = "fail"  // return ErrBackpressure immediately
	BackpressureBlock BackpressurePolicy = "block" // wait for the low-water mark, channel close or ctx
)

// Config stores every engine tunable. Zero values are replaced by Default()
// when loaded from a file.
type Config struct {
	Role Role `toml:"role"`

	// Fragmentation. Used when the association reports no limit.
	MaxMessageSize int `toml:"max_message_size"`

	// Flow control, in bytes.
	HighWaterMark uint64             `toml:"high_water_mark"`
	LowWaterMark  uint64             `toml:"low_water_mark"`
	MaxInFlight   uint64             `toml:"max_in_flight"`
	Backpressure  BackpressurePolicy `toml:"backpressure"`

	// Retransmission.
	RetransmitTimeout    time.Duration `toml:"retransmit_timeout"`
	MaxRetransmitTimeout time.Duration `toml:"max_retransmit_timeout"`
	BackoffMultiplier    float64       `toml:"backoff_multiplier"`
	TickInterval         time.Duration `toml:"tick_interval"`

	// Close drains for at most CloseLinger before discarding what is left.
	CloseLinger time.Duration `toml:"close_linger"`

	// Queues.
	InboundQueueSize   int `toml:"inbound_queue_size"`
	PendingEventLimit  int `toml:"pending_event_limit"`
	PendingStreamLimit int `toml:"pending_stream_limit"`

	// ReassemblyWindow bounds how far ahead of the oldest undelivered
	// message id a peer may send. Fragments beyond it are refused unacked.
	ReassemblyWindow int `toml:"reassembly_window"`

	// Logging.
	Debug         bool          `toml:"debug"`
	StatsInterval time.Duration `toml:"stats_interval"`
}

// Default returns the tuning used when nothing else is configured.
func Default() Config {
	return Config{
		Role:                 RoleClient,
		MaxMessageSize:       16 * 1024,
		HighWaterMark:        256 * 1024,
		LowWaterMark:         64 * 1024,
		MaxInFlight:          512 * 1024,
		Backpressure:         BackpressureFail,
		RetransmitTimeout:    200 * time.Millisecond,
		MaxRetransmitTimeout: 2 * time.Second,
		BackoffMultiplier:    2,
		TickInterval:         10 * time.Millisecond,
		CloseLinger:          3 * time.Second,
		InboundQueueSize:     1024,
		PendingEventLimit:    64,
		PendingStreamLimit:   64,
		ReassemblyWindow:     4096,
		StatsInterval:        10 * time.Second,
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Role = Role(strings.ToLower(strings.TrimSpace(string(cfg.Role))))
	cfg.Backpressure = BackpressurePolicy(strings.ToLower(strings.TrimSpace(string(cfg.Backpressure))))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch c.Role {
	case RoleHost, RoleClient:
	default:
		return fmt.Errorf("invalid role %q: must be %q or %q", c.Role, RoleHost, RoleClient)
	}
	switch c.Backpressure {
	case BackpressureFail, BackpressureBlock:
	default:
		return fmt.Errorf("invalid backpressure %q: must be %q or %q", c.Backpressure, BackpressureFail, BackpressureBlock)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	if c.HighWaterMark == 0 {
		return fmt.Errorf("high_water_mark must be positive")
	}
	if c.LowWaterMark > c.HighWaterMark {
		return fmt.Errorf("low_water_mark (%d) must not exceed high_water_mark (%d)", c.LowWaterMark, c.HighWaterMark)
	}
	if c.MaxInFlight == 0 {
		return fmt.Errorf("max_in_flight must be positive")
	}
	if c.RetransmitTimeout <= 0 || c.TickInterval <= 0 {
		return fmt.Errorf("retransmit_timeout and tick_interval must be positive")
	}
	if c.MaxRetransmitTimeout < c.RetransmitTimeout {
		return fmt.Errorf("max_retransmit_timeout (%v) must not be below retransmit_timeout (%v)", c.MaxRetransmitTimeout, c.RetransmitTimeout)
	}
	if c.CloseLinger < 0 {
		return fmt.Errorf("close_linger must not be negative")
	}
	if c.InboundQueueSize <= 0 || c.PendingEventLimit <= 0 || c.PendingStreamLimit <= 0 || c.ReassemblyWindow <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	return nil
}
