package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats counts an engine's traffic. The engine loop is the only writer;
// any goroutine may read.
type Stats struct {
	FragmentsSent     atomic.Int64 // first successful hand-off of a data fragment
	Retransmits       atomic.Int64 // every attempt after the first
	BytesSent         atomic.Int64 // datagram bytes accepted by the association
	BytesRecv         atomic.Int64 // datagram bytes received from the association
	MessagesSent      atomic.Int64 // messages accepted by Send
	MessagesDelivered atomic.Int64 // messages handed to listeners
	MessagesAbandoned atomic.Int64 // messages dropped by the reliability policy
	ChannelsOpened    atomic.Int64
	ChannelsClosed    atomic.Int64
}

func (s *Stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *Stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	FragmentsSent     int64
	Retransmits       int64
	BytesSent         int64
	BytesRecv         int64
	MessagesSent      int64
	MessagesDelivered int64
	MessagesAbandoned int64
	ChannelsOpened    int64
	ChannelsClosed    int64
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		FragmentsSent:     s.FragmentsSent.Load(),
		Retransmits:       s.Retransmits.Load(),
		BytesSent:         s.BytesSent.Load(),
		BytesRecv:         s.BytesRecv.Load(),
		MessagesSent:      s.MessagesSent.Load(),
		MessagesDelivered: s.MessagesDelivered.Load(),
		MessagesAbandoned: s.MessagesAbandoned.Load(),
		ChannelsOpened:    s.ChannelsOpened.Load(),
		ChannelsClosed:    s.ChannelsClosed.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs throughput every
// interval while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, name string, stats *Stats, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := stats.Snapshot()
				secs := interval.Seconds()

				outS := float64(cur.BytesSent-prev.BytesSent) / secs
				inS := float64(cur.BytesRecv-prev.BytesRecv) / secs
				rtx := cur.Retransmits - prev.Retransmits
				lost := cur.MessagesAbandoned - prev.MessagesAbandoned

				if inS > 10 || outS > 10 || rtx > 0 || lost > 0 {
					pterm.DefaultLogger.Info(fmt.Sprintf("[%s] %s", name, formatStats(inS, outS, rtx, lost)))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, rtx, lost int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Rtx: %3d | Lost: %3d",
		FormatBytes(inS),
		FormatBytes(outS),
		rtx,
		lost,
	)
}
