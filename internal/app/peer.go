// Package app contains the top-level orchestration behind the command-line
// tool: an echo peer that answers every channel the other side opens, and
// a sender that pushes a batch of messages through one channel and counts
// what comes back.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/rtcmsg/internal/engine"
	"github.com/1ureka/rtcmsg/internal/util"
)

// RunOptions describe one sender run.
type RunOptions struct {
	Label   string
	Count   int
	Size    int
	Channel engine.ChannelOptions
	// Wait bounds how long the sender waits for echoes after the last send.
	Wait time.Duration
}

// Validate reports the first unusable option.
func (o RunOptions) Validate() error {
	if o.Count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", o.Count)
	}
	if o.Size < 1 {
		return fmt.Errorf("size must be at least 1, got %d", o.Size)
	}
	if o.Wait <= 0 {
		return fmt.Errorf("wait must be positive, got %v", o.Wait)
	}
	return nil
}

// Result summarizes a sender run.
type Result struct {
	Sent    int
	Echoed  int
	Corrupt int
	Elapsed time.Duration
	Stats   util.Snapshot
}

func (r Result) String() string {
	return fmt.Sprintf("sent %d, echoed %d (%d corrupt) in %v; %d fragments, %d retransmits, %d abandoned",
		r.Sent, r.Echoed, r.Corrupt, r.Elapsed.Round(time.Millisecond),
		r.Stats.FragmentsSent, r.Stats.Retransmits, r.Stats.MessagesAbandoned)
}

// Echo answers every message on every channel the peer opens with the same
// bytes.
func Echo(e *engine.Engine) {
	e.OnChannel(func(c *engine.Channel) {
		util.LogInfo("peer opened channel %d %q (%s, ordered=%t)", c.ID(), c.Label(), c.Reliability(), c.Ordered())

		c.OnStateChange(func(s engine.State) {
			util.LogDebug("channel %d is %s", c.ID(), s)
		})
		c.OnMessage(func(m engine.Message) {
			if err := c.Send(context.Background(), m.Data, m.Binary); err != nil {
				util.LogDebug("channel %d: echo failed: %v", c.ID(), err)
			}
		})
	})
}

// Exercise opens a channel, sends opts.Count messages of opts.Size bytes,
// waits for the echoes and closes the channel.
func Exercise(ctx context.Context, e *engine.Engine, opts RunOptions) (Result, error) {
	if err := opts.Validate(); err != nil {
		return Result{}, err
	}

	c, err := e.CreateChannel(ctx, opts.Label, opts.Channel)
	if err != nil {
		return Result{}, fmt.Errorf("create channel: %w", err)
	}
	defer c.Close()

	opened := make(chan struct{})
	var openOnce sync.Once
	c.OnStateChange(func(s engine.State) {
		if s >= engine.StateOpen {
			openOnce.Do(func() { close(opened) })
		}
	})

	var echoed, corrupt atomic.Int64
	allBack := make(chan struct{})
	c.OnMessage(func(m engine.Message) {
		if !validPayload(m.Data, opts.Size) {
			corrupt.Add(1)
		}
		if echoed.Add(1) == int64(opts.Count) {
			close(allBack)
		}
	})

	// Default threshold 0: fires when the buffer empties.
	drained := make(chan struct{}, 1)
	c.OnBufferedAmountLow(func() {
		select {
		case drained <- struct{}{}:
		default:
		}
	})

	select {
	case <-opened:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	if s := c.ReadyState(); s != engine.StateOpen {
		return Result{}, fmt.Errorf("channel is %s before the first send", s)
	}

	start := time.Now()
	res := Result{}
	for i := range opts.Count {
		data := makePayload(i, opts.Size)
		for {
			err := c.SendBinary(ctx, data)
			if !errors.Is(err, engine.ErrBackpressure) {
				if err != nil {
					return res, fmt.Errorf("send #%d: %w", i, err)
				}
				break
			}
			select {
			case <-drained:
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
		res.Sent++
	}
	util.LogDebug("sent %d messages, waiting for echoes", res.Sent)

	select {
	case <-allBack:
	case <-time.After(opts.Wait):
		util.LogWarning("gave up waiting for echoes after %v", opts.Wait)
	case <-ctx.Done():
	}

	res.Echoed = int(echoed.Load())
	res.Corrupt = int(corrupt.Load())
	res.Elapsed = time.Since(start)
	res.Stats = e.Stats()
	return res, nil
}

// makePayload fills size bytes with a pattern derived from seq.
func makePayload(seq, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ byte(seq)
	}
	return data
}

// validPayload reports whether data is some message produced by
// makePayload for this size.
func validPayload(data []byte, size int) bool {
	if len(data) != size {
		return false
	}
	seq := data[0]
	for i := range data {
		if data[i] != byte(i%251)^seq {
			return false
		}
	}
	return true
}
