// Package reliability decides, for a channel's fixed delivery mode, whether
// an outbound fragment whose attempt failed should be retried or abandoned.
package reliability

import (
	"fmt"
	"math"
	"time"
)

// Kind identifies a reliability mode.
type Kind uint8

const (
	KindReliable       Kind = 0 // retry until acknowledged or the channel closes
	KindMaxRetransmits Kind = 1 // give up after N retransmissions
	KindMaxLifetime    Kind = 2 // give up once T has elapsed since the first attempt
)

// Mode is a channel's delivery guarantee. It is fixed at channel creation.
type Mode struct {
	Kind           Kind
	MaxRetransmits uint16
	MaxLifetime    time.Duration
}

// Reliable returns the fully reliable mode.
func Reliable() Mode { return Mode{Kind: KindReliable} }

// MaxRetransmits returns a mode that abandons a message after n retransmissions.
func MaxRetransmits(n uint16) Mode { return Mode{Kind: KindMaxRetransmits, MaxRetransmits: n} }

// MaxLifetime returns a mode that abandons a message once d has elapsed
// since its first send attempt.
func MaxLifetime(d time.Duration) Mode { return Mode{Kind: KindMaxLifetime, MaxLifetime: d} }

// Validate rejects modes that cannot be expressed on the wire.
func (m Mode) Validate() error {
	switch m.Kind {
	case KindReliable, KindMaxRetransmits:
		return nil
	case KindMaxLifetime:
		if m.MaxLifetime < 0 {
			return fmt.Errorf("max lifetime must not be negative, got %v", m.MaxLifetime)
		}
		if m.MaxLifetime.Milliseconds() > math.MaxUint16 {
			return fmt.Errorf("max lifetime %v exceeds %dms", m.MaxLifetime, math.MaxUint16)
		}
		return nil
	default:
		return fmt.Errorf("unknown reliability kind %d", m.Kind)
	}
}

// IsReliable reports whether messages are retried indefinitely.
func (m Mode) IsReliable() bool { return m.Kind == KindReliable }

func (m Mode) String() string {
	switch m.Kind {
	case KindReliable:
		return "reliable"
	case KindMaxRetransmits:
		return fmt.Sprintf("max-retransmits(%d)", m.MaxRetransmits)
	case KindMaxLifetime:
		return fmt.Sprintf("max-lifetime(%v)", m.MaxLifetime)
	default:
		return fmt.Sprintf("unknown(%d)", m.Kind)
	}
}

// Verdict is the outcome of a retry decision.
type Verdict int

const (
	Retry Verdict = iota
	Abandon
)

func (v Verdict) String() string {
	if v == Abandon {
		return "abandon"
	}
	return "retry"
}

// Decide is evaluated after an attempt has completed unsuccessfully: the
// write failed, or the retransmission timer expired without an
// acknowledgement. attempts counts every attempt made so far including the
// one that just completed; firstAttempt is when the message was first tried.
func (m Mode) Decide(attempts int, firstAttempt, now time.Time) Verdict {
	switch m.Kind {
	case KindMaxRetransmits:
		// attempts-1 retransmissions have happened.
		if attempts > int(m.MaxRetransmits) {
			return Abandon
		}
	case KindMaxLifetime:
		if m.Expired(firstAttempt, now) {
			return Abandon
		}
	}
	return Retry
}

// Expired reports whether a max-lifetime message has outlived its window.
// It is always false for the other modes and for messages never attempted.
func (m Mode) Expired(firstAttempt, now time.Time) bool {
	if m.Kind != KindMaxLifetime || firstAttempt.IsZero() {
		return false
	}
	return now.Sub(firstAttempt) >= m.MaxLifetime
}

// Wire converts the mode to the fields carried in channel open parameters.
func (m Mode) Wire() (kind uint8, maxRetransmits uint16, maxLifetimeMs uint32) {
	return uint8(m.Kind), m.MaxRetransmits, uint32(m.MaxLifetime.Milliseconds())
}

// FromWire rebuilds a mode received from a peer.
func FromWire(kind uint8, maxRetransmits uint16, maxLifetimeMs uint32) (Mode, error) {
	var m Mode
	switch Kind(kind) {
	case KindReliable:
		m = Reliable()
	case KindMaxRetransmits:
		m = MaxRetransmits(maxRetransmits)
	case KindMaxLifetime:
		m = MaxLifetime(time.Duration(maxLifetimeMs) * time.Millisecond)
	default:
		return Mode{}, fmt.Errorf("unknown reliability kind %d", kind)
	}
	return m, m.Validate()
}
