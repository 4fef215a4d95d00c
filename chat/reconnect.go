package chat

import (
	"errors"
	"time"
)

// ErrReconnectExhausted is returned by Run when MaxAttempts consecutive
// connection attempts have failed.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// ReconnectPolicy decides how long to wait before redialing.
type ReconnectPolicy struct {
	// Delay before the first redial.
	Delay time.Duration
	// Multiplier grows the delay per consecutive failure. 1 keeps it fixed.
	Multiplier float64
	// MaxDelay caps the delay. Zero means no cap.
	MaxDelay time.Duration
	// MaxAttempts is how many consecutive failures are tolerated. Zero means
	// retry forever.
	MaxAttempts int
}

// DefaultReconnectPolicy redials every three seconds, forever.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Delay: 3 * time.Second, Multiplier: 1}
}

// Backoff returns the wait after the given number of consecutive failures
// (starting at 1).
func (p ReconnectPolicy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Delay)
	for i := 1; i < failures; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether failures has passed MaxAttempts.
func (p ReconnectPolicy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures > p.MaxAttempts
}
