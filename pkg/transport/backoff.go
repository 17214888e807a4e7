package transport

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"time"
)

// BackoffPolicy controls reconnection pacing: exponential backoff with
// jitter, bounded by a maximum attempt count.
type BackoffPolicy struct {
	// MaxAttempts is the number of reconnect attempts before the channel
	// gives up and closes.
	MaxAttempts int

	// BaseDelay is the delay before the first reconnect attempt.
	// Subsequent delays grow by Multiplier, capped at MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// Multiplier is the exponential growth factor (typically 2.0).
	Multiplier float64
}

// DefaultBackoff returns a policy suitable for interactive clients.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    15 * time.Second,
		Multiplier:  2.0,
	}
}

// Delay returns the jittered delay before the given attempt (1-based).
// Jitter is ±25% to prevent reconnect stampedes.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	jitterFactor := 0.75 + cryptoRandFloat64()*0.5
	return time.Duration(float64(delay) * jitterFactor)
}

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}
