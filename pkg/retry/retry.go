// Package retry paces repeated attempts: event resubmission in the
// sync engine and reconnects in the reconciliation channel.
package retry

import (
	"time"

	"github.com/partolog/outbox.go/internal/rand"
)

// Retryer decides how long to wait before trying again. attempt is the
// number of attempts already made; the boolean turns false once the
// policy is exhausted. Reset is called after a success.
type Retryer interface {
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
	Reset()
}

// Defaults for NewExponentialBackoff: a first retry after one second,
// doubling up to a thirty second ceiling, spread by ±30% jitter.
const (
	DefaultInitial    = time.Second
	DefaultCeiling    = 30 * time.Second
	DefaultGrowth     = 2.0
	DefaultJitterSpan = 0.3
)

// ExponentialBackoff grows the delay geometrically with each failed
// attempt, then spreads it across a jitter window so a fleet of
// clients that lost connectivity together does not retry in lockstep.
//
// The policy itself never gives up. The sync engine caps attempts with
// its own limit, and the reconciliation channel keeps reconnecting for
// as long as it lives.
type ExponentialBackoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Ceiling bounds the grown delay. Jitter is applied afterwards,
	// so an individual delay may straddle the ceiling.
	Ceiling time.Duration

	// Growth is the factor applied per attempt.
	Growth float64

	// JitterSpan is the half-width of the jitter window as a
	// fraction of the delay. Zero disables jitter.
	JitterSpan float64
}

// NewExponentialBackoff returns a backoff policy with the default
// pacing.
func NewExponentialBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial:    DefaultInitial,
		Ceiling:    DefaultCeiling,
		Growth:     DefaultGrowth,
		JitterSpan: DefaultJitterSpan,
	}
}

func (b *ExponentialBackoff) NextDelay(attempt int, _ error) (time.Duration, bool) {
	delay := b.Initial
	for i := 0; i < attempt; i++ {
		grown := time.Duration(float64(delay) * b.Growth)
		if grown >= b.Ceiling {
			delay = b.Ceiling
			break
		}
		delay = grown
	}
	if delay > b.Ceiling {
		delay = b.Ceiling
	}

	if span := time.Duration(float64(delay) * b.JitterSpan); span > 0 {
		delay = delay - span + rand.DurationN(2*span)
	}

	return delay, true
}

// Reset is a no-op: the delay is derived entirely from the attempt
// count the caller tracks.
func (b *ExponentialBackoff) Reset() {}

// FixedDelay waits the same interval between attempts. A positive
// Limit makes the policy give up once that many attempts were made;
// zero means it never does.
type FixedDelay struct {
	Delay time.Duration
	Limit int
}

// NewFixedDelay returns a fixed-interval policy.
func NewFixedDelay(delay time.Duration, limit int) *FixedDelay {
	return &FixedDelay{Delay: delay, Limit: limit}
}

func (f *FixedDelay) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if f.Limit > 0 && attempt >= f.Limit {
		return 0, false
	}
	return f.Delay, true
}

// Reset is a no-op.
func (f *FixedDelay) Reset() {}
