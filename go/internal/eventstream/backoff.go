package eventstream

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// clockAdapter lets the backoff elapsed-time bookkeeping share the client clock
type clockAdapter struct {
	clock clockwork.Clock
}

func (c clockAdapter) Now() time.Time { return c.clock.Now() }

// newReconnectBackOff yields min(base*2^n, ceiling) for n = 0, 1, ... and stops
// after maxAttempts delays. maxAttempts <= 0 retries forever.
func newReconnectBackOff(base, ceiling time.Duration, maxAttempts int, clock clockwork.Clock) backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         ceiling,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               clockAdapter{clock: clock},
	}
	exp.Reset()

	if maxAttempts <= 0 {
		return exp
	}
	return backoff.WithMaxRetries(exp, uint64(maxAttempts))
}
