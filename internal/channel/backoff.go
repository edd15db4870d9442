package channel

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffBase        = time.Second
	backoffMax         = 30 * time.Second
	backoffJitterMax   = time.Second
	backoffMaxAttempts = 10
)

// Backoff computes reconnect delays. The delay grows by a factor of 1.5 per
// attempt up to Max, with uniform jitter in [0, JitterMax) added on top. The
// attempt counter wraps back to 1 past MaxAttempts so retry spacing stays
// randomized instead of pinning every endpoint at the cap forever.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	JitterMax   time.Duration
	MaxAttempts int

	// Rand returns a value in [0, 1). Defaults to math/rand; tests inject a
	// deterministic source.
	Rand func() float64
}

// NewBackoff returns a Backoff with production defaults.
func NewBackoff() *Backoff {
	return &Backoff{
		Base:        backoffBase,
		Max:         backoffMax,
		JitterMax:   backoffJitterMax,
		MaxAttempts: backoffMaxAttempts,
	}
}

// Next advances the attempt counter, wrapping to 1 past MaxAttempts.
func (b *Backoff) Next(attempt int) int {
	attempt++
	if attempt > b.MaxAttempts {
		return 1
	}
	return attempt
}

// Delay returns the reconnect delay for the given attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(1.5, float64(attempt-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d) + b.jitter()
}

func (b *Backoff) jitter() time.Duration {
	if b.JitterMax <= 0 {
		return 0
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(b.JitterMax))
}
