package watch

import (
	"math/rand"
	"time"
)

const DEFAULT_BACKOFF_JITTER = 0.5

// Backoff yields capped doubling delays with jitter.
// Consecutive delays never decrease and never exceed Max until Reset.
// Not safe for concurrent use. Each watcher owns one.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter adds up to Jitter * base to each delay.
	Jitter float64

	rnd     *rand.Rand
	attempt uint
	last    time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return &Backoff{
		Initial: initial,
		Max:     max,
		Jitter:  DEFAULT_BACKOFF_JITTER,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Backoff) base() time.Duration {
	base := b.Initial
	for i := uint(0); i < b.attempt && base < b.Max; i++ {
		base *= 2
	}
	if base > b.Max {
		base = b.Max
	}
	return base
}

// Next returns delay before the next retry.
func (b *Backoff) Next() time.Duration {
	base := b.base()
	if base < b.Max {
		b.attempt++
	}

	delay := base
	if b.Jitter > 0 {
		delay += time.Duration(b.rnd.Float64() * b.Jitter * float64(base))
	}
	if delay < b.last {
		delay = b.last
	}
	if delay > b.Max {
		delay = b.Max
	}
	b.last = delay
	return delay
}

// Reset starts over from Initial. Called after a successful query.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}
