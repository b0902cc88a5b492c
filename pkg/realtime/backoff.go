package realtime

import (
	"sync"
	"time"
)

const (
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultMultiplier     = 2.0
)

// Backoff yields non-decreasing reconnect delays, starting at Initial and
// growing by Multiplier up to Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	mu   sync.Mutex
	next time.Duration
}

func NewBackoff() *Backoff {
	return &Backoff{
		Initial:    DefaultInitialBackoff,
		Max:        DefaultMaxBackoff,
		Multiplier: DefaultMultiplier,
	}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	initial, maxDelay, multiplier := b.params()
	if b.next < initial {
		b.next = initial
	}
	current := b.next

	grown := time.Duration(float64(current) * multiplier)
	if grown < current || grown > maxDelay {
		grown = maxDelay
	}
	b.next = grown
	return current
}

// Reset makes the next delay Initial again.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = 0
}

func (b *Backoff) params() (time.Duration, time.Duration, float64) {
	initial := b.Initial
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	maxDelay := b.Max
	if maxDelay < initial {
		maxDelay = initial
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return initial, maxDelay, multiplier
}
