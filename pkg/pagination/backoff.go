package pagination

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// RandomSource yields uniform values in [0, 1).
type RandomSource interface {
	Float64() float64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

// NewLockedRand returns a seeded source that is safe for concurrent use.
// Equal seeds yield equal sequences.
func NewLockedRand(seed uint64) RandomSource {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

type processRand struct{}

func (processRand) Float64() float64 { return rand.Float64() }

// DefaultRandom returns the process-wide source of math/rand/v2.
func DefaultRandom() RandomSource {
	return processRand{}
}

// Backoff computes retry delays: exponential growth from Base, capped at Max,
// with multiplicative jitter in [0.5, 1.5).
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Rand       RandomSource
}

// DefaultBackoff returns 500ms base, 30s cap, doubling.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Rand:       DefaultRandom(),
	}
}

// Delay returns the sleep before retry number attempt (0-based).
// The result is always within [0, Max].
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Base <= 0 || b.Max <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	src := b.Rand
	if src == nil {
		src = DefaultRandom()
	}

	capped := float64(b.Max)
	if raw := float64(b.Base) * math.Pow(mult, float64(attempt)); raw < capped {
		capped = raw
	}

	d := time.Duration(capped * (0.5 + src.Float64()))
	if d > b.Max {
		d = b.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Sleeper pauses for d or until ctx ends, returning the context error in that case.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real-clock Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
