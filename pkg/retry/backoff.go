// Package retry implements backoff strategies for rate-limited and
// transiently failing provider calls.
package retry

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ensemble-gateway/ensemble/pkg/types"
)

// Backoff computes the delay before a retry attempt.
// Attempt numbering starts at 1.
type Backoff interface {
	Delay(attempt int) time.Duration
	Name() string
}

// ExponentialBackoff doubles the delay on each attempt, capped at MaxDelay.
// Jitter of ±10% spreads retries from concurrent callers.
type ExponentialBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
	Jitter    bool
}

// Delay returns BaseDelay * Factor^(attempt-1), capped and jittered
func (b *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.BaseDelay) * math.Pow(b.Factor, float64(attempt-1))

	maxDelay := float64(b.MaxDelay)
	if delay > maxDelay {
		delay = maxDelay
	}

	if b.Jitter {
		delay += delay * 0.1 * (rand.Float64()*2 - 1)
	}

	if delay < 0 {
		delay = float64(b.BaseDelay)
	}

	return time.Duration(delay)
}

// Name returns the strategy name
func (b *ExponentialBackoff) Name() string { return types.BackoffExponential }

// LinearBackoff grows the delay by BaseDelay per attempt, capped at MaxDelay
type LinearBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns BaseDelay * attempt, capped
func (b *LinearBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.BaseDelay * time.Duration(attempt)
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	return delay
}

// Name returns the strategy name
func (b *LinearBackoff) Name() string { return types.BackoffLinear }

// NewBackoff builds a backoff from a configured strategy name.
// An empty strategy defaults to exponential.
func NewBackoff(strategy string, base, max time.Duration) (Backoff, error) {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	switch strategy {
	case "", types.BackoffExponential:
		return &ExponentialBackoff{BaseDelay: base, MaxDelay: max, Factor: 2.0, Jitter: true}, nil
	case types.BackoffLinear:
		return &LinearBackoff{BaseDelay: base, MaxDelay: max}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy: %s", strategy)
	}
}
