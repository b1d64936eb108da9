// Package ratelimit implements per-provider admission control with
// request, token, and burst budgets plus a bounded wait queue.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	gwerrors "github.com/ensemble-gateway/ensemble/pkg/errors"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Limiter admits requests for one provider against its configured
// requests-per-minute/hour and tokens-per-minute budgets. A token
// bucket smooths bursts up to the burst limit; blocked callers wait in
// a bounded queue and anything beyond queue capacity is rejected
// immediately rather than queued indefinitely.
type Limiter struct {
	provider string
	settings types.RateLimitSettings

	requestsMinute *slidingWindow
	requestsHour   *slidingWindow
	tokensMinute   *slidingWindow

	// Burst bucket: capacity = burst limit, refilled at the per-minute
	// request rate.
	bucketTokens float64
	bucketFilled time.Time

	queueDepth int
	logger     *utils.Logger
	mu         sync.Mutex
}

// NewLimiter creates a limiter from validated settings
func NewLimiter(provider string, settings types.RateLimitSettings, logger *utils.Logger) (*Limiter, error) {
	if provider == "" {
		return nil, fmt.Errorf("limiter provider cannot be empty")
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit settings: %w", err)
	}

	return &Limiter{
		provider:       provider,
		settings:       settings,
		requestsMinute: newSlidingWindow(time.Minute, int64(settings.RequestsPerMinute)),
		requestsHour:   newSlidingWindow(time.Hour, int64(settings.RequestsPerHour)),
		tokensMinute:   newSlidingWindow(time.Minute, int64(settings.TokensPerMinute)),
		bucketTokens:   float64(settings.BurstLimit),
		bucketFilled:   time.Now(),
		logger:         logger,
	}, nil
}

// TryAcquire attempts to admit one request consuming the given token
// estimate without waiting. Returns a RATE_LIMITED error on rejection.
func (l *Limiter) TryAcquire(tokens int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tryAcquireLocked(time.Now(), int64(tokens))
}

// Acquire admits one request, waiting in the bounded queue if the
// budget is currently exhausted. Waiting beyond queue capacity or past
// context cancellation returns a RATE_LIMITED/timeout error.
func (l *Limiter) Acquire(ctx context.Context, tokens int) error {
	l.mu.Lock()
	now := time.Now()

	if err := l.tryAcquireLocked(now, int64(tokens)); err == nil {
		l.mu.Unlock()
		return nil
	}

	if l.queueDepth >= l.settings.QueueLimit {
		depth := l.queueDepth
		l.mu.Unlock()
		l.logger.LogRateLimitExceeded(l.provider, depth)
		return gwerrors.NewWithDetails(gwerrors.ErrRateLimited,
			fmt.Sprintf("rate limit queue full for provider %s", l.provider),
			fmt.Sprintf("queue depth %d", depth))
	}
	l.queueDepth++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.queueDepth--
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		now = time.Now()
		if err := l.tryAcquireLocked(now, int64(tokens)); err == nil {
			l.mu.Unlock()
			return nil
		}
		wait := l.nextFreeLocked(now, int64(tokens))
		l.mu.Unlock()

		if wait <= 0 {
			wait = 10 * time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return gwerrors.NewWithDetails(gwerrors.ErrRateLimited,
				fmt.Sprintf("gave up waiting for rate limit slot on provider %s", l.provider),
				ctx.Err().Error())
		case <-timer.C:
		}
	}
}

// tryAcquireLocked checks all budgets and commits the admission
func (l *Limiter) tryAcquireLocked(now time.Time, tokens int64) error {
	l.refillLocked(now)

	if !l.requestsMinute.fits(now, 1) {
		return gwerrors.New(gwerrors.ErrRateLimited,
			fmt.Sprintf("per-minute request limit reached for provider %s", l.provider))
	}
	if !l.requestsHour.fits(now, 1) {
		return gwerrors.New(gwerrors.ErrRateLimited,
			fmt.Sprintf("per-hour request limit reached for provider %s", l.provider))
	}
	if tokens > 0 && !l.tokensMinute.fits(now, tokens) {
		return gwerrors.New(gwerrors.ErrRateLimited,
			fmt.Sprintf("token limit reached for provider %s", l.provider))
	}
	if l.settings.BurstLimit > 0 && l.bucketTokens < 1 {
		return gwerrors.New(gwerrors.ErrRateLimited,
			fmt.Sprintf("burst allowance exhausted for provider %s", l.provider))
	}

	l.requestsMinute.add(now, 1)
	l.requestsHour.add(now, 1)
	if tokens > 0 {
		l.tokensMinute.add(now, tokens)
	}
	if l.settings.BurstLimit > 0 {
		l.bucketTokens--
	}
	return nil
}

// refillLocked adds burst tokens at the per-minute request rate
func (l *Limiter) refillLocked(now time.Time) {
	if l.settings.BurstLimit <= 0 {
		return
	}

	elapsed := now.Sub(l.bucketFilled)
	if elapsed <= 0 {
		return
	}

	rate := float64(l.settings.RequestsPerMinute) / 60.0
	l.bucketTokens += elapsed.Seconds() * rate
	if l.bucketTokens > float64(l.settings.BurstLimit) {
		l.bucketTokens = float64(l.settings.BurstLimit)
	}
	l.bucketFilled = now
}

// nextFreeLocked estimates the longest wait across the exhausted budgets
func (l *Limiter) nextFreeLocked(now time.Time, tokens int64) time.Duration {
	wait := l.requestsMinute.nextFree(now, 1)
	if w := l.requestsHour.nextFree(now, 1); w > wait {
		wait = w
	}
	if tokens > 0 {
		if w := l.tokensMinute.nextFree(now, tokens); w > wait {
			wait = w
		}
	}
	if l.settings.BurstLimit > 0 && l.bucketTokens < 1 {
		rate := float64(l.settings.RequestsPerMinute) / 60.0
		if rate > 0 {
			needed := (1 - l.bucketTokens) / rate
			if w := time.Duration(needed * float64(time.Second)); w > wait {
				wait = w
			}
		}
	}
	return wait
}

// Info reports the current admission budget
func (l *Limiter) Info() *types.RateLimitInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	return &types.RateLimitInfo{
		RequestsPerMinute: l.settings.RequestsPerMinute,
		RequestsPerHour:   l.settings.RequestsPerHour,
		TokensPerMinute:   l.settings.TokensPerMinute,
		RemainingRequests: int(l.requestsMinute.remaining(now)),
		RemainingTokens:   int(l.tokensMinute.remaining(now)),
		QueueDepth:        l.queueDepth,
		ResetTime:         now.Add(time.Minute),
	}
}

// Reset clears all windows (operational recovery and tests)
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.requestsMinute.reset()
	l.requestsHour.reset()
	l.tokensMinute.reset()
	l.bucketTokens = float64(l.settings.BurstLimit)
	l.bucketFilled = time.Now()
}
