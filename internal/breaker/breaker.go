// Package breaker implements the per-provider circuit breaker pattern
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gwerrors "github.com/ensemble-gateway/ensemble/pkg/errors"
	"github.com/ensemble-gateway/ensemble/pkg/types"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns a string representation of the circuit state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler for CircuitState
func (s CircuitState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Hard cap on retained window entries, independent of the time window
const maxWindowEntries = 1024

// callRecord is one execution outcome in the sliding window
type callRecord struct {
	success   bool
	duration  time.Duration
	timestamp time.Time
}

// Metrics is a snapshot of breaker state and window counts
type Metrics struct {
	Provider         string        `json:"provider"`
	State            CircuitState  `json:"state"`
	FailureCount     int           `json:"failure_count"`
	SuccessCount     int           `json:"success_count"`
	TotalRequests    int           `json:"total_requests"`
	FailureRate      float64       `json:"failure_rate"`
	HalfOpenRequests int           `json:"half_open_requests"`
	LastFailureTime  time.Time     `json:"last_failure_time"`
	LastSuccessTime  time.Time     `json:"last_success_time"`
	NextRetryTime    time.Time     `json:"next_retry_time"`
	AverageLatency   time.Duration `json:"average_latency"`
}

// CircuitBreaker isolates one provider behind a CLOSED/OPEN/HALF_OPEN
// state machine. All state is owned by this instance and mutations are
// serialized by an internal mutex; probes and live calls may race.
type CircuitBreaker struct {
	name   string
	config types.CircuitBreakerSettings

	state             CircuitState
	window            []callRecord
	halfOpenRequests  int
	halfOpenSuccesses int
	lastFailureTime   time.Time
	lastSuccessTime   time.Time
	nextRetryTime     time.Time

	onStateChange func(name string, from, to CircuitState)
	now           func() time.Time
	mu            sync.Mutex
}

// New creates a circuit breaker for one provider.
// The configuration is validated; an invalid configuration is a
// fail-fast error, never silently accepted.
func New(name string, config types.CircuitBreakerSettings) (*CircuitBreaker, error) {
	if name == "" {
		return nil, fmt.Errorf("breaker name cannot be empty")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker config: %w", err)
	}

	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}, nil
}

// OnStateChange registers a callback fired on every state transition.
// Must be set before the breaker receives traffic.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.onStateChange = fn
}

// Execute runs the operation through the breaker with a hard timeout.
// An OPEN breaker rejects immediately with a typed error carrying the
// current metrics; the operation is never invoked. A timeout counts as
// a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, cb.config.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	var err error
	select {
	case err = <-done:
		// The operation may surface the deadline itself; normalize it
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			err = cb.timeoutError()
		}
	case <-callCtx.Done():
		err = cb.timeoutError()
	}

	cb.afterCall(err == nil, time.Since(start))
	return err
}

// timeoutError builds the typed per-call timeout failure
func (cb *CircuitBreaker) timeoutError() error {
	return gwerrors.NewProviderError(cb.name, gwerrors.ErrTimeout,
		fmt.Sprintf("call timed out after %s", cb.config.Timeout), true)
}

// beforeCall admits or rejects the call based on the current state
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.nextRetryTime) {
			return cb.openErrorLocked()
		}
		// Recovery timeout elapsed, probe the provider with limited trials
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenRequests = 0
		cb.halfOpenSuccesses = 0
		fallthrough

	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.HalfOpenMaxRequests {
			return cb.openErrorLocked()
		}
		cb.halfOpenRequests++
	}

	return nil
}

// afterCall records the outcome and applies state transitions
func (cb *CircuitBreaker) afterCall(success bool, duration time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.recordLocked(callRecord{success: success, duration: duration, timestamp: now})

	if success {
		cb.lastSuccessTime = now
	} else {
		cb.lastFailureTime = now
	}

	switch cb.state {
	case StateClosed:
		if !success {
			total, failures := cb.windowCountsLocked()
			if total >= cb.config.MinimumRequests &&
				float64(failures)/float64(total) >= cb.config.FailureThreshold {
				cb.tripLocked()
			}
		}

	case StateHalfOpen:
		if success {
			cb.halfOpenSuccesses++
			// All allowed trials must succeed before closing again
			if cb.halfOpenSuccesses >= cb.config.HalfOpenMaxRequests {
				cb.transitionLocked(StateClosed)
				cb.window = nil
				cb.halfOpenRequests = 0
				cb.halfOpenSuccesses = 0
			}
		} else {
			cb.tripLocked()
		}
	}
}

// tripLocked opens the circuit and schedules the next retry
func (cb *CircuitBreaker) tripLocked() {
	cb.transitionLocked(StateOpen)
	cb.nextRetryTime = cb.now().Add(cb.config.RecoveryTimeout)
	cb.halfOpenRequests = 0
	cb.halfOpenSuccesses = 0
}

// transitionLocked moves to a new state and fires the callback
func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// recordLocked appends an entry and prunes the window
func (cb *CircuitBreaker) recordLocked(rec callRecord) {
	cb.window = append(cb.window, rec)
	cb.pruneLocked()
	if len(cb.window) > maxWindowEntries {
		cb.window = cb.window[len(cb.window)-maxWindowEntries:]
	}
}

// pruneLocked drops entries older than the monitoring window.
// Must run before any failure-rate computation.
func (cb *CircuitBreaker) pruneLocked() {
	cutoff := cb.now().Add(-cb.config.MonitoringWindow)
	idx := 0
	for idx < len(cb.window) && cb.window[idx].timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		cb.window = cb.window[idx:]
	}
}

// windowCountsLocked returns total and failed requests in the pruned window
func (cb *CircuitBreaker) windowCountsLocked() (total, failures int) {
	cb.pruneLocked()
	for _, rec := range cb.window {
		total++
		if !rec.success {
			failures++
		}
	}
	return total, failures
}

// openErrorLocked builds the typed rejection with a metrics snapshot
func (cb *CircuitBreaker) openErrorLocked() error {
	m := cb.metricsLocked()
	return &gwerrors.CircuitOpenError{
		Provider: cb.name,
		Metrics: gwerrors.BreakerMetrics{
			State:         m.State.String(),
			FailureCount:  m.FailureCount,
			SuccessCount:  m.SuccessCount,
			FailureRate:   m.FailureRate,
			TotalRequests: m.TotalRequests,
			LastFailure:   m.LastFailureTime,
			NextRetry:     m.NextRetryTime,
		},
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Surface the pending OPEN -> HALF_OPEN transition without mutating
	if cb.state == StateOpen && !cb.now().Before(cb.nextRetryTime) {
		return StateHalfOpen
	}
	return cb.state
}

// Metrics returns a snapshot of the breaker's window and state
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.metricsLocked()
}

func (cb *CircuitBreaker) metricsLocked() Metrics {
	total, failures := cb.windowCountsLocked()

	var rate float64
	if total > 0 {
		rate = float64(failures) / float64(total)
	}

	var totalLatency time.Duration
	for _, rec := range cb.window {
		totalLatency += rec.duration
	}
	var avgLatency time.Duration
	if total > 0 {
		avgLatency = totalLatency / time.Duration(total)
	}

	return Metrics{
		Provider:         cb.name,
		State:            cb.state,
		FailureCount:     failures,
		SuccessCount:     total - failures,
		TotalRequests:    total,
		FailureRate:      rate,
		HalfOpenRequests: cb.halfOpenRequests,
		LastFailureTime:  cb.lastFailureTime,
		LastSuccessTime:  cb.lastSuccessTime,
		NextRetryTime:    cb.nextRetryTime,
		AverageLatency:   avgLatency,
	}
}

// Reset returns the breaker to CLOSED and clears all window history.
// Used for operational recovery and tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionLocked(StateClosed)
	cb.window = nil
	cb.halfOpenRequests = 0
	cb.halfOpenSuccesses = 0
	cb.nextRetryTime = time.Time{}
}
