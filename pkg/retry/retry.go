// Package retry provides retry execution with context-aware waiting
package retry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gwerrors "github.com/ensemble-gateway/ensemble/pkg/errors"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Operation is a retryable unit of work
type Operation func(ctx context.Context, attempt int) error

// Executor runs operations with a configured backoff
type Executor struct {
	backoff     Backoff
	maxAttempts int
	logger      *utils.Logger
}

// NewExecutor creates a retry executor.
// maxAttempts counts the first attempt; 3 means one call plus two retries.
func NewExecutor(backoff Backoff, maxAttempts int, logger *utils.Logger) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Executor{
		backoff:     backoff,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Execute runs the operation, retrying retryable errors with backoff.
// Non-retryable errors and breaker-open rejections return immediately.
func (e *Executor) Execute(ctx context.Context, op Operation) error {
	var lastErr error

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}

		err := op(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				e.logger.WithField("attempts", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if attempt == e.maxAttempts || !gwerrors.IsRetryable(err) {
			break
		}

		delay := e.backoff.Delay(attempt)
		e.logger.WithField("attempt", attempt).
			WithField("delay", delay.String()).
			WithError(err).
			Info("Operation failed, retrying after delay")

		if err := waitWithContext(ctx, delay); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return lastErr
}

// waitWithContext sleeps for delay unless the context ends first
func waitWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ClassifyHTTPStatus converts an HTTP status from a provider backend into
// a typed provider error with retryability.
func ClassifyHTTPStatus(provider string, statusCode int, message string) *gwerrors.ProviderError {
	var code gwerrors.ErrorCode
	var retryable bool

	switch {
	case statusCode == http.StatusTooManyRequests:
		code, retryable = gwerrors.ErrRateLimited, true
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		code, retryable = gwerrors.ErrTimeout, true
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		code, retryable = gwerrors.ErrInvalidRequest, false
	case statusCode >= 500:
		code, retryable = gwerrors.ErrAPIError, true
	case statusCode >= 400:
		code, retryable = gwerrors.ErrInvalidRequest, false
	default:
		code, retryable = gwerrors.ErrAPIError, false
	}

	pe := gwerrors.NewProviderError(provider, code, message, retryable)
	pe.StatusCode = statusCode
	return pe
}
