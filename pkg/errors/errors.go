// Package errors defines typed errors surfaced by the ensemble gateway
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents different types of errors
type ErrorCode string

const (
	// Request validation errors
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"

	// Configuration errors, failed fast at load or update time
	ErrConfigurationError ErrorCode = "CONFIGURATION_ERROR"

	// Rate limiting errors
	ErrRateLimited ErrorCode = "RATE_LIMITED"

	// Provider call errors
	ErrTimeout  ErrorCode = "TIMEOUT"
	ErrAPIError ErrorCode = "API_ERROR"

	// Breaker rejection, carries a metrics snapshot
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"
)

// GatewayError represents a gateway-level error with an outward code
type GatewayError struct {
	Code           ErrorCode `json:"code"`
	Message        string    `json:"message"`
	Details        string    `json:"details,omitempty"`
	HTTPStatusCode int       `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a new gateway error
func New(code ErrorCode, message string) *GatewayError {
	return &GatewayError{
		Code:           code,
		Message:        message,
		HTTPStatusCode: httpStatusFor(code),
	}
}

// NewWithDetails creates a new gateway error with details
func NewWithDetails(code ErrorCode, message, details string) *GatewayError {
	e := New(code, message)
	e.Details = details
	return e
}

// httpStatusFor maps error codes to HTTP status codes
func httpStatusFor(code ErrorCode) int {
	switch code {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case ErrConfigurationError, ErrAPIError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the outward error code from any error chain.
// Unknown errors map to API_ERROR.
func CodeOf(err error) ErrorCode {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	var co *CircuitOpenError
	if errors.As(err, &co) {
		return ErrCircuitOpen
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrAPIError
}

// ProviderError is a typed error returned by a provider adapter
type ProviderError struct {
	Provider   string    `json:"provider"`
	Code       ErrorCode `json:"code"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message"`
	Retryable  bool      `json:"retryable"`
	Details    string    `json:"details,omitempty"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Code, e.Message)
}

// NewProviderError creates a typed provider error
func NewProviderError(provider string, code ErrorCode, message string, retryable bool) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: retryable,
	}
}

// BreakerMetrics is the snapshot attached to a breaker-open rejection
type BreakerMetrics struct {
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	FailureRate   float64   `json:"failure_rate"`
	TotalRequests int       `json:"total_requests"`
	LastFailure   time.Time `json:"last_failure"`
	NextRetry     time.Time `json:"next_retry"`
}

// CircuitOpenError rejects a call against an OPEN breaker without
// touching the underlying provider.
type CircuitOpenError struct {
	Provider string         `json:"provider"`
	Metrics  BreakerMetrics `json:"metrics"`
}

// Error implements the error interface
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for provider %s (failure rate %.2f, retry after %s)",
		e.Provider, e.Metrics.FailureRate, e.Metrics.NextRetry.Format(time.RFC3339))
}

// IsCircuitOpen reports whether err is a breaker-open rejection
func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}

// IsRetryable reports whether an error is worth retrying after backoff.
// Breaker rejections are not retried immediately; callers pick another
// provider or wait for the recovery timeout.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCircuitOpen(err) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code == ErrRateLimited || ge.Code == ErrTimeout
	}
	return false
}
