// Package types defines core types and interfaces for the ensemble gateway
package types

import (
	"context"
	"time"
)

// HealthState represents the derived health status of a provider
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Worse reports whether s is a worse state than other.
// Ordering: unhealthy > degraded > healthy > unknown.
func (s HealthState) Worse(other HealthState) bool {
	return s.rank() > other.rank()
}

func (s HealthState) rank() int {
	switch s {
	case HealthUnhealthy:
		return 3
	case HealthDegraded:
		return 2
	case HealthHealthy:
		return 1
	default:
		return 0
	}
}

// ImageInput carries one prepared image for analysis.
// Data is base64-encoded; preparation (resizing, format conversion)
// happens upstream of this core.
type ImageInput struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// AnalysisOptions carries per-request model parameters
type AnalysisOptions struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	Detail      string  `json:"detail,omitempty"`
}

// AnalysisRequest is one prepared analysis call entering the orchestrator.
// The prompt is already sanitized and templated by the caller.
type AnalysisRequest struct {
	ID        string          `json:"id"`
	Prompt    string          `json:"prompt"`
	Images    []ImageInput    `json:"images,omitempty"`
	Options   AnalysisOptions `json:"options,omitempty"`
	Policy    *EnsemblePolicy `json:"policy,omitempty"` // optional per-request override
	Timestamp time.Time       `json:"timestamp"`
}

// Component is one structured item a provider detected in the analyzed
// input. Components are matched across providers during aggregation.
type Component struct {
	Type       string  `json:"type"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Usage represents token usage reported by a provider
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AnalysisResult is the raw answer from a single provider
type AnalysisResult struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	Content      string        `json:"content"`
	Components   []Component   `json:"components,omitempty"`
	Confidence   float64       `json:"confidence"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Usage        Usage         `json:"usage"`
	Latency      time.Duration `json:"latency"`
	Created      time.Time     `json:"created"`
}

// ProviderOutcome is the per-provider diagnostic entry in an ensemble response
type ProviderOutcome struct {
	Provider     string          `json:"provider"`
	Result       *AnalysisResult `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Latency      time.Duration   `json:"latency"`
	Cost         float64         `json:"cost"`
	// FallbackUsed marks a cost derived from the pre-dispatch estimate
	// because the provider reported no token usage.
	FallbackUsed bool `json:"fallback_used"`
}

// EnsembleResponse is the aggregated answer returned to the caller
type EnsembleResponse struct {
	ID               string            `json:"id"`
	Consensus        *AnalysisResult   `json:"consensus,omitempty"`
	ConsensusReached bool              `json:"consensus_reached"`
	AgreementScore   float64           `json:"agreement_score"`
	Degraded         bool              `json:"degraded"`
	Outcomes         []ProviderOutcome `json:"outcomes"`
	TotalLatency     time.Duration     `json:"total_latency"`
	TotalCost        float64           `json:"total_cost"`
	Created          time.Time         `json:"created"`
}

// Capabilities describes what a provider backend can accept
type Capabilities struct {
	MaxImageSize        int64    `json:"max_image_size"`
	MaxImagesPerRequest int      `json:"max_images_per_request"`
	SupportedFormats    []string `json:"supported_formats"`
	MaxTokens           int      `json:"max_tokens"`
	CostPerToken        float64  `json:"cost_per_token"`
}

// Provider is the adapter contract consumed by the orchestration core.
// Each backend (OpenAI-compatible, Anthropic, ...) implements it externally.
type Provider interface {
	// Basic provider information
	GetName() string
	GetType() string

	// Core functionality
	Analyze(ctx context.Context, request *AnalysisRequest) (*AnalysisResult, error)

	// Health and capability reporting
	HealthCheck(ctx context.Context) error
	GetCapabilities() *Capabilities

	// Configuration
	ValidateConfiguration() error
	GetConfig() *ProviderConfig
}

// HealthCheckEntry is one recorded probe or passive call outcome
type HealthCheckEntry struct {
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	Timestamp    time.Time     `json:"timestamp"`
	Error        string        `json:"error,omitempty"`
}

// ProviderHealth is the externally visible health record of one provider
type ProviderHealth struct {
	Provider            string             `json:"provider"`
	State               HealthState        `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastCheck           time.Time          `json:"last_check"`
	History             []HealthCheckEntry `json:"history,omitempty"`
}

// HealthSummary is the system-wide aggregate across providers
type HealthSummary struct {
	State     HealthState                `json:"state"`
	Providers map[string]*ProviderHealth `json:"providers"`
	Checked   time.Time                  `json:"checked"`
}

// RateLimitInfo reports the current admission budget of one provider
type RateLimitInfo struct {
	RequestsPerMinute int       `json:"requests_per_minute"`
	RequestsPerHour   int       `json:"requests_per_hour"`
	TokensPerMinute   int       `json:"tokens_per_minute"`
	RemainingRequests int       `json:"remaining_requests"`
	RemainingTokens   int       `json:"remaining_tokens"`
	QueueDepth        int       `json:"queue_depth"`
	ResetTime         time.Time `json:"reset_time"`
}

// CostEstimate represents cost estimation for a request
type CostEstimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Images       int     `json:"images"`
	InputCost    float64 `json:"input_cost"`
	OutputCost   float64 `json:"output_cost"`
	ImageCost    float64 `json:"image_cost"`
	TotalCost    float64 `json:"total_cost"`
	Currency     string  `json:"currency"`
}
