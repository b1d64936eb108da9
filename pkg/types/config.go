// Package types defines the validated configuration surface of the gateway
package types

import (
	"fmt"
	"math"
	"time"
)

// Backoff strategy names accepted by RateLimitSettings
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
)

// Insufficient-provider policies accepted by EnsemblePolicy
const (
	OnInsufficientProceed = "proceed"
	OnInsufficientFail    = "fail"
)

// EndpointConfig describes how to reach a provider backend
type EndpointConfig struct {
	BaseURL       string        `json:"base_url" mapstructure:"base_url"`
	Timeout       time.Duration `json:"timeout" mapstructure:"timeout"`
	RetryAttempts int           `json:"retry_attempts" mapstructure:"retry_attempts"`
}

// ModelConfig describes the models a provider exposes
type ModelConfig struct {
	DefaultModel    string   `json:"default_model" mapstructure:"default_model"`
	AvailableModels []string `json:"available_models" mapstructure:"available_models"`
}

// RateLimitSettings describes per-provider admission limits
type RateLimitSettings struct {
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	RequestsPerHour   int    `json:"requests_per_hour" mapstructure:"requests_per_hour"`
	TokensPerMinute   int    `json:"tokens_per_minute" mapstructure:"tokens_per_minute"`
	BurstLimit        int    `json:"burst_limit" mapstructure:"burst_limit"`
	QueueLimit        int    `json:"queue_limit" mapstructure:"queue_limit"`
	BackoffStrategy   string `json:"backoff_strategy" mapstructure:"backoff_strategy"`
}

// CircuitBreakerSettings describes per-provider fault isolation parameters
type CircuitBreakerSettings struct {
	FailureThreshold    float64       `json:"failure_threshold" mapstructure:"failure_threshold"` // failure rate in (0,1]
	RecoveryTimeout     time.Duration `json:"recovery_timeout" mapstructure:"recovery_timeout"`
	HalfOpenMaxRequests int           `json:"half_open_max_requests" mapstructure:"half_open_max_requests"`
	Timeout             time.Duration `json:"timeout" mapstructure:"timeout"` // per-call hard timeout
	MonitoringWindow    time.Duration `json:"monitoring_window" mapstructure:"monitoring_window"`
	MinimumRequests     int           `json:"minimum_requests" mapstructure:"minimum_requests"`
}

// BudgetAlert fires a warning once spend in a period crosses the threshold
type BudgetAlert struct {
	Threshold float64 `json:"threshold" mapstructure:"threshold"` // currency units
	Period    string  `json:"period" mapstructure:"period"`       // daily, monthly
}

// CostSettings describes the provider's cost model
type CostSettings struct {
	InputTokenCost  float64       `json:"input_token_cost" mapstructure:"input_token_cost"`   // per 1K input tokens
	OutputTokenCost float64       `json:"output_token_cost" mapstructure:"output_token_cost"` // per 1K output tokens
	ImageCost       float64       `json:"image_cost" mapstructure:"image_cost"`               // per image
	BudgetAlerts    []BudgetAlert `json:"budget_alerts" mapstructure:"budget_alerts"`
}

// ProviderConfig is the validated, typed configuration of one provider.
// Treated as immutable once validated; mutations go through the registry,
// which re-validates a fresh copy.
type ProviderConfig struct {
	Type     string `json:"type" mapstructure:"type"`
	Name     string `json:"name" mapstructure:"name"`
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Priority int    `json:"priority" mapstructure:"priority"` // higher dispatched first

	Endpoint EndpointConfig `json:"endpoint" mapstructure:"endpoint"`

	// APIKey may carry an encrypted value (enc: prefix); APIKeyEnvVar names
	// an environment variable consulted first.
	APIKey       string `json:"api_key,omitempty" mapstructure:"api_key"`
	APIKeyEnvVar string `json:"api_key_env,omitempty" mapstructure:"api_key_env"`

	Model          ModelConfig            `json:"model" mapstructure:"model"`
	RateLimit      RateLimitSettings      `json:"rate_limit" mapstructure:"rate_limit"`
	CircuitBreaker CircuitBreakerSettings `json:"circuit_breaker" mapstructure:"circuit_breaker"`
	Cost           CostSettings           `json:"cost" mapstructure:"cost"`

	HealthCheckInterval time.Duration `json:"health_check_interval" mapstructure:"health_check_interval"`
}

// Validate checks all provider configuration invariants.
// Called on load and on every registry mutation.
func (c *ProviderConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if c.Type == "" {
		return fmt.Errorf("provider %s: type is required", c.Name)
	}
	if c.Endpoint.BaseURL == "" {
		return fmt.Errorf("provider %s: endpoint.base_url is required", c.Name)
	}
	if c.Endpoint.Timeout <= 0 {
		return fmt.Errorf("provider %s: endpoint.timeout must be positive", c.Name)
	}
	if c.Endpoint.RetryAttempts < 0 {
		return fmt.Errorf("provider %s: endpoint.retry_attempts cannot be negative", c.Name)
	}

	if c.Model.DefaultModel == "" {
		return fmt.Errorf("provider %s: model.default_model is required", c.Name)
	}
	found := false
	for _, m := range c.Model.AvailableModels {
		if m == c.Model.DefaultModel {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("provider %s: default model %q is not in available models", c.Name, c.Model.DefaultModel)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("provider %s: %w", c.Name, err)
	}
	if err := c.CircuitBreaker.Validate(); err != nil {
		return fmt.Errorf("provider %s: %w", c.Name, err)
	}
	if err := c.Cost.Validate(); err != nil {
		return fmt.Errorf("provider %s: %w", c.Name, err)
	}

	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("provider %s: health_check_interval must be positive", c.Name)
	}

	return nil
}

// Validate checks rate limit settings
func (r *RateLimitSettings) Validate() error {
	if r.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must be positive")
	}
	if r.RequestsPerHour <= 0 {
		return fmt.Errorf("rate_limit.requests_per_hour must be positive")
	}
	if r.TokensPerMinute <= 0 {
		return fmt.Errorf("rate_limit.tokens_per_minute must be positive")
	}
	if r.BurstLimit < 0 {
		return fmt.Errorf("rate_limit.burst_limit cannot be negative")
	}
	if r.QueueLimit < 0 {
		return fmt.Errorf("rate_limit.queue_limit cannot be negative")
	}
	switch r.BackoffStrategy {
	case "", BackoffExponential, BackoffLinear:
	default:
		return fmt.Errorf("rate_limit.backoff_strategy must be %q or %q", BackoffExponential, BackoffLinear)
	}
	return nil
}

// Validate checks circuit breaker settings
func (b *CircuitBreakerSettings) Validate() error {
	if b.FailureThreshold <= 0 || b.FailureThreshold > 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be in (0,1]")
	}
	if b.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.recovery_timeout must be positive")
	}
	if b.HalfOpenMaxRequests <= 0 {
		return fmt.Errorf("circuit_breaker.half_open_max_requests must be positive")
	}
	if b.Timeout <= 0 {
		return fmt.Errorf("circuit_breaker.timeout must be positive")
	}
	if b.MonitoringWindow <= 0 {
		return fmt.Errorf("circuit_breaker.monitoring_window must be positive")
	}
	if b.MinimumRequests <= 0 {
		return fmt.Errorf("circuit_breaker.minimum_requests must be positive")
	}
	return nil
}

// Validate checks cost settings
func (c *CostSettings) Validate() error {
	if c.InputTokenCost < 0 || c.OutputTokenCost < 0 || c.ImageCost < 0 {
		return fmt.Errorf("cost values cannot be negative")
	}
	for _, alert := range c.BudgetAlerts {
		if alert.Threshold <= 0 {
			return fmt.Errorf("cost.budget_alerts threshold must be positive")
		}
		if alert.Period != "daily" && alert.Period != "monthly" {
			return fmt.Errorf("cost.budget_alerts period must be daily or monthly")
		}
	}
	return nil
}

// Clone creates a deep copy of the provider configuration
func (c *ProviderConfig) Clone() *ProviderConfig {
	clone := *c
	clone.Model.AvailableModels = append([]string(nil), c.Model.AvailableModels...)
	clone.Cost.BudgetAlerts = append([]BudgetAlert(nil), c.Cost.BudgetAlerts...)
	return &clone
}

// ConfidenceWeighting splits result confidence into its scored components.
// The three weights must sum to 1.
type ConfidenceWeighting struct {
	Agreement    float64 `json:"agreement" mapstructure:"agreement"`
	Completeness float64 `json:"completeness" mapstructure:"completeness"`
	Consistency  float64 `json:"consistency" mapstructure:"consistency"`
}

// EnsemblePolicy controls one fan-out: how many providers, how long, and
// how results are reconciled.
type EnsemblePolicy struct {
	MinProvidersRequired int           `json:"min_providers_required" mapstructure:"min_providers_required"`
	MaxProviderTimeout   time.Duration `json:"max_provider_timeout" mapstructure:"max_provider_timeout"`
	MaxTotalTimeout      time.Duration `json:"max_total_timeout" mapstructure:"max_total_timeout"`

	ConsensusThreshold           float64             `json:"consensus_threshold" mapstructure:"consensus_threshold"`
	ConfidenceWeighting          ConfidenceWeighting `json:"confidence_weighting" mapstructure:"confidence_weighting"`
	ComponentClusteringThreshold float64             `json:"component_clustering_threshold" mapstructure:"component_clustering_threshold"`

	// OnInsufficient decides behavior when fewer than MinProvidersRequired
	// candidates are eligible: proceed (degraded response) or fail.
	OnInsufficient string `json:"on_insufficient" mapstructure:"on_insufficient"`
}

// Validate checks ensemble policy invariants
func (p *EnsemblePolicy) Validate() error {
	if p.MinProvidersRequired < 1 {
		return fmt.Errorf("ensemble.min_providers_required must be at least 1")
	}
	if p.MaxProviderTimeout <= 0 {
		return fmt.Errorf("ensemble.max_provider_timeout must be positive")
	}
	if p.MaxTotalTimeout <= 0 {
		return fmt.Errorf("ensemble.max_total_timeout must be positive")
	}
	if p.MaxProviderTimeout >= p.MaxTotalTimeout {
		return fmt.Errorf("ensemble.max_provider_timeout must be less than max_total_timeout")
	}
	if p.ConsensusThreshold <= 0 || p.ConsensusThreshold > 1 {
		return fmt.Errorf("ensemble.consensus_threshold must be in (0,1]")
	}
	if p.ComponentClusteringThreshold <= 0 || p.ComponentClusteringThreshold > 1 {
		return fmt.Errorf("ensemble.component_clustering_threshold must be in (0,1]")
	}
	w := p.ConfidenceWeighting
	if w.Agreement < 0 || w.Completeness < 0 || w.Consistency < 0 {
		return fmt.Errorf("ensemble.confidence_weighting components cannot be negative")
	}
	if math.Abs(w.Agreement+w.Completeness+w.Consistency-1.0) > 0.001 {
		return fmt.Errorf("ensemble.confidence_weighting components must sum to 1")
	}
	switch p.OnInsufficient {
	case "", OnInsufficientProceed, OnInsufficientFail:
	default:
		return fmt.Errorf("ensemble.on_insufficient must be %q or %q", OnInsufficientProceed, OnInsufficientFail)
	}
	return nil
}

// Clone creates a copy of the policy
func (p *EnsemblePolicy) Clone() *EnsemblePolicy {
	clone := *p
	return &clone
}

// DefaultEnsemblePolicy returns the default fan-out policy
func DefaultEnsemblePolicy() *EnsemblePolicy {
	return &EnsemblePolicy{
		MinProvidersRequired: 2,
		MaxProviderTimeout:   45 * time.Second,
		MaxTotalTimeout:      90 * time.Second,
		ConsensusThreshold:   0.6,
		ConfidenceWeighting: ConfidenceWeighting{
			Agreement:    0.5,
			Completeness: 0.3,
			Consistency:  0.2,
		},
		ComponentClusteringThreshold: 0.7,
		OnInsufficient:               OnInsufficientProceed,
	}
}

// AlertingSettings controls monitoring thresholds that trigger warnings
type AlertingSettings struct {
	SLAViolationThreshold time.Duration `json:"sla_violation_threshold" mapstructure:"sla_violation_threshold"`
	FailureRateThreshold  float64       `json:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
}

// MonitoringSettings is the global health monitoring block
type MonitoringSettings struct {
	HealthCheckInterval time.Duration    `json:"health_check_interval" mapstructure:"health_check_interval"`
	DegradedThreshold   float64          `json:"degraded_threshold" mapstructure:"degraded_threshold"`
	UnhealthyThreshold  float64          `json:"unhealthy_threshold" mapstructure:"unhealthy_threshold"`
	HistorySize         int              `json:"history_size" mapstructure:"history_size"`
	ProbeTimeout        time.Duration    `json:"probe_timeout" mapstructure:"probe_timeout"`
	Alerting            AlertingSettings `json:"alerting" mapstructure:"alerting"`
}

// Validate checks monitoring settings.
// The unhealthy threshold must sit strictly below the degraded threshold.
func (m *MonitoringSettings) Validate() error {
	if m.HealthCheckInterval <= 0 {
		return fmt.Errorf("monitoring.health_check_interval must be positive")
	}
	if m.DegradedThreshold <= 0 || m.DegradedThreshold > 1 {
		return fmt.Errorf("monitoring.degraded_threshold must be in (0,1]")
	}
	if m.UnhealthyThreshold <= 0 || m.UnhealthyThreshold > 1 {
		return fmt.Errorf("monitoring.unhealthy_threshold must be in (0,1]")
	}
	if m.UnhealthyThreshold >= m.DegradedThreshold {
		return fmt.Errorf("monitoring.unhealthy_threshold must be less than degraded_threshold")
	}
	if m.HistorySize <= 0 {
		return fmt.Errorf("monitoring.history_size must be positive")
	}
	if m.ProbeTimeout <= 0 {
		return fmt.Errorf("monitoring.probe_timeout must be positive")
	}
	return nil
}

// EnsembleSettings is the global ensemble configuration block
type EnsembleSettings struct {
	Performance EnsemblePolicy     `json:"performance" mapstructure:"performance"`
	Monitoring  MonitoringSettings `json:"monitoring" mapstructure:"monitoring"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig represents the reporting database configuration
type DatabaseConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig represents the usage-counter store configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

// AuthConfig represents admin API authentication configuration
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`
	AdminKeyHash  string        `mapstructure:"admin_key_hash"` // bcrypt hash of the admin API key
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// SecurityConfig gates secret handling
type SecurityConfig struct {
	// AllowDecrypt permits decrypting stored API keys into memory.
	AllowDecrypt bool `mapstructure:"allow_decrypt"`
	// EncryptionKeyEnvVar names the env var holding the AES key.
	EncryptionKeyEnvVar string `mapstructure:"encryption_key_env"`
}

// Config is the full gateway configuration
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Security  SecurityConfig   `mapstructure:"security"`
	Ensemble  EnsembleSettings `mapstructure:"ensemble"`
	Providers []ProviderConfig `mapstructure:"providers"`
}
