// Package config provides configuration loading, validation, and hot
// reload for the ensemble gateway.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/ensemble-gateway/ensemble/pkg/types"
)

// Manager handles configuration loading and management
type Manager struct {
	config *types.Config
	viper  *viper.Viper
	mu     sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		viper: viper.New(),
	}
}

// Load loads configuration from file and environment
func (m *Manager) Load() error {
	m.setDefaults()

	m.viper.SetConfigName("config")
	m.viper.SetConfigType("yaml")
	m.viper.AddConfigPath("./configs")
	m.viper.AddConfigPath(".")

	m.viper.AutomaticEnv()
	m.viper.SetEnvPrefix("ENSEMBLE")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply
	}

	config := &types.Config{}
	if err := m.viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(config); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return nil
}

// LoadFile loads configuration from an explicit path
func (m *Manager) LoadFile(path string) error {
	m.setDefaults()

	m.viper.SetConfigFile(path)
	m.viper.AutomaticEnv()
	m.viper.SetEnvPrefix("ENSEMBLE")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := m.viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := &types.Config{}
	if err := m.viper.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(config); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return nil
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	// Server defaults
	m.viper.SetDefault("server.host", "0.0.0.0")
	m.viper.SetDefault("server.port", 8080)
	m.viper.SetDefault("server.read_timeout", "30s")
	m.viper.SetDefault("server.write_timeout", "30s")
	m.viper.SetDefault("server.idle_timeout", "120s")

	// Database defaults (reporting store, off unless configured)
	m.viper.SetDefault("database.enabled", false)
	m.viper.SetDefault("database.host", "localhost")
	m.viper.SetDefault("database.port", 5432)
	m.viper.SetDefault("database.username", "ensemble")
	m.viper.SetDefault("database.database", "ensemble")
	m.viper.SetDefault("database.max_open_conns", 100)
	m.viper.SetDefault("database.max_idle_conns", 10)

	// Redis defaults (usage counters, off unless configured)
	m.viper.SetDefault("redis.enabled", false)
	m.viper.SetDefault("redis.host", "localhost")
	m.viper.SetDefault("redis.port", 6379)
	m.viper.SetDefault("redis.password", "")
	m.viper.SetDefault("redis.database", 0)

	// Auth defaults
	m.viper.SetDefault("auth.jwt_expiration", "24h")

	// Logging defaults
	m.viper.SetDefault("logging.level", "info")
	m.viper.SetDefault("logging.format", "json")
	m.viper.SetDefault("logging.output", "stdout")

	// Security defaults
	m.viper.SetDefault("security.allow_decrypt", true)
	m.viper.SetDefault("security.encryption_key_env", "ENSEMBLE_ENCRYPTION_KEY")

	// Ensemble fan-out defaults
	m.viper.SetDefault("ensemble.performance.min_providers_required", 2)
	m.viper.SetDefault("ensemble.performance.max_provider_timeout", "45s")
	m.viper.SetDefault("ensemble.performance.max_total_timeout", "90s")
	m.viper.SetDefault("ensemble.performance.consensus_threshold", 0.6)
	m.viper.SetDefault("ensemble.performance.confidence_weighting.agreement", 0.5)
	m.viper.SetDefault("ensemble.performance.confidence_weighting.completeness", 0.3)
	m.viper.SetDefault("ensemble.performance.confidence_weighting.consistency", 0.2)
	m.viper.SetDefault("ensemble.performance.component_clustering_threshold", 0.7)
	m.viper.SetDefault("ensemble.performance.on_insufficient", types.OnInsufficientProceed)

	// Health monitoring defaults
	m.viper.SetDefault("ensemble.monitoring.health_check_interval", "5m")
	m.viper.SetDefault("ensemble.monitoring.degraded_threshold", 0.8)
	m.viper.SetDefault("ensemble.monitoring.unhealthy_threshold", 0.5)
	m.viper.SetDefault("ensemble.monitoring.history_size", 100)
	m.viper.SetDefault("ensemble.monitoring.probe_timeout", "10s")
	m.viper.SetDefault("ensemble.monitoring.alerting.sla_violation_threshold", "5s")
	m.viper.SetDefault("ensemble.monitoring.alerting.failure_rate_threshold", 0.5)
}

// Get returns the current configuration
func (m *Manager) Get() *types.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Watch starts watching for configuration changes. A reload that fails
// validation is discarded and the previous configuration stays active.
func (m *Manager) Watch(callback func(*types.Config)) error {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		config := &types.Config{}
		if err := m.viper.Unmarshal(config); err != nil {
			return
		}
		if err := validate(config); err != nil {
			return
		}

		m.mu.Lock()
		m.config = config
		m.mu.Unlock()

		if callback != nil {
			callback(config)
		}
	})
	return nil
}

// validate checks the full configuration before it becomes active
func validate(config *types.Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Enabled && config.Database.Host == "" {
		return fmt.Errorf("database host is required when database is enabled")
	}
	if config.Redis.Enabled && config.Redis.Host == "" {
		return fmt.Errorf("redis host is required when redis is enabled")
	}

	if err := config.Ensemble.Performance.Validate(); err != nil {
		return err
	}
	if err := config.Ensemble.Monitoring.Validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(config.Providers))
	for i := range config.Providers {
		p := &config.Providers[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}

// GetString returns a string configuration value
func (m *Manager) GetString(key string) string {
	return m.viper.GetString(key)
}

// GetInt returns an integer configuration value
func (m *Manager) GetInt(key string) int {
	return m.viper.GetInt(key)
}

// GetBool returns a boolean configuration value
func (m *Manager) GetBool(key string) bool {
	return m.viper.GetBool(key)
}

// GetDuration returns a duration configuration value
func (m *Manager) GetDuration(key string) time.Duration {
	return m.viper.GetDuration(key)
}
