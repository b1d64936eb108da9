// Package breaker provides a registry of per-provider circuit breakers
package breaker

import (
	"fmt"
	"sync"

	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Factory supplies breaker settings for a provider name
type Factory func(name string) (types.CircuitBreakerSettings, error)

// Manager owns the circuit breakers of all providers, constructing them
// lazily through the supplied factory.
type Manager struct {
	breakers map[string]*CircuitBreaker
	factory  Factory
	logger   *utils.Logger
	mu       sync.RWMutex
}

// NewManager creates a breaker manager
func NewManager(factory Factory, logger *utils.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		factory:  factory,
		logger:   logger,
	}
}

// Get returns the breaker for a provider, creating it on first use
func (m *Manager) Get(name string) (*CircuitBreaker, error) {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the write lock
	if cb, exists := m.breakers[name]; exists {
		return cb, nil
	}

	settings, err := m.factory(name)
	if err != nil {
		return nil, fmt.Errorf("no breaker settings for provider %s: %w", name, err)
	}

	cb, err = New(name, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker for provider %s: %w", name, err)
	}

	cb.OnStateChange(func(provider string, from, to CircuitState) {
		m.logger.LogStateChange("circuit_breaker", provider, from.String(), to.String())
	})

	m.breakers[name] = cb
	return cb, nil
}

// Lookup returns an existing breaker without creating one
func (m *Manager) Lookup(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cb, exists := m.breakers[name]
	return cb, exists
}

// AllMetrics returns a metrics snapshot for every known breaker
func (m *Manager) AllMetrics() map[string]Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metrics := make(map[string]Metrics, len(m.breakers))
	for name, cb := range m.breakers {
		metrics[name] = cb.Metrics()
	}
	return metrics
}

// ResetAll returns every breaker to CLOSED with empty history
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
	m.logger.Info("All circuit breakers reset")
}

// Remove purges a provider's breaker entirely
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.breakers, name)
}
