// Package ratelimit provides a registry of per-provider limiters
package ratelimit

import (
	"fmt"
	"sync"

	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Factory supplies rate limit settings for a provider name
type Factory func(name string) (types.RateLimitSettings, error)

// Manager owns the limiters of all providers, constructing them lazily
type Manager struct {
	limiters map[string]*Limiter
	factory  Factory
	logger   *utils.Logger
	mu       sync.RWMutex
}

// NewManager creates a limiter manager
func NewManager(factory Factory, logger *utils.Logger) *Manager {
	return &Manager{
		limiters: make(map[string]*Limiter),
		factory:  factory,
		logger:   logger,
	}
}

// Get returns the limiter for a provider, creating it on first use
func (m *Manager) Get(name string) (*Limiter, error) {
	m.mu.RLock()
	l, exists := m.limiters[name]
	m.mu.RUnlock()
	if exists {
		return l, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, exists := m.limiters[name]; exists {
		return l, nil
	}

	settings, err := m.factory(name)
	if err != nil {
		return nil, fmt.Errorf("no rate limit settings for provider %s: %w", name, err)
	}

	l, err = NewLimiter(name, settings, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter for provider %s: %w", name, err)
	}

	m.limiters[name] = l
	return l, nil
}

// Lookup returns an existing limiter without creating one
func (m *Manager) Lookup(name string) (*Limiter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, exists := m.limiters[name]
	return l, exists
}

// AllInfo reports the budget of every known limiter
func (m *Manager) AllInfo() map[string]*types.RateLimitInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := make(map[string]*types.RateLimitInfo, len(m.limiters))
	for name, l := range m.limiters {
		info[name] = l.Info()
	}
	return info
}

// Remove purges a provider's limiter entirely
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.limiters, name)
}
