// Package health implements scheduled and passive provider health monitoring
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Status derivation looks at the most recent entries only
const recentWindow = 10

// providerRecord holds the schedule and history of one provider.
// Owned exclusively by the monitor; mutations are serialized by the
// monitor's mutex since probes and passive call outcomes can race.
type providerRecord struct {
	provider            types.Provider
	interval            time.Duration
	nextCheck           time.Time
	history             []types.HealthCheckEntry
	consecutiveFailures int
	lastCheck           time.Time
	state               types.HealthState
}

// Monitor runs one schedule entry per provider with independent check
// intervals, driven by a single short scheduler tick. Checks run
// concurrently; a failing check never blocks others.
type Monitor struct {
	settings types.MonitoringSettings
	records  map[string]*providerRecord
	clock    Clock
	logger   *utils.Logger

	running bool
	stopCh  chan struct{}
	mu      sync.RWMutex
}

// NewMonitor creates a health monitor.
// Settings are validated; the unhealthy threshold must sit strictly
// below the degraded threshold.
func NewMonitor(settings types.MonitoringSettings, clock Clock, logger *utils.Logger) (*Monitor, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitoring settings: %w", err)
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &Monitor{
		settings: settings,
		records:  make(map[string]*providerRecord),
		clock:    clock,
		logger:   logger,
	}, nil
}

// AddProvider registers a provider for scheduled checking.
// A non-positive interval falls back to the global default.
func (m *Monitor) AddProvider(provider types.Provider, interval time.Duration) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	if interval <= 0 {
		interval = m.settings.HealthCheckInterval
	}

	name := provider.GetName()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[name]; exists {
		return fmt.Errorf("provider %s already monitored", name)
	}

	m.records[name] = &providerRecord{
		provider:  provider,
		interval:  interval,
		nextCheck: m.clock.Now(), // due immediately
		state:     types.HealthUnknown,
	}

	m.logger.WithProvider(name).WithField("interval", interval.String()).Info("Provider added to health monitor")
	return nil
}

// UpdateProvider swaps the monitored adapter of an existing provider,
// keeping its history. Used when a provider's configuration changes at
// runtime: subsequent checks must probe the rebuilt adapter, not the
// one captured at registration. The next check is due immediately.
func (m *Monitor) UpdateProvider(provider types.Provider, interval time.Duration) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	if interval <= 0 {
		interval = m.settings.HealthCheckInterval
	}

	name := provider.GetName()

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[name]
	if !exists {
		return fmt.Errorf("provider %s not found", name)
	}

	rec.provider = provider
	rec.interval = interval
	rec.nextCheck = m.clock.Now()

	m.logger.WithProvider(name).WithField("interval", interval.String()).Info("Monitored provider updated")
	return nil
}

// RemoveProvider purges a provider's schedule and history entirely
func (m *Monitor) RemoveProvider(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[name]; !exists {
		return fmt.Errorf("provider %s not found", name)
	}
	delete(m.records, name)

	m.logger.WithProvider(name).Info("Provider removed from health monitor")
	return nil
}

// Start launches the scheduler loop.
// The tick cadence is fixed and short; each tick scans all schedules
// and fires any whose next check has elapsed.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("health monitor already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				m.Tick()
			}
		}
	}()

	m.logger.Info("Health monitor started")
	return nil
}

// Stop halts the scheduler loop
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}
	m.running = false
	close(m.stopCh)

	m.logger.Info("Health monitor stopped")
	return nil
}

// Tick runs one scheduler pass: every due provider is checked
// concurrently and independently. Exposed so tests can drive the
// scheduler with a fake clock.
func (m *Monitor) Tick() {
	now := m.clock.Now()

	m.mu.Lock()
	var due []types.Provider
	for _, rec := range m.records {
		if !now.Before(rec.nextCheck) {
			rec.nextCheck = now.Add(rec.interval)
			due = append(due, rec.provider)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, provider := range due {
		wg.Add(1)
		go func(p types.Provider) {
			defer wg.Done()
			m.checkProvider(p)
		}(provider)
	}
	wg.Wait()
}

// CheckProvider performs an immediate check of one provider
func (m *Monitor) CheckProvider(name string) (*types.ProviderHealth, error) {
	m.mu.RLock()
	rec, exists := m.records[name]
	var provider types.Provider
	if exists {
		provider = rec.provider
	}
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}

	m.checkProvider(provider)
	return m.Health(name)
}

// checkProvider probes one provider with a timeout and records the result
func (m *Monitor) checkProvider(provider types.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), m.settings.ProbeTimeout)
	defer cancel()

	start := time.Now()
	err := provider.HealthCheck(ctx)
	elapsed := time.Since(start)

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	m.record(provider.GetName(), err == nil, elapsed, errMsg)
}

// RecordOutcome feeds a live request outcome into the provider's
// passive health history.
func (m *Monitor) RecordOutcome(name string, success bool, latency time.Duration, errMsg string) {
	m.record(name, success, latency, errMsg)
}

// record appends an entry, updates counters, and re-derives the state
func (m *Monitor) record(name string, healthy bool, responseTime time.Duration, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[name]
	if !exists {
		// Provider was removed while a check was in flight
		return
	}

	now := m.clock.Now()
	rec.history = append(rec.history, types.HealthCheckEntry{
		Healthy:      healthy,
		ResponseTime: responseTime,
		Timestamp:    now,
		Error:        errMsg,
	})
	if len(rec.history) > m.settings.HistorySize {
		rec.history = rec.history[len(rec.history)-m.settings.HistorySize:]
	}

	if healthy {
		rec.consecutiveFailures = 0
	} else {
		rec.consecutiveFailures++
	}
	rec.lastCheck = now

	prev := rec.state
	rec.state = m.deriveStateLocked(rec)
	if prev != rec.state {
		m.logger.LogStateChange("health_monitor", name, string(prev), string(rec.state))
	}

	if responseTime > m.settings.Alerting.SLAViolationThreshold && m.settings.Alerting.SLAViolationThreshold > 0 {
		m.logger.WithProvider(name).
			WithField("duration_ms", responseTime.Milliseconds()).
			Warn("Health check exceeded SLA threshold")
	}

	if threshold := m.settings.Alerting.FailureRateThreshold; threshold > 0 {
		if ratio, n := m.recentRatioLocked(rec); n > 0 && 1-ratio >= threshold {
			m.logger.WithProvider(name).
				WithField("failure_rate", 1-ratio).
				WithField("threshold", threshold).
				Warn("Recent failure rate crossed alert threshold")
		}
	}
}

// recentRatioLocked returns the healthy fraction of the most recent
// history entries and how many entries it covers.
func (m *Monitor) recentRatioLocked(rec *providerRecord) (float64, int) {
	n := len(rec.history)
	if n == 0 {
		return 0, 0
	}
	if n > recentWindow {
		n = recentWindow
	}

	recent := rec.history[len(rec.history)-n:]
	healthy := 0
	for _, entry := range recent {
		if entry.Healthy {
			healthy++
		}
	}
	return float64(healthy) / float64(n), n
}

// deriveStateLocked recomputes status from the most recent history
// entries; it is never stored stale beyond one check cycle.
func (m *Monitor) deriveStateLocked(rec *providerRecord) types.HealthState {
	ratio, n := m.recentRatioLocked(rec)
	if n == 0 {
		return types.HealthUnknown
	}

	switch {
	case ratio >= m.settings.DegradedThreshold:
		return types.HealthHealthy
	case ratio >= m.settings.UnhealthyThreshold:
		return types.HealthDegraded
	default:
		return types.HealthUnhealthy
	}
}

// State returns the derived state of one provider
func (m *Monitor) State(name string) types.HealthState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[name]
	if !exists {
		return types.HealthUnknown
	}
	return rec.state
}

// Health returns the full health record of one provider
func (m *Monitor) Health(name string) (*types.ProviderHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.records[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return m.healthLocked(name, rec), nil
}

func (m *Monitor) healthLocked(name string, rec *providerRecord) *types.ProviderHealth {
	history := make([]types.HealthCheckEntry, len(rec.history))
	copy(history, rec.history)

	return &types.ProviderHealth{
		Provider:            name,
		State:               rec.state,
		ConsecutiveFailures: rec.consecutiveFailures,
		LastCheck:           rec.lastCheck,
		History:             history,
	}
}

// Summary aggregates the system-wide status: UNHEALTHY if any provider
// is UNHEALTHY, else DEGRADED if any is DEGRADED, else HEALTHY if any is
// HEALTHY, else UNKNOWN.
func (m *Monitor) Summary() *types.HealthSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &types.HealthSummary{
		State:     types.HealthUnknown,
		Providers: make(map[string]*types.ProviderHealth, len(m.records)),
		Checked:   m.clock.Now(),
	}

	for name, rec := range m.records {
		summary.Providers[name] = m.healthLocked(name, rec)
		if rec.state.Worse(summary.State) {
			summary.State = rec.state
		}
	}

	return summary
}
