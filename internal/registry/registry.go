// Package registry manages the validated set of provider configurations
// and their adapter instances.
package registry

import (
	"fmt"
	"os"
	"sort"
	"sync"

	gwerrors "github.com/ensemble-gateway/ensemble/pkg/errors"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// AdapterFactory builds a provider adapter from a validated configuration
type AdapterFactory func(cfg *types.ProviderConfig) (types.Provider, error)

// Registry owns provider configurations and adapters. Configurations
// are immutable once validated; every mutation re-validates a fresh
// copy. API keys are decrypted into memory only when the security flag
// allows, and are re-encrypted on export.
type Registry struct {
	providers map[string]types.Provider
	configs   map[string]*types.ProviderConfig

	factory    AdapterFactory
	security   types.SecurityConfig
	passphrase string
	logger     *utils.Logger

	removeHooks []func(name string)
	updateHooks []func(name string)
	mu          sync.RWMutex
}

// New creates a provider registry. The encryption passphrase is read
// from the environment variable named in the security configuration.
func New(security types.SecurityConfig, factory AdapterFactory, logger *utils.Logger) *Registry {
	passphrase := ""
	if security.EncryptionKeyEnvVar != "" {
		passphrase = os.Getenv(security.EncryptionKeyEnvVar)
	}

	return &Registry{
		providers:  make(map[string]types.Provider),
		configs:    make(map[string]*types.ProviderConfig),
		factory:    factory,
		security:   security,
		passphrase: passphrase,
		logger:     logger,
	}
}

// OnRemove registers a hook fired after a provider is removed, used to
// purge breaker, health, and rate-limit state.
func (r *Registry) OnRemove(hook func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeHooks = append(r.removeHooks, hook)
}

// OnUpdate registers a hook fired after a provider's configuration is
// replaced, so breaker and limiter state rebuilds from the new settings
// and the health monitor swaps to the rebuilt adapter.
func (r *Registry) OnUpdate(hook func(name string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateHooks = append(r.updateHooks, hook)
}

// Add validates and registers a new provider
func (r *Registry) Add(cfg *types.ProviderConfig) error {
	if cfg == nil {
		return gwerrors.New(gwerrors.ErrConfigurationError, "provider config cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.configs[cfg.Name]; exists {
		return gwerrors.New(gwerrors.ErrConfigurationError,
			fmt.Sprintf("provider %s already registered", cfg.Name))
	}

	return r.storeLocked(cfg)
}

// Update replaces an existing provider's configuration, re-validating
// and rebuilding its adapter, then fires the update hooks so dependent
// runtime state (breaker, limiter, health schedule) follows the change.
func (r *Registry) Update(cfg *types.ProviderConfig) error {
	if cfg == nil {
		return gwerrors.New(gwerrors.ErrConfigurationError, "provider config cannot be nil")
	}

	r.mu.Lock()
	if _, exists := r.configs[cfg.Name]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("provider %s not found", cfg.Name)
	}

	if err := r.storeLocked(cfg); err != nil {
		r.mu.Unlock()
		return err
	}
	hooks := append([]func(string){}, r.updateHooks...)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(cfg.Name)
	}
	return nil
}

// storeLocked validates, resolves secrets, builds the adapter, and stores
func (r *Registry) storeLocked(cfg *types.ProviderConfig) error {
	clone := cfg.Clone()

	if err := clone.Validate(); err != nil {
		return gwerrors.NewWithDetails(gwerrors.ErrConfigurationError,
			"provider configuration rejected", err.Error())
	}

	if err := r.resolveSecretLocked(clone); err != nil {
		return err
	}

	provider, err := r.factory(clone)
	if err != nil {
		return gwerrors.NewWithDetails(gwerrors.ErrConfigurationError,
			fmt.Sprintf("failed to build adapter for provider %s", clone.Name), err.Error())
	}
	if err := provider.ValidateConfiguration(); err != nil {
		return gwerrors.NewWithDetails(gwerrors.ErrConfigurationError,
			fmt.Sprintf("adapter rejected configuration for provider %s", clone.Name), err.Error())
	}

	r.configs[clone.Name] = clone
	r.providers[clone.Name] = provider

	r.logger.WithProvider(clone.Name).
		WithField("enabled", clone.Enabled).
		WithField("priority", clone.Priority).
		Info("Provider registered")

	return nil
}

// resolveSecretLocked fills the in-memory API key: environment variable
// first, then the stored (possibly encrypted) value. Encrypted values
// are only decrypted when the security flag allows.
func (r *Registry) resolveSecretLocked(cfg *types.ProviderConfig) error {
	if cfg.APIKeyEnvVar != "" {
		if key := os.Getenv(cfg.APIKeyEnvVar); key != "" {
			cfg.APIKey = key
			return nil
		}
	}

	if utils.IsEncrypted(cfg.APIKey) {
		if !r.security.AllowDecrypt {
			return gwerrors.New(gwerrors.ErrConfigurationError,
				fmt.Sprintf("provider %s has an encrypted API key but decryption is disabled", cfg.Name))
		}
		key, err := utils.DecryptSecret(cfg.APIKey, r.passphrase)
		if err != nil {
			return gwerrors.NewWithDetails(gwerrors.ErrConfigurationError,
				fmt.Sprintf("failed to decrypt API key for provider %s", cfg.Name), err.Error())
		}
		cfg.APIKey = key
	}

	if cfg.APIKey == "" {
		return gwerrors.New(gwerrors.ErrConfigurationError,
			fmt.Sprintf("no API key available for provider %s", cfg.Name))
	}

	return nil
}

// Remove deletes a provider and fires the purge hooks
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	if _, exists := r.configs[name]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("provider %s not found", name)
	}

	delete(r.configs, name)
	delete(r.providers, name)
	hooks := append([]func(string){}, r.removeHooks...)
	r.mu.Unlock()

	for _, hook := range hooks {
		hook(name)
	}

	r.logger.WithProvider(name).Info("Provider removed")
	return nil
}

// Get returns a provider adapter by name
func (r *Registry) Get(name string) (types.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return provider, nil
}

// Config returns the validated configuration of a provider
func (r *Registry) Config(name string) (*types.ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, exists := r.configs[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return cfg.Clone(), nil
}

// EnabledByPriority returns enabled providers sorted by descending
// priority (higher dispatched first).
func (r *Registry) EnabledByPriority() []types.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		provider types.Provider
		priority int
	}
	var entries []entry
	for name, cfg := range r.configs {
		if !cfg.Enabled {
			continue
		}
		if p, ok := r.providers[name]; ok {
			entries = append(entries, entry{provider: p, priority: cfg.Priority})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].priority > entries[j].priority
	})

	providers := make([]types.Provider, len(entries))
	for i, e := range entries {
		providers[i] = e.provider
	}
	return providers
}

// Names returns all registered provider names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExportConfig returns a provider configuration safe for persistence:
// the API key is re-encrypted when a passphrase is configured, and
// never exported in plaintext.
func (r *Registry) ExportConfig(name string) (*types.ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, exists := r.configs[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}

	out := cfg.Clone()
	if out.APIKey != "" && !utils.IsEncrypted(out.APIKey) {
		if r.passphrase == "" {
			out.APIKey = ""
		} else {
			enc, err := utils.EncryptSecret(out.APIKey, r.passphrase)
			if err != nil {
				return nil, fmt.Errorf("failed to re-encrypt API key for provider %s: %w", name, err)
			}
			out.APIKey = enc
		}
	}
	return out, nil
}

// Sync replaces the registry's provider set with the given
// configurations, used on configuration hot reload. Providers missing
// from the new set are removed (with purge hooks); existing ones are
// updated; new ones are added. Invalid entries are rejected
// individually without aborting the rest.
func (r *Registry) Sync(configs []types.ProviderConfig) []error {
	incoming := make(map[string]bool, len(configs))
	var errs []error

	for i := range configs {
		cfg := configs[i]
		incoming[cfg.Name] = true

		r.mu.RLock()
		_, exists := r.configs[cfg.Name]
		r.mu.RUnlock()

		var err error
		if exists {
			err = r.Update(&cfg)
		} else {
			err = r.Add(&cfg)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", cfg.Name, err))
		}
	}

	for _, name := range r.Names() {
		if !incoming[name] {
			if err := r.Remove(name); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errs
}
