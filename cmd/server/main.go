// Ensemble gateway server entry point
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ensemble-gateway/ensemble/internal/breaker"
	"github.com/ensemble-gateway/ensemble/internal/config"
	"github.com/ensemble-gateway/ensemble/internal/ensemble"
	"github.com/ensemble-gateway/ensemble/internal/health"
	"github.com/ensemble-gateway/ensemble/internal/providers"
	"github.com/ensemble-gateway/ensemble/internal/ratelimit"
	"github.com/ensemble-gateway/ensemble/internal/registry"
	"github.com/ensemble-gateway/ensemble/internal/service"
	"github.com/ensemble-gateway/ensemble/internal/storage"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

func main() {
	// Load .env if present; real env vars take precedence
	_ = godotenv.Load()

	configManager := config.NewManager()
	if err := configManager.Load(); err != nil {
		panic("failed to load configuration: " + err.Error())
	}
	cfg := configManager.Get()

	logger := utils.NewLogger(&cfg.Logging)
	logger.Info("Starting ensemble gateway")

	// Provider registry with adapter factory and validated configs
	reg := registry.New(cfg.Security, providers.NewFactory(logger), logger)

	// Per-provider breakers and limiters, settings resolved from the registry
	breakers := breaker.NewManager(func(name string) (types.CircuitBreakerSettings, error) {
		pc, err := reg.Config(name)
		if err != nil {
			return types.CircuitBreakerSettings{}, err
		}
		return pc.CircuitBreaker, nil
	}, logger)

	limiters := ratelimit.NewManager(func(name string) (types.RateLimitSettings, error) {
		pc, err := reg.Config(name)
		if err != nil {
			return types.RateLimitSettings{}, err
		}
		return pc.RateLimit, nil
	}, logger)

	monitor, err := health.NewMonitor(cfg.Ensemble.Monitoring, nil, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create health monitor")
	}

	// Removing a provider purges all of its runtime state
	reg.OnRemove(func(name string) {
		breakers.Remove(name)
		limiters.Remove(name)
		_ = monitor.RemoveProvider(name)
	})

	// Updating a provider drops breaker and limiter state so both
	// rebuild lazily from the new settings, and points the health
	// monitor at the rebuilt adapter.
	reg.OnUpdate(func(name string) {
		breakers.Remove(name)
		limiters.Remove(name)
		provider, err := reg.Get(name)
		if err != nil {
			return
		}
		pc, err := reg.Config(name)
		if err != nil {
			return
		}
		if err := monitor.UpdateProvider(provider, pc.HealthCheckInterval); err != nil {
			_ = monitor.AddProvider(provider, pc.HealthCheckInterval)
		}
	})

	for i := range cfg.Providers {
		pc := cfg.Providers[i]
		if err := reg.Add(&pc); err != nil {
			logger.WithProvider(pc.Name).WithError(err).Fatal("Failed to register provider")
		}
		provider, err := reg.Get(pc.Name)
		if err == nil {
			if err := monitor.AddProvider(provider, pc.HealthCheckInterval); err != nil {
				logger.WithProvider(pc.Name).WithError(err).Warn("Failed to schedule health checks")
			}
		}
	}

	orchestrator, err := ensemble.NewOrchestrator(reg, breakers, limiters, monitor,
		cfg.Ensemble.Performance, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create orchestrator")
	}

	// Optional reporting database
	var db *storage.Database
	if cfg.Database.Enabled {
		db, err = storage.NewDatabase(cfg.Database, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to reporting database")
		}
		orchestrator.SetRecorder(db)
	}

	// Optional usage counter store
	var usage *storage.UsageStore
	if cfg.Redis.Enabled {
		usage, err = storage.NewUsageStore(cfg.Redis, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to usage store")
		}
		orchestrator.SetUsageTracker(usage)
	}

	if err := monitor.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start health monitor")
	}

	// Hot reload: re-sync providers and the default policy on file change
	if err := configManager.Watch(func(updated *types.Config) {
		logger.Info("Configuration changed, re-syncing providers")
		for _, syncErr := range reg.Sync(updated.Providers) {
			logger.WithError(syncErr).Warn("Provider sync rejected")
		}
		for _, name := range reg.Names() {
			if _, err := monitor.Health(name); err != nil {
				if provider, getErr := reg.Get(name); getErr == nil {
					pc, _ := reg.Config(name)
					_ = monitor.AddProvider(provider, pc.HealthCheckInterval)
				}
			}
		}
		if err := orchestrator.SetDefaultPolicy(updated.Ensemble.Performance); err != nil {
			logger.WithError(err).Warn("Rejected updated ensemble policy")
		}
	}); err != nil {
		logger.WithError(err).Warn("Configuration watching unavailable")
	}

	server := service.NewServer(cfg.Server, cfg.Auth, orchestrator, reg, breakers, limiters, monitor, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), service.ShutdownTimeout())
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Forced shutdown")
	}
	_ = monitor.Stop()
	if usage != nil {
		_ = usage.Close()
	}
	if db != nil {
		_ = db.Close()
	}

	logger.Info("Ensemble gateway stopped")
}
