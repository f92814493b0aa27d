package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/clientpilot/clientpilot/config"
)

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger
}

// RunServicesWithShutdown starts all enabled services and blocks until a
// termination signal or the first service failure. Every service shares one
// context; canceling it is the shutdown path.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return errors.New("service orchestration config is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if seedErr := SeedBudgets(ctx, cfg.Services, cfg.Config.Budget); seedErr != nil {
		return fmt.Errorf("seed budgets: %w", seedErr)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The workflow engine runs whenever anything can publish into it: the
	// worker's job handlers and the scheduler's sweeps both do.
	g.Go(func() error {
		return cfg.Services.Engine.Run(gctx)
	})

	if enabled[config.ServiceModeWorker] {
		g.Go(func() error {
			return cfg.Services.QueueRunner.Run(gctx)
		})
	}
	if enabled[config.ServiceModeScheduler] {
		g.Go(func() error {
			return cfg.Services.Scheduler.Run(gctx)
		})
	}
	if enabled[config.ServiceModeReaper] {
		g.Go(func() error {
			return cfg.Services.Reaper.Run(gctx)
		})
	}

	logger.InfoContext(ctx, "services started", "enabled", GetEnabledServices(cfg.Config))

	waitErr := g.Wait()

	if cfg.Services.MetricsSink != nil {
		if closeErr := cfg.Services.MetricsSink.Close(); closeErr != nil {
			logger.ErrorContext(ctx, "close metrics sink failed", "error", closeErr)
		}
	}

	if waitErr == nil || errors.Is(waitErr, context.Canceled) {
		logger.Info("shutdown complete")
		return nil
	}
	return waitErr
}
