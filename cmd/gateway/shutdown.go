package main

import (
	"context"
	"fmt"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// start brings up the gateway, the metrics listener and the config
// watcher. A watcher failure only disables hot reload.
func (a *application) start(ctx context.Context, configPath string) error {
	if err := a.gateway.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	if a.metrics != nil {
		obs := a.config.Observability.Metrics
		a.metricsServer = newMetricsServer(obs.Listen, obs.Path, a.metrics, a.logger)
		if err := a.metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	watcher, err := config.NewWatcher(configPath, a.reload, config.WithWatcherLogger(a.logger))
	if err != nil {
		a.logger.Warn("config hot reload disabled", observability.Error(err))
		return nil
	}
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config hot reload disabled", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	a.watcher = watcher

	a.logger.Info("gateway started",
		observability.String("address", a.gateway.Addr()),
	)
	return nil
}

// shutdown stops every component within the configured shutdown timeout.
func (a *application) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Gateway.ShutdownTimeout.Duration())
	defer cancel()

	if a.watcher != nil {
		_ = a.watcher.Stop()
	}

	if a.metricsServer != nil && a.metricsServer.IsRunning() {
		if err := a.metricsServer.Stop(ctx); err != nil {
			a.logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	if a.gateway.IsRunning() {
		if err := a.gateway.Stop(ctx); err != nil {
			a.logger.Error("failed to stop gateway gracefully", observability.Error(err))
		}
	}

	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	a.logger.Info("gateway stopped")
}
