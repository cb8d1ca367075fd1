package main

import (
	"fmt"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/gateway"
	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// application holds all application components.
type application struct {
	gateway       *gateway.Gateway
	metrics       *observability.Metrics
	metricsServer *gateway.Listener
	tracer        *observability.Tracer
	watcher       *config.Watcher
	config        *config.GatewayConfig
	flags         cliFlags
	logger        observability.Logger
}

// newApplication initializes all application components.
func newApplication(
	cfg *config.GatewayConfig,
	flags cliFlags,
	logger observability.Logger,
) (*application, error) {
	app := &application{config: cfg, flags: flags, logger: logger}

	tracer, err := initTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithTracer(tracer),
	}
	if cfg.Observability.Metrics.Enabled {
		app.metrics = observability.NewMetrics("svcgw")
		app.metrics.SetBuildInfo(version, gitCommit, buildTime)
		opts = append(opts, gateway.WithMetrics(app.metrics))
	}

	gw, err := gateway.New(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	app.gateway = gw

	return app, nil
}

// initTracer initializes the tracer. A disabled tracer still continues
// incoming trace context.
func initTracer(cfg *config.GatewayConfig) (*observability.Tracer, error) {
	tracing := cfg.Observability.Tracing
	return observability.NewTracer(observability.TracerConfig{
		ServiceName:  "svcgw",
		OTLPEndpoint: tracing.OTLPEndpoint,
		SamplingRate: tracing.SamplingRate,
		Enabled:      tracing.Enabled,
	})
}

// reload applies a configuration delivered by the file watcher.
func (a *application) reload(cfg *config.GatewayConfig) {
	if err := a.gateway.Reload(cfg); err != nil {
		a.logger.Error("failed to apply configuration", observability.Error(err))
		return
	}

	if a.flags.logLevel == "" {
		if err := observability.SetLevel(a.logger, cfg.Observability.Logging.Level); err != nil {
			a.logger.Warn("ignoring log level from configuration", observability.Error(err))
		}
	}
}
