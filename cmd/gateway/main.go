// Package main is the entry point for the service gateway.
package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/svcgw/internal/config"
	"github.com/vyrodovalexey/svcgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	envFile     string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	if flags.showVersion {
		printVersion(os.Stdout)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flags); err != nil {
		fmt.Fprintf(os.Stderr, "svcgw: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags. Empty log flags defer to the
// configuration file.
func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("svcgw", flag.ContinueOnError)

	var f cliFlags
	fs.StringVar(&f.configPath, "config", cmp.Or(os.Getenv("GATEWAY_CONFIG_PATH"), "configs/gateway.yaml"),
		"Path to configuration file")
	fs.StringVar(&f.envFile, "env-file", cmp.Or(os.Getenv("GATEWAY_ENV_FILE"), ".env"),
		"Optional KEY=VALUE file loaded before the configuration")
	fs.StringVar(&f.logLevel, "log-level", os.Getenv("GATEWAY_LOG_LEVEL"),
		"Log level (debug, info, warn, error); overrides the config file")
	fs.StringVar(&f.logFormat, "log-format", os.Getenv("GATEWAY_LOG_FORMAT"),
		"Log format (json, console); overrides the config file")
	fs.BoolVar(&f.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return cliFlags{}, err
	}
	return f, nil
}

func printVersion(w io.Writer) {
	_, _ = fmt.Fprintf(w, "svcgw version %s\n", version)
	_, _ = fmt.Fprintf(w, "  Build time: %s\n", buildTime)
	_, _ = fmt.Fprintf(w, "  Git commit: %s\n", gitCommit)
}

// run loads the configuration, starts the gateway and blocks until ctx
// is cancelled, then shuts everything down.
func run(ctx context.Context, flags cliFlags) error {
	if flags.envFile != "" {
		if err := config.LoadEnvFiles(flags.envFile); err != nil {
			return err
		}
	}

	path, err := config.ResolveConfigPath(flags.configPath)
	if err != nil {
		return err
	}
	cfg, err := loadAndValidateConfig(path)
	if err != nil {
		return err
	}

	logger, err := initLogger(cfg, flags)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting svcgw",
		observability.String("version", version),
		observability.String("config", path),
		observability.Int("services", len(cfg.Services)),
	)

	app, err := newApplication(cfg, flags, logger)
	if err != nil {
		return err
	}
	if err := app.start(ctx, path); err != nil {
		app.shutdown()
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")
	app.shutdown()
	return nil
}

func loadAndValidateConfig(path string) (*config.GatewayConfig, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger builds the process logger. Command line values win over the
// configuration file.
func initLogger(cfg *config.GatewayConfig, flags cliFlags) (observability.Logger, error) {
	logCfg := observability.DefaultLogConfig()
	logCfg.Level = cmp.Or(flags.logLevel, cfg.Observability.Logging.Level, logCfg.Level)
	logCfg.Format = cmp.Or(flags.logFormat, cfg.Observability.Logging.Format, logCfg.Format)

	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	observability.SetGlobalLogger(logger)
	return logger, nil
}
