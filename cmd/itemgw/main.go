// Package main is the entry point for the item gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmarkov/itemgw/internal/auth"
	"github.com/dmarkov/itemgw/internal/backend"
	"github.com/dmarkov/itemgw/internal/circuitbreaker"
	"github.com/dmarkov/itemgw/internal/config"
	"github.com/dmarkov/itemgw/internal/gateway"
	"github.com/dmarkov/itemgw/internal/health"
	"github.com/dmarkov/itemgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 15 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(flags.configPath, logger)

	run(cfg, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("ITEMGW_CONFIG_PATH", "configs/itemgw.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("ITEMGW_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("ITEMGW_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("itemgw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadConfig loads and validates the configuration.
func loadConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting itemgw",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	path, err := config.ResolveConfigPath(configPath)
	if err != nil {
		logger.Fatal("failed to locate configuration", observability.Error(err))
	}

	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	return cfg
}

// buildKeySource assembles the signing key sources from configuration.
func buildKeySource(ctx context.Context, cfg *config.Config, logger observability.Logger) (auth.KeySource, func()) {
	var sources auth.CompositeKeySource
	var cleanups []func()

	if cfg.Auth.JWKSURL != "" {
		cache := auth.NewJWKSCache(
			cfg.Auth.JWKSURL,
			cfg.Auth.RefreshInterval.Duration(),
			auth.WithJWKSLogger(logger),
		)
		cache.StartAutoRefresh(ctx, cfg.Auth.RefreshInterval.Duration())
		sources = append(sources, cache)
		cleanups = append(cleanups, cache.Stop)
	}

	if cfg.Auth.JWKSFile != "" {
		fileSource, err := auth.NewFileKeySource(cfg.Auth.JWKSFile, logger)
		if err != nil {
			logger.Fatal("failed to load signing key file", observability.Error(err))
		}
		sources = append(sources, fileSource)
		cleanups = append(cleanups, func() { _ = fileSource.Close() })
	}

	if cfg.Auth.HMACSecret != "" {
		sources = append(sources, auth.StaticSecret(cfg.Auth.HMACSecret))
	}

	cleanup := func() {
		for _, fn := range cleanups {
			fn()
		}
	}

	return sources, cleanup
}

// run wires the components together and serves until a shutdown signal.
func run(cfg *config.Config, logger observability.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("itemgw")

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Observability.Tracing.ServiceName,
		OTLPEndpoint: cfg.Observability.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Observability.Tracing.SamplingRate,
		Enabled:      cfg.Observability.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}

	keySource, keyCleanup := buildKeySource(ctx, cfg, logger)
	defer keyCleanup()

	validator, err := auth.NewValidator(auth.ValidatorConfig{
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Algorithms: cfg.Auth.Algorithms,
		ClockSkew:  cfg.Auth.ClockSkew.Duration(),
	}, keySource, auth.WithValidatorLogger(logger))
	if err != nil {
		logger.Fatal("failed to create token validator", observability.Error(err))
	}

	client, err := backend.NewClient(&cfg.Backend, backend.WithClientLogger(logger))
	if err != nil {
		logger.Fatal("failed to create backend client", observability.Error(err))
	}

	breaker := circuitbreaker.New("backend",
		&circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
			Cooldown:         cfg.CircuitBreaker.Cooldown.Duration(),
			IsFailure:        backend.IsBreakerFailure(cfg.CircuitBreaker.CountBackendErrors),
		},
		circuitbreaker.WithLogger(logger),
		circuitbreaker.WithMetrics(circuitbreaker.NewMetrics("itemgw", metrics.Registry())),
	)

	reporter := health.NewReporter(breaker, client,
		health.WithReporterLogger(logger),
		health.WithReporterMetrics(metrics),
		health.WithProbeInterval(cfg.Backend.ProbeInterval.Duration()),
	)

	gw, err := gateway.New(gateway.Options{
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
		Validator: validator,
		Client:    client,
		Breaker:   breaker,
		Reporter:  reporter,
	})
	if err != nil {
		logger.Fatal("failed to create gateway", observability.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", observability.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("gateway failed", observability.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", observability.Error(err))
	}

	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", observability.Error(err))
	}

	logger.Info("itemgw stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
