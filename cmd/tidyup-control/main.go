// Package main is the entrypoint for the tidyup control plane.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MacJediWizard/tidyup/internal/activity"
	"github.com/MacJediWizard/tidyup/internal/api"
	"github.com/MacJediWizard/tidyup/internal/api/handlers"
	"github.com/MacJediWizard/tidyup/internal/config"
	"github.com/MacJediWizard/tidyup/internal/db"
	"github.com/MacJediWizard/tidyup/internal/metrics"
	"github.com/MacJediWizard/tidyup/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.LoadControlConfig()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("version", Version).Logger()
	if cfg.Environment != config.EnvProduction {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	logger.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("build_date", BuildDate).
		Str("environment", string(cfg.Environment)).
		Msg("Starting tidyup control plane")

	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid configuration")
		return 1
	}
	if cfg.ServiceAuthDisabled() {
		logger.Warn().Msg("SERVICE_TOKEN is not set, service endpoints are open")
	}

	var (
		repo     registry.Repository
		dbHealth handlers.DatabaseHealthChecker
	)
	if cfg.DatabaseURL != "" {
		database, err := db.New(ctx, db.DefaultConfig(cfg.DatabaseURL), logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to connect to database")
			return 1
		}
		defer database.Close()

		if err := database.Migrate(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to run database migrations")
			return 1
		}
		repo = database
		dbHealth = database
	} else {
		logger.Warn().Msg("DATABASE_URL is not set, registry state is kept in memory")
		repo = registry.NewMemoryRepository()
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.NewPrometheusMetrics(promRegistry)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to register metrics")
		return 1
	}

	feed := activity.NewFeed(activity.DefaultConfig(), logger)
	feed.Start()
	defer feed.Stop()

	svc := registry.NewService(repo, registry.Options{
		PollAfter:          cfg.PollAfter,
		PairingTTL:         cfg.PairingTTL,
		AutoApprovePairing: cfg.AutoApprovePairing,
	}, logger)
	svc.SetPublisher(feed)
	svc.SetRecorder(m)

	routerCfg := api.DefaultConfig()
	routerCfg.ServiceToken = cfg.ServiceToken
	routerCfg.AllowAnonymousService = cfg.ServiceAuthDisabled()
	routerCfg.RateLimitRequests = cfg.RateLimitRequests
	routerCfg.RateLimitPeriod = cfg.RateLimitPeriod

	router, err := api.NewRouter(routerCfg, api.Dependencies{
		Registry: svc,
		Events:   feed,
		Metrics:  m.Handler(),
		DB:       dbHealth,
	}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize router")
		return 1
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.Engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down control plane")
	case err := <-serveErr:
		logger.Error().Err(err).Msg("HTTP server error")
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
		return 1
	}

	logger.Info().Msg("Control plane stopped gracefully")
	return 0
}
