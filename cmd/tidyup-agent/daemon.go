package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MacJediWizard/tidyup/internal/agent"
	"github.com/MacJediWizard/tidyup/internal/api/local"
	"github.com/MacJediWizard/tidyup/internal/config"
	"github.com/MacJediWizard/tidyup/internal/health"
	"github.com/MacJediWizard/tidyup/internal/metrics"
	"github.com/MacJediWizard/tidyup/internal/models"
	"github.com/MacJediWizard/tidyup/internal/runstore"
	"github.com/MacJediWizard/tidyup/internal/vault"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newStartCmd() *cobra.Command {
	var (
		verbose   bool
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the agent daemon",
		Long: `Start the tidyup agent as a long-running daemon process.

The daemon will:
  - Serve the local API on the loopback interface
  - Poll the control plane for cleanup jobs and queued commands once paired
  - Enqueue scheduled cleanup runs when a schedule is configured`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if logFormat != "json" && logFormat != "console" {
				return fmt.Errorf("invalid --log-format %q: must be json or console", logFormat)
			}
			return runDaemon(cfg, path, verbose, logFormat)
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	cmd.Flags().StringVar(&logFormat, "log-format", "console", "Log output format: json or console")

	return cmd
}

func runDaemon(cfg *config.AgentConfig, cfgPath string, verbose bool, logFormat string) error {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	var out io.Writer = os.Stdout
	if logFormat == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("version", Version).
		Logger()

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("get home directory: %w", err)
	}

	secrets, err := openVault(cfg, logger)
	if err != nil {
		return err
	}
	envToken := config.ServiceTokenFromEnv()
	if envToken != "" {
		if err := secrets.Set(vault.KeyServiceToken, envToken); err != nil {
			return fmt.Errorf("store service token: %w", err)
		}
	}

	store, err := runstore.Open(cfg.DBPath, home, logger)
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer store.Close()

	if cfg.SeedDownloads {
		seedDownloads(store, home, logger)
	}

	promRegistry := prometheus.NewRegistry()
	m, err := metrics.NewPrometheusMetrics(promRegistry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	client := agent.NewClient(cfg.ControlURL, secrets)
	collector := health.NewCollector(home)
	pipeline := agent.NewPipeline(store, m, m, logger)
	if n, err := pipeline.RecoverInterrupted(context.Background()); err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	} else if n > 0 {
		logger.Warn().Int("runs", n).Msg("recovered runs interrupted during execution")
	}
	syncAgent := agent.NewSyncAgent(client, pipeline, store, secrets, collector, agent.SyncOptions{
		AgentVersion: Version,
		LocalUIPort:  cfg.LocalPort,
	}, logger)
	syncAgent.SetRecorder(m)

	var scheduler *agent.Scheduler
	if cfg.Schedule != "" {
		scheduler = agent.NewScheduler(cfg.Schedule, client, store, secrets, logger)
	}
	rt := agent.NewRuntimeController(syncAgent, scheduler, cfg.RuntimeStopTimeout, logger)
	rt.SetRecorder(m)

	shutdownRequested := make(chan struct{})
	server := local.NewServer(local.Dependencies{
		Store:    store,
		Pipeline: pipeline,
		Client:   client,
		Runtime:  rt,
		Secrets:  secrets,
	}, local.Options{
		DaemonVersion:       Version,
		DeviceLabel:         cfg.DeviceLabel,
		DefaultControlURL:   cfg.ControlURL,
		ServiceTokenFromEnv: envToken != "",
		SaveControlURL: func(controlURL string) error {
			cfg.ControlURL = controlURL
			return cfg.Save(cfgPath)
		},
		Shutdown:    func() { close(shutdownRequested) },
		Host:        collector,
		HostMetrics: collector,
		Metrics:     m.Handler(),
	}, logger)

	srv := &http.Server{
		Addr:              cfg.LocalAddr(),
		Handler:           local.NewRouter(server, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("local API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	fmt.Printf("tidyup agent %s starting...\n", Version)
	fmt.Printf("Local API: http://%s\n", cfg.LocalAddr())
	if cfg.HasControlPlane() {
		fmt.Printf("Control plane: %s\n", cfg.ControlURL)
	} else {
		fmt.Println("Control plane: not configured")
	}

	if vault.Lookup(secrets, vault.KeyDeviceToken) != "" {
		rt.Start()
		fmt.Println("Runtime: connected")
	} else {
		fmt.Println("Runtime: waiting for pairing")
	}
	fmt.Println("Agent daemon running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RuntimeStopTimeout+5*time.Second)
		rt.Stop(ctx, agent.StopReasonSignal)
		cancel()
	case <-shutdownRequested:
		logger.Info().Msg("shutdown requested through the local API")
	case runErr = <-serveErr:
		logger.Error().Err(runErr).Msg("local API server error")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RuntimeStopTimeout+5*time.Second)
		rt.Stop(ctx, agent.StopReasonSignal)
		cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("local API shutdown error")
	}

	logger.Info().Msg("agent stopped")
	return runErr
}

// openVault opens the encrypted credentials file, or keeps credentials in
// memory when no passphrase is configured.
func openVault(cfg *config.AgentConfig, logger zerolog.Logger) (vault.SecretVault, error) {
	passphrase := config.VaultPassphrase()
	if passphrase == "" || cfg.VaultPath == "" {
		logger.Warn().Msg(config.EnvVaultPassphrase + " is not set, credentials are kept in memory and pairing is lost on restart")
		return vault.NewMemoryVault(), nil
	}
	v, err := vault.NewFileVault(cfg.VaultPath, passphrase)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return v, nil
}

// seedDownloads watches ~/Downloads when no watched path exists yet.
func seedDownloads(store *runstore.Store, home string, logger zerolog.Logger) {
	ctx := context.Background()
	paths, err := store.ListWatchedPaths(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to list watched paths")
		return
	}
	if len(paths) > 0 {
		return
	}

	downloads := filepath.Join(home, "Downloads")
	if info, err := os.Stat(downloads); err != nil || !info.IsDir() {
		return
	}
	if err := store.CreateWatchedPath(ctx, models.NewWatchedPath(downloads, models.PathKindDownloads)); err != nil {
		logger.Warn().Err(err).Msg("failed to seed downloads watched path")
		return
	}
	logger.Info().Str("path", downloads).Msg("watching downloads folder")
}
