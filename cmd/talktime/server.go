package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/talktime/internal/agent"
	"github.com/goodtune/talktime/internal/api"
	"github.com/goodtune/talktime/internal/calls"
	"github.com/goodtune/talktime/internal/config"
	"github.com/goodtune/talktime/internal/meter"
	"github.com/goodtune/talktime/internal/metrics"
	"github.com/goodtune/talktime/internal/policy"
	"github.com/goodtune/talktime/internal/storage"
	"github.com/goodtune/talktime/internal/storage/memory"
	"github.com/goodtune/talktime/internal/storage/postgres"
	"github.com/goodtune/talktime/internal/storage/redis"
	"github.com/goodtune/talktime/internal/systemd"
	"github.com/goodtune/talktime/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start talktime server",
	Long:  `Start the talktime API server, call meters, and metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting talktime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	// Initialize Usage Store
	usageStore := usage.NewStore(store.Usage(), usage.Config{
		FreeLimitSeconds: cfg.Usage.FreeLimitSeconds,
		AtomicUpdates:    cfg.Usage.AtomicUpdates,
		Timeout:          parseDuration(cfg.Usage.StoreTimeout, usage.DefaultStoreTimeout),
	}, logger)

	logger.Info().
		Int64("free_limit_seconds", cfg.Usage.FreeLimitSeconds).
		Bool("atomic_updates", cfg.Usage.AtomicUpdates).
		Msg("Usage Store initialized")

	// Initialize agent client
	var agents agent.Ender = agent.Nop{}
	if cfg.Agent.BaseURL != "" {
		client, err := agent.NewHTTPClient(agent.Config{
			BaseURL: cfg.Agent.BaseURL,
			APIKey:  cfg.Agent.APIKey,
			Timeout: parseDuration(cfg.Agent.Timeout, agent.DefaultTimeout),
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize agent client: %w", err)
		}
		agents = client
	} else {
		logger.Warn().Msg("No agent endpoint configured, exhausted calls will not be hung up remotely")
	}

	// Initialize admission policy
	policyEngine, err := policy.NewEngine(cfg.Policy.Dir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize admission policy: %w", err)
	}

	// Initialize call manager
	manager, err := calls.NewManager(usageStore, agents, policyEngine, calls.Config{
		Meter: meter.Config{
			TickInterval: parseDuration(cfg.Meter.TickInterval, meter.DefaultTickInterval),
			FlushEvery:   cfg.Meter.FlushEveryTicks,
			FlushSeconds: cfg.Meter.FlushSeconds,
			FlushTimeout: parseDuration(cfg.Meter.FlushTimeout, meter.DefaultFlushTimeout),
		},
		MaxConcurrentCalls: cfg.Policy.MaxConcurrentCalls,
		EndedCacheSize:     cfg.Calls.EndedCacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize call manager: %w", err)
	}

	shutdownTimeout := parseDuration(cfg.Server.ShutdownTimeout, 15*time.Second)

	// Initialize API Server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:      apiAddr,
		ShutdownTimeout: shutdownTimeout,
	}, manager, api.NewTokenVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer), logger)
	if sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}
	if err := apiServer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start API Server")
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start Metrics Server")
		}
	}

	logger.Info().Msg("talktime startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	stopWatchdog := startWatchdog(logger)
	defer stopWatchdog()

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading admission policy...")
		_ = systemd.NotifyReloading()
		if err := policyEngine.Reload(); err != nil {
			logger.Error().Err(err).Msg("Failed to reload admission policy")
		}
		_ = systemd.NotifyReady()
	}
	signal.Stop(sigChan)

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	// End active calls so their unflushed seconds are charged
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Timed out draining active calls")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("talktime stopped")

	return nil
}

// startWatchdog pings the systemd watchdog until the returned func is called.
func startWatchdog(logger zerolog.Logger) func() {
	interval := systemd.WatchdogInterval()
	if interval <= 0 {
		return func() {}
	}

	logger.Debug().Dur("interval", interval).Msg("Starting systemd watchdog")

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := systemd.NotifyWatchdog(); err != nil {
					logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
				}
			}
		}
	}()
	return func() { close(done) }
}

func openStorage(cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	case "postgres":
		if cfg.Postgres.AutoMigrate {
			err := postgres.Migrate(cfg.Postgres.DSN, "up")
			if err != nil && !errors.Is(err, postgres.ErrNoChange) {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
			logger.Info().Msg("Database migrations applied")
		}
		return postgres.Open(cfg.Postgres)
	case "memory":
		logger.Warn().Msg("Using in-memory storage, balances will be lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
