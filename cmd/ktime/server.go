package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/ktime/internal/acme"
	"github.com/goodtune/ktime/internal/api"
	"github.com/goodtune/ktime/internal/approval"
	"github.com/goodtune/ktime/internal/auth"
	"github.com/goodtune/ktime/internal/broadcast"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/devices"
	"github.com/goodtune/ktime/internal/keylock"
	"github.com/goodtune/ktime/internal/ledger"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/policy"
	"github.com/goodtune/ktime/internal/policy/opa"
	"github.com/goodtune/ktime/internal/screentime"
	"github.com/goodtune/ktime/internal/session"
	"github.com/goodtune/ktime/internal/storage/redis"
	"github.com/goodtune/ktime/internal/systemd"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start KTime server",
	Long:  `Start the KTime server with the device and parent API, the real-time channel, the session sweeper and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set KTIME_AUTH_JWT_SECRET)")
	}

	instanceID := uuid.NewString()
	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("instance_id", instanceID).
		Msg("Starting KTime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := redis.Open(cfg.Storage.Redis)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("redis_host", cfg.Storage.Redis.Host).
		Int("redis_port", cfg.Storage.Redis.Port).
		Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Real-time fan-out, optionally shared with other instances and Kafka
	broadcaster := broadcast.New(cfg.Broadcast.SendBuffer, logger)
	var bridge *broadcast.RedisBridge
	if cfg.Broadcast.RedisPubSub {
		bridge = broadcast.NewRedisBridge(store.Client(), broadcaster, instanceID, logger)
		broadcaster.AddSink(bridge)
	}
	kafkaSink := broadcast.NewKafkaSink(cfg.Broadcast.Kafka.Brokers, cfg.Broadcast.Kafka.Topic, logger)
	if kafkaSink != nil {
		broadcaster.AddSink(kafkaSink)
		logger.Info().
			Strs("brokers", cfg.Broadcast.Kafka.Brokers).
			Str("topic", cfg.Broadcast.Kafka.Topic).
			Msg("Kafka event sink enabled")
	}

	// Supplementary OPA access policy
	var checker *policy.Checker
	var opaEngine *opa.Engine
	if cfg.Policy.Enabled {
		checker, opaEngine, err = policy.NewFromDir(cfg.Policy.OPAPolicyDir, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize access policy: %w", err)
		}
		logger.Info().Str("dir", cfg.Policy.OPAPolicyDir).Msg("Access policy loaded")
	}

	locks := keylock.New()

	registry := devices.NewRegistry(store.Devices(), devices.Config{
		MaxActive:   cfg.Devices.MaxActive,
		IdleTimeout: config.ParseDuration(cfg.Devices.IdleTimeout, devices.DefaultIdleTimeout),
		PruneAfter:  config.ParseDuration(cfg.Devices.PruneAfter, devices.DefaultPruneAfter),
	}, broadcaster, logger)

	screenTime, err := screentime.New(store.Rules(), locks, broadcaster, screentime.Config{
		DefaultDailyLimitMinutes: cfg.ScreenTime.DefaultDailyLimitMinutes,
		DefaultTimezone:          cfg.ScreenTime.DefaultTimezone,
		CacheSize:                cfg.ScreenTime.RulesCacheSize,
		CacheTTL:                 config.ParseDuration(cfg.ScreenTime.RulesCacheTTL, screentime.DefaultCacheTTL),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize screen-time service: %w", err)
	}

	usageLedger := ledger.New(store.Ledger(), logger)

	coordinator, err := session.NewCoordinator(session.Dependencies{
		Sessions:  store.Sessions(),
		Ledger:    usageLedger,
		Devices:   registry,
		Rules:     screenTime,
		Policy:    checker,
		Publisher: broadcaster,
		Locks:     locks,
	}, session.Config{
		HeartbeatTimeout:   config.ParseDuration(cfg.Sessions.HeartbeatTimeout, session.DefaultHeartbeatTimeout),
		HeartbeatTolerance: config.ParseDuration(cfg.Sessions.HeartbeatTolerance, session.DefaultHeartbeatTolerance),
		RequestTimeout:     config.ParseDuration(cfg.Sessions.RequestTimeout, session.DefaultRequestTimeout),
		IndexCacheSize:     cfg.Sessions.IndexCacheSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize session coordinator: %w", err)
	}

	// Removing a device revokes its session; rule changes re-check access
	registry.SetSessionRevoker(coordinator)
	screenTime.SetEnforcer(coordinator)

	if bridge != nil {
		// Rules changed on another instance must not be served from our cache
		bridge.OnRemote(func(ev broadcast.Event) {
			if ev.Kind == broadcast.KindRulesUpdated {
				screenTime.Forget(ev.ChildID)
			}
		})
		go func() {
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("Redis event bridge stopped")
			}
		}()
		logger.Info().Str("channel", broadcast.DefaultChannel).Msg("Redis event bridge enabled")
	}

	workflow := approval.New(store.Approvals(), store.AllowList(), broadcaster, logger)

	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.Issuer,
		config.ParseDuration(cfg.Auth.DeviceTokenTTL, auth.DefaultDeviceTokenTTL),
		config.ParseDuration(cfg.Auth.ParentTokenTTL, auth.DefaultParentTokenTTL),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize token verification: %w", err)
	}

	// Certificate for the API listener
	var tlsConfig *tls.Config
	var certClient *acme.Client
	if cfg.TLS.Enabled {
		certClient = acme.NewClient(acme.Config{
			Email:       cfg.TLS.LegoEmail,
			DNSProvider: cfg.TLS.LegoDNSProvider,
			CertPath:    cfg.TLS.CertPath,
			KeyPath:     cfg.TLS.KeyPath,
			CADirURL:    cfg.TLS.LegoCADirURL,
			Domain:      cfg.Server.Name,
		}, logger)

		if cfg.TLS.UseLetsEncrypt {
			if err := certClient.EnsureCertificate(time.Now()); err != nil {
				return fmt.Errorf("failed to obtain certificate: %w", err)
			}
			certClient.StartRenewal(acme.DefaultCheckInterval)
			defer certClient.StopRenewal()
		} else if err := certClient.Reload(); err != nil {
			return err
		}
		tlsConfig = certClient.TLSConfig()
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	apiServer := api.NewServer(api.Config{
		ListenAddr:     apiAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		PingInterval:   config.ParseDuration(cfg.Broadcast.PingInterval, broadcast.DefaultPingInterval),
		RateLimit:      cfg.Server.RateLimit,
		TLSConfig:      tlsConfig,
	}, api.Deps{
		Store:       store,
		Auth:        authService,
		Devices:     registry,
		Sessions:    coordinator,
		ScreenTime:  screenTime,
		Ledger:      usageLedger,
		Approvals:   workflow,
		Broadcaster: broadcaster,
		Locks:       locks,
	}, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, store.Ping, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	sweeper := session.NewSweeper(
		coordinator,
		registry,
		config.ParseDuration(cfg.Sessions.SweepInterval, session.DefaultSweepInterval),
		logger,
	)
	sweeper.Start()

	logger.Info().Msg("KTime startup complete")
	logger.Info().Msgf("API: %s (tls=%t)", apiAddr, tlsConfig != nil)
	logger.Info().Msgf("Metrics: http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	if interval := systemd.WatchdogInterval(); interval > 0 {
		go runWatchdog(ctx, interval, store.Ping, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
			break
		}

		logger.Info().Msg("SIGHUP received, reloading policies and certificate...")
		if opaEngine != nil {
			if err := opaEngine.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload policies")
			} else {
				logger.Info().Msg("Policies reloaded successfully")
			}
		}
		if certClient != nil {
			if err := certClient.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload certificate")
			}
		}
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	sweeper.Stop()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	cancel()
	if err := kafkaSink.Close(); err != nil {
		logger.Error().Err(err).Msg("Error closing Kafka sink")
	}

	logger.Info().Msg("KTime stopped")

	return nil
}

// runWatchdog pings the systemd watchdog while storage is reachable
func runWatchdog(ctx context.Context, interval time.Duration, ping func(context.Context) error, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval/2)
			err := ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("Storage unreachable, withholding watchdog ping")
				continue
			}
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
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

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}
