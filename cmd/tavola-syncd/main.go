package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tavolalabs/tavola/syncd/internal/auth"
	"github.com/tavolalabs/tavola/syncd/internal/config"
	"github.com/tavolalabs/tavola/syncd/internal/device"
	"github.com/tavolalabs/tavola/syncd/internal/localstore"
	"github.com/tavolalabs/tavola/syncd/internal/logging"
	"github.com/tavolalabs/tavola/syncd/internal/remote"
	"github.com/tavolalabs/tavola/syncd/internal/server"
	"github.com/tavolalabs/tavola/syncd/internal/sync"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tavola-syncd",
		Short: "Tavola POS on-device sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-console", defaults.GetBool("log.console"), "Human-readable console logging")
	cmd.PersistentFlags().String("tenant-id", "", "Tenant (restaurant) identifier")
	cmd.PersistentFlags().String("device-name", defaults.GetString("device.name"), "Display name for this device")
	cmd.PersistentFlags().String("device-type", defaults.GetString("device.type"), "Device type (register, kitchen, manager)")
	cmd.PersistentFlags().String("remote-driver", defaults.GetString("remote.driver"), "Remote store driver (redis or memory)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("remote.redis_url"), "Redis connection URL")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.console", "log-console")
	bindFlag(cmd, "tenant.id", "tenant-id")
	bindFlag(cmd, "device.name", "device-name")
	bindFlag(cmd, "device.type", "device-type")
	bindFlag(cmd, "remote.driver", "remote-driver")
	bindFlag(cmd, "remote.redis_url", "redis-url")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogConsole)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := localstore.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	local, err := localstore.NewStore(localstore.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	remoteStore, closeRemote, err := buildRemoteStore(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeRemote()

	identityManager, err := device.NewIdentityManager(device.IdentityConfig{
		Local:      local,
		IDProvider: device.NewUUIDProvider(),
		DeviceName: appConfig.DeviceName,
		DeviceType: appConfig.DeviceType,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	identity, err := identityManager.EnsureDeviceIdentity(ctx)
	if err != nil {
		return err
	}
	logger.Info("device identity ready",
		zap.String("device_id", identity.DeviceID),
		zap.String("device_name", identity.DeviceName),
		zap.String("device_type", identity.DeviceType))

	registry, err := device.NewRegistry(device.RegistryConfig{
		Remote:         remoteStore,
		Identity:       identity,
		OfflineTimeout: appConfig.OfflineTimeout,
		Clock:          time.Now,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return err
	}

	orchestrator, err := sync.NewOrchestrator(sync.OrchestratorConfig{
		Remote:             remoteStore,
		Local:              local,
		Registry:           registry,
		SessionValidator:   validator,
		IDProvider:         device.NewUUIDProvider(),
		HeartbeatInterval:  appConfig.HeartbeatInterval,
		BackgroundInterval: appConfig.BackgroundInterval,
		CleanupInterval:    appConfig.CleanupInterval,
		StaleAfter:         appConfig.StaleAfter,
		EventRetention:     appConfig.EventRetention,
		PresenceDebounce:   appConfig.PresenceDebounce,
		Clock:              time.Now,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Orchestrator: orchestrator,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("local api starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("tenant", appConfig.TenantID),
			zap.String("remote_driver", appConfig.RemoteDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orchestrator.Disconnect(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildRemoteStore selects the configured driver. The memory driver exists
// for development and demos: every write stays in-process.
func buildRemoteStore(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (remote.Store, func(), error) {
	switch appConfig.RemoteDriver {
	case "memory":
		logger.Warn("using the in-process memory remote store; data will not leave this device")
		return remote.NewMemoryStore(), func() {}, nil
	default:
		store, err := remote.NewRedisStore(ctx, remote.RedisStoreConfig{
			URL:    appConfig.RedisURL,
			Logger: logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing redis store failed", zap.Error(err))
			}
		}, nil
	}
}
