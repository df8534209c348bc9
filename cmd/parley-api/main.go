package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parleyhq/parley/backend/internal/auth"
	"github.com/parleyhq/parley/backend/internal/cache"
	"github.com/parleyhq/parley/backend/internal/codes"
	"github.com/parleyhq/parley/backend/internal/config"
	"github.com/parleyhq/parley/backend/internal/database"
	"github.com/parleyhq/parley/backend/internal/logging"
	"github.com/parleyhq/parley/backend/internal/messages"
	"github.com/parleyhq/parley/backend/internal/posts"
	"github.com/parleyhq/parley/backend/internal/realtime"
	"github.com/parleyhq/parley/backend/internal/server"
	"github.com/parleyhq/parley/backend/internal/syncdoc"
	"github.com/parleyhq/parley/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parley-api",
		Short: "Parley coordination backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for cache and pub/sub")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")
	cmd.PersistentFlags().String("realtime-topic", defaults.GetString("realtime.topic"), "Pub/sub topic for realtime events")
	cmd.PersistentFlags().String("legacy-snapshot-path", defaults.GetString("sync.legacy_snapshot_path"), "Pre-migration snapshot imported once at startup")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.topic", "realtime-topic")
	bindFlag(cmd, "sync.legacy_snapshot_path", "legacy-snapshot-path")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenPostgres(appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	// Any number of replicas may start concurrently; exactly one applies
	// schema and seed changes, the rest wait for readiness.
	if err := database.Bootstrap(ctx, db, database.BootstrapConfig{
		LockKeyClass:   appConfig.LockKeyClass,
		LockKeyIndex:   appConfig.LockKeyIndex,
		AdminUsername:  appConfig.AdminUsername,
		AdminPassword:  appConfig.AdminPassword,
		AdminEmail:     appConfig.AdminEmail,
		LegacyUserPath: appConfig.LegacyUserPath,
	}, logger); err != nil {
		sqlDB.Close() //nolint:errcheck
		return err
	}

	cacheClient := cache.NewClient(ctx, appConfig.RedisAddress, logger)
	pages, err := cache.NewPages(cache.PagesConfig{
		Client:       cacheClient,
		FeedPageTTL:  appConfig.FeedPageTTL,
		ChatPageTTL:  appConfig.ChatPageTTL,
		FeedIndexTTL: appConfig.FeedIndexTTL,
		Logger:       logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "parley-auth",
		Audience:      "parley-api",
	})

	hub, err := realtime.NewHub(realtime.HubConfig{
		Verifier:      tokenManager,
		ProbeInterval: appConfig.ProbeInterval,
		Logger:        logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return err
	}
	probeCtx, stopProbe := context.WithCancel(ctx)
	defer stopProbe()
	go hub.Run(probeCtx)

	relay, err := realtime.NewRelay(realtime.RelayConfig{
		Client: cacheClient,
		Topic:  appConfig.PubSubTopic,
		Hub:    hub,
		Logger: logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return err
	}
	relay.Start(ctx)

	syncStore, err := syncdoc.NewStore(syncdoc.StoreConfig{
		Database:    db,
		Broadcaster: relay,
		Logger:      logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return err
	}
	syncStore.ImportLegacySnapshot(ctx, appConfig.LegacySnapshotPath)

	vault, err := codes.NewVault(codes.VaultConfig{
		Database:    db,
		Secret:      []byte(appConfig.SigningSecret),
		TTL:         appConfig.CodeTTL,
		MaxAttempts: appConfig.CodeMaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return err
	}
	messageService, err := messages.NewService(messages.ServiceConfig{
		Database:  db,
		Publisher: relay,
		Pages:     pages,
		Logger:    logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return err
	}
	postService, err := posts.NewService(posts.ServiceConfig{
		Database: db,
		Users:    userService,
		Pages:    pages,
		Logger:   logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Users:        userService,
		SyncStore:    syncStore,
		Vault:        vault,
		Messages:     messageService,
		Posts:        postService,
		Hub:          hub,
		Logger:       logger,
	})
	if err != nil {
		sqlDB.Close() //nolint:errcheck
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		runErr = err
	}

	// Drain in dependency order; every stage runs even if an earlier one
	// fails so no resource is stranded.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	hub.Close()
	stopProbe()
	if err := relay.Close(); err != nil {
		logger.Warn("relay close failed", zap.Error(err))
	}
	if err := cacheClient.Close(); err != nil {
		logger.Warn("cache close failed", zap.Error(err))
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("database close failed", zap.Error(err))
	}
	return runErr
}
