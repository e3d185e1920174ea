package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jemzy/jemzy-views/internal/auth"
	"github.com/jemzy/jemzy-views/internal/config"
	"github.com/jemzy/jemzy-views/internal/database"
	"github.com/jemzy/jemzy-views/internal/identity"
	"github.com/jemzy/jemzy-views/internal/jemzyapi"
	"github.com/jemzy/jemzy-views/internal/logging"
	"github.com/jemzy/jemzy-views/internal/metrics"
	"github.com/jemzy/jemzy-views/internal/mutation"
	"github.com/jemzy/jemzy-views/internal/query"
	"github.com/jemzy/jemzy-views/internal/ratelimit"
	"github.com/jemzy/jemzy-views/internal/signals"
	"github.com/jemzy/jemzy-views/internal/store"
	"github.com/jemzy/jemzy-views/internal/views"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	snapshotPruneInterval = time.Hour
	limiterIdleTTL        = 10 * time.Minute
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jemzy-views",
		Short: "Jemzy views service with optimistic mutations",
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
	cmd.PersistentFlags().String("api-base-url", "", "Jemzy REST API base URL")
	cmd.PersistentFlags().Int("api-timeout-seconds", defaults.GetInt("api.timeout_seconds"), "Upstream request timeout in seconds")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session JWT signing secret (overrides env)")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected session issuer")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("cache-stale-seconds", defaults.GetInt("cache.stale_seconds"), "Seconds a fetched value stays fresh (0 until invalidated)")
	cmd.PersistentFlags().Int("cache-gc-seconds", defaults.GetInt("cache.gc_seconds"), "Seconds an unobserved entry is kept")
	cmd.PersistentFlags().Int("cache-max-concurrent-fetches", defaults.GetInt("cache.max_concurrent_fetches"), "Upper bound on concurrent upstream fetches")
	cmd.PersistentFlags().Int("snapshot-retention-hours", defaults.GetInt("cache.snapshot_retention_hours"), "Hours a persisted query snapshot is kept")
	cmd.PersistentFlags().Bool("serialize-per-target", defaults.GetBool("mutations.serialize_per_target"), "Refuse a mutation while another for the same target is settling")
	cmd.PersistentFlags().Float64("mutation-rate", defaults.GetFloat64("mutations.rate_per_second"), "Mutations per second allowed per user")
	cmd.PersistentFlags().Int("mutation-burst", defaults.GetInt("mutations.burst"), "Mutation burst allowed per user")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "api.base_url", "api-base-url")
	bindFlag(cmd, "api.timeout_seconds", "api-timeout-seconds")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "cache.stale_seconds", "cache-stale-seconds")
	bindFlag(cmd, "cache.gc_seconds", "cache-gc-seconds")
	bindFlag(cmd, "cache.max_concurrent_fetches", "cache-max-concurrent-fetches")
	bindFlag(cmd, "cache.snapshot_retention_hours", "snapshot-retention-hours")
	bindFlag(cmd, "mutations.serialize_per_target", "serialize-per-target")
	bindFlag(cmd, "mutations.rate_per_second", "mutation-rate")
	bindFlag(cmd, "mutations.burst", "mutation-burst")
	bindFlag(cmd, "log.level", "log-level")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logging.Component(logger, "database"))
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	storeService, err := store.NewService(store.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logging.Component(logger, "store"),
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	appMetrics, err := metrics.New(registry)
	if err != nil {
		return err
	}

	cache, err := query.NewCache(query.CacheConfig{
		StaleTime:            appConfig.CacheStaleTime,
		GCTime:               appConfig.CacheGCTime,
		GCInterval:           appConfig.CacheGCTime / 2,
		MaxConcurrentFetches: appConfig.MaxConcurrentFetches,
		Persister:            storeService,
		Metrics:              appMetrics,
		Logger:               logging.Component(logger, "query"),
	})
	if err != nil {
		return err
	}
	defer cache.Close() //nolint:errcheck

	client, err := jemzyapi.NewClient(jemzyapi.ClientConfig{
		BaseURL: appConfig.APIBaseURL,
		Timeout: appConfig.APITimeout,
		Logger:  logging.Component(logger, "jemzyapi"),
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Source: client,
		Logger: logging.Component(logger, "identity"),
	})
	if err != nil {
		return err
	}

	hub := signals.NewHub()
	engine, err := mutation.NewEngine(mutation.EngineConfig{
		Cache:              cache,
		Signals:            hub,
		Log:                storeService,
		Metrics:            appMetrics,
		Logger:             logging.Component(logger, "mutation"),
		IDs:                mutation.NewUUIDProvider(),
		SerializePerTarget: appConfig.SerializePerTarget,
	})
	if err != nil {
		return err
	}

	limiter := ratelimit.New(appConfig.MutationRatePerSecond, appConfig.MutationBurst, limiterIdleTTL)
	defer limiter.Stop()

	handler, err := views.NewHTTPHandler(views.Dependencies{
		Sessions:       sessions,
		Cache:          cache,
		Engine:         engine,
		Upstream:       client,
		Identity:       resolver,
		Signals:        hub,
		Limiter:        limiter,
		History:        storeService,
		Gatherer:       registry,
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logging.Component(logger, "views"),
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

	if appConfig.SnapshotRetention > 0 {
		go pruneSnapshots(signalCtx, storeService, appConfig.SnapshotRetention, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("api_base_url", appConfig.APIBaseURL))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func pruneSnapshots(ctx context.Context, service *store.Service, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(snapshotPruneInterval)
	defer ticker.Stop()
	for {
		removed, err := service.PruneSnapshots(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("snapshot prune failed", zap.Error(err))
		} else if removed > 0 {
			logger.Info("snapshots pruned", zap.Int64("removed", removed))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
