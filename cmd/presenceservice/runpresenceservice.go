// Command presenceservice runs the presence and notification delivery service.
// It handles config loading, dependency injection and starting the application.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tinywideclouds/go-presence-service/cmd"
	"github.com/tinywideclouds/go-presence-service/internal/app"
	"github.com/tinywideclouds/go-presence-service/internal/platform/attendance"
	"github.com/tinywideclouds/go-presence-service/internal/platform/auth"
	"github.com/tinywideclouds/go-presence-service/internal/platform/directory"
	"github.com/tinywideclouds/go-presence-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-presence-service/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
	"github.com/tinywideclouds/go-presence-service/presenceservice"
	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-presence-service").Logger()

	// A .env file is optional and only used for local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("Failed to read .env file")
	}

	// 2. Load config (Stage 1: embedded YAML, Stage 2: env overrides)
	baseCfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// 3. Create dependencies
	ctx := context.Background()
	deps, cleanup, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer cleanup()

	// 4. Create Authentication Middleware
	authMiddleware, err := newAuthMiddleware(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize authentication middleware")
	}

	// 5. Create the service
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	service, err := presenceservice.New(
		cfg,
		deps,
		authMiddleware,
		registry,
		logger.With().Str("component", "PresenceService").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create presence service")
	}

	// 6. Run the application
	app.Run(ctx, logger, service, service.ConnectionManager())
}

// newAuthMiddleware validates JWTs against the identity service's JWKS. In
// local mode identity is taken from request headers instead.
func newAuthMiddleware(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.RunMode == config.RunModeLocal && cfg.IdentityJWKSURL == "" {
		logger.Warn().Msg("Running in 'local' mode without JWKS. Identity is read from request headers.")
		return auth.HeaderAuth, nil
	}
	return auth.NewJWKSMiddleware(ctx, cfg.IdentityJWKSURL, logger)
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*presence.ServiceDependencies, func(), error) {
	if cfg.RunMode == config.RunModeLocal {
		logger.Warn().Msg("Running in 'local' mode. External dependencies are faked.")
		return cmd.NewFakeDependencies(ctx, cfg, logger)
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*presence.ServiceDependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*presence.ServiceDependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	store, closeStore, err := newPersistence(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	dir, closeDir, err := newDirectory(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeDir)

	bridge, closeBridge, err := newAttendance(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeBridge)

	return &presence.ServiceDependencies{
		Persistence: store,
		Directory:   dir,
		Attendance:  bridge,
	}, cleanup, nil
}

// newPersistence creates the pluggable notification store based on config.
func newPersistence(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (presence.NotificationPersistence, func(), error) {
	logger.Info().Str("type", cfg.Persistence.Type).Msg("Initializing notification persistence...")
	switch cfg.Persistence.Type {
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		store, err := persistence.NewFirestoreStore(client, cfg.Persistence.Firestore.Collection, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil

	case "mysql":
		store, err := persistence.OpenMySQL(ctx, cfg.Persistence.SQL.DSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open mysql store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	case "sqlite":
		store, err := persistence.OpenSQLite(ctx, cfg.Persistence.SQL.DSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("invalid persistence type: %s", cfg.Persistence.Type)
	}
}

// newDirectory creates the user directory based on config.
func newDirectory(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (presence.UserDirectory, func(), error) {
	logger.Info().Str("type", cfg.Directory.Type).Msg("Initializing user directory...")
	switch cfg.Directory.Type {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Directory.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Directory.Redis.Addr, err)
		}
		logger.Info().Str("addr", cfg.Directory.Redis.Addr).Msg("Connected to Redis user directory")
		dir, err := directory.NewRedisDirectory(rdb, logger)
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return dir, func() { _ = rdb.Close() }, nil

	case "memory":
		return fakes.NewDirectory(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("invalid directory type: %s", cfg.Directory.Type)
	}
}

// newAttendance creates the attendance bridge based on config.
func newAttendance(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (presence.AttendanceBridge, func(), error) {
	logger.Info().Str("type", cfg.Attendance.Type).Msg("Initializing attendance bridge...")
	switch cfg.Attendance.Type {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		if err := attendance.EnsureTopic(ctx, client, cfg.ProjectID, cfg.Attendance.PubSub.TopicID, logger); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		publisher := client.Publisher(cfg.Attendance.PubSub.TopicID)
		closeFn := func() {
			publisher.Stop()
			_ = client.Close()
		}
		return attendance.NewPubSubBridge(publisher, logger), closeFn, nil

	case "nats":
		conn, err := attendance.ConnectNATS(cfg.Attendance.NATS.URL, logger)
		if err != nil {
			return nil, nil, err
		}
		bridge, err := attendance.NewNATSBridge(conn, cfg.Attendance.NATS.Subject, logger)
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return bridge, func() { _ = conn.Drain() }, nil

	case "log":
		return fakes.NewBridge(logger), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("invalid attendance type: %s", cfg.Attendance.Type)
	}
}
