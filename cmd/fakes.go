package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/internal/platform/persistence"
	"github.com/tinywideclouds/go-presence-service/internal/test/fakes"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

const localSQLiteDSN = "presence-local.db"

// NewFakeDependencies builds the local-mode dependency set: notifications
// in a SQLite file, an in-memory directory and a logging attendance bridge.
// The returned cleanup closes the database.
func NewFakeDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*presence.ServiceDependencies, func(), error) {
	dsn := cfg.Persistence.SQL.DSN
	if cfg.Persistence.Type != "sqlite" || dsn == "" {
		dsn = localSQLiteDSN
	}
	store, err := persistence.OpenSQLite(ctx, dsn, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local sqlite store: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close local sqlite store")
		}
	}

	return &presence.ServiceDependencies{
		Persistence: store,
		Directory:   fakes.NewDirectory(),
		Attendance:  fakes.NewBridge(logger),
	}, cleanup, nil
}
