// Package app contains the shared logic for starting and stopping the service.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/internal/realtime"
	"github.com/tinywideclouds/go-presence-service/presenceservice"
)

const shutdownTimeout = 15 * time.Second

// Run starts the API and stream servers, waits for SIGINT/SIGTERM or for
// either server to fail, then shuts both down. The stream server goes last
// so in-flight API calls can still reach live connections.
func Run(
	ctx context.Context,
	logger zerolog.Logger,
	apiService *presenceservice.Wrapper,
	connManager *realtime.ConnectionManager,
) {
	var wg sync.WaitGroup
	wg.Add(2)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting API Service...")
		if err := apiService.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("API Service failed")
			cancel()
		}
	}()

	go func() {
		defer wg.Done()
		logger.Info().Msg("Starting Connection Manager Service...")
		if err := connManager.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Connection Manager Service failed")
			cancel()
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)
	select {
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal.")
	case <-ctx.Done():
		logger.Info().Msg("Context cancelled, initiating shutdown.")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	logger.Info().Msg("Shutting down API Service...")
	if err := apiService.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API Service shutdown failed.")
	}

	logger.Info().Msg("Shutting down Connection Manager...")
	if err := connManager.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Connection Manager shutdown failed.")
	}

	wg.Wait()
	logger.Info().Msg("All services shut down gracefully.")
}
