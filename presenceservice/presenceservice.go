// Package presenceservice wires the presence coordinator, the notification
// pipeline and both HTTP surfaces into one runnable service.
package presenceservice

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/internal/api"
	"github.com/tinywideclouds/go-presence-service/internal/notification"
	"github.com/tinywideclouds/go-presence-service/internal/platform/metrics"
	"github.com/tinywideclouds/go-presence-service/internal/platform/server"
	"github.com/tinywideclouds/go-presence-service/internal/realtime"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
	"github.com/tinywideclouds/go-presence-service/presenceservice/config"
)

// Wrapper embeds BaseServer for the API surface and owns the stream server.
type Wrapper struct {
	*server.BaseServer
	coordinator   *realtime.Coordinator
	dispatcher    *notification.Dispatcher
	connManager   *realtime.ConnectionManager
	logger        zerolog.Logger
	httpReadyChan chan struct{}
}

// New creates and wires up the entire presence service. Collectors are
// registered on registry and served at /metrics on the API port.
func New(
	cfg *config.AppConfig,
	dependencies *presence.ServiceDependencies,
	authMiddleware func(http.Handler) http.Handler,
	registry *prometheus.Registry,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if dependencies == nil || dependencies.Persistence == nil || dependencies.Directory == nil || dependencies.Attendance == nil {
		return nil, errors.New("presence service requires persistence, directory and attendance dependencies")
	}

	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	baseServer := server.NewBaseServer(logger, ":"+cfg.APIPort, registry)
	httpReadyChan := make(chan struct{})
	baseServer.SetReadyChannel(httpReadyChan)

	m := metrics.New(registry)

	coordinator := realtime.NewCoordinator(
		realtime.CoordinatorConfig{GraceWindow: cfg.Presence.GraceWindow},
		dependencies.Directory,
		dependencies.Attendance,
		m,
		logger,
	)
	store := notification.NewStore(
		dependencies.Persistence,
		notification.StoreConfig{
			DefaultLimit: cfg.Notifications.DefaultLimit,
			MaxLimit:     cfg.Notifications.MaxLimit,
		},
		logger,
	)
	dispatcher := notification.NewDispatcher(store, coordinator, m, logger)

	connManager := realtime.NewConnectionManager(
		cfg.StreamPort,
		authMiddleware,
		coordinator,
		realtime.StreamConfig{
			KeepAlive:      cfg.Presence.KeepAliveInterval,
			SendBuffer:     cfg.Presence.SendBuffer,
			AllowedOrigins: cfg.AllowedOrigins,
		},
		logger,
	)

	apiHandler := api.NewAPI(dispatcher, coordinator, logger.With().Str("component", "API").Logger())

	mux := baseServer.Mux()
	routes := map[string]http.HandlerFunc{
		"GET /api/notifications":              apiHandler.ListNotificationsHandler,
		"GET /api/notifications/unread-count": apiHandler.UnreadCountHandler,
		"PATCH /api/notifications/{id}/read":  apiHandler.MarkReadHandler,
		"PATCH /api/notifications/read-all":   apiHandler.MarkAllReadHandler,
		"POST /api/notifications":             apiHandler.CreateNotificationHandler,
		"POST /api/presence/logout":           apiHandler.LogoutHandler,
		"GET /api/presence":                   apiHandler.PresenceSnapshotHandler,
		"GET /api/presence/{userId}":          apiHandler.PresenceStatusHandler,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, authMiddleware(handler))
	}

	return &Wrapper{
		BaseServer:    baseServer,
		coordinator:   coordinator,
		dispatcher:    dispatcher,
		connManager:   connManager,
		logger:        logger,
		httpReadyChan: httpReadyChan,
	}, nil
}

// ConnectionManager returns the stream server, run alongside the API server.
func (w *Wrapper) ConnectionManager() *realtime.ConnectionManager { return w.connManager }

// Dispatcher returns the notification producer entry point for in-process callers.
func (w *Wrapper) Dispatcher() *notification.Dispatcher { return w.dispatcher }

// Coordinator returns the presence coordinator.
func (w *Wrapper) Coordinator() *realtime.Coordinator { return w.coordinator }

// Start serves the API until Shutdown. The service reports ready once the
// listener is bound.
func (w *Wrapper) Start(ctx context.Context) error {
	serverErrChan := make(chan error, 1)
	go func() {
		if err := w.BaseServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error().Err(err).Msg("HTTP server failed")
			serverErrChan <- err
		}
		close(serverErrChan)
	}()

	select {
	case <-w.httpReadyChan:
		w.logger.Info().Msg("HTTP listener is active.")
		w.SetReady(true)
		w.logger.Info().Msg("Service is now ready.")
	case err := <-serverErrChan:
		return fmt.Errorf("HTTP server failed to start: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := <-serverErrChan; err != nil {
		return err
	}
	return nil
}

// Shutdown stops the API server. The stream server is shut down separately
// through ConnectionManager.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down API server...")
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		return err
	}
	w.logger.Info().Msg("API server shut down.")
	return nil
}
