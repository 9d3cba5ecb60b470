// Package realtime tracks open server-push connections per user, infers
// online and offline transitions from them, and serves the push streams.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-presence-service/internal/platform/auth"
)

const (
	// EventConnected is the first event written on every stream.
	EventConnected = "connected"

	defaultKeepAlive  = 30 * time.Second
	defaultSendBuffer = 16
	writeWait         = 10 * time.Second
)

// StreamConfig tunes the push transports.
type StreamConfig struct {
	KeepAlive      time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

// wsFrame is the JSON envelope of every WebSocket text message.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type connectedPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// ConnectionManager serves the push streams on its own HTTP server. Each
// accepted stream is registered with the Coordinator for its lifetime.
type ConnectionManager struct {
	server      *http.Server
	upgrader    websocket.Upgrader
	coordinator *Coordinator
	cfg         StreamConfig
	logger      zerolog.Logger
	instanceID  string
}

// NewConnectionManager wires the stream routes:
// GET /events (Server-Sent Events) and GET /connect (WebSocket).
func NewConnectionManager(
	port string,
	authMiddleware func(http.Handler) http.Handler,
	coordinator *Coordinator,
	cfg StreamConfig,
	logger zerolog.Logger,
) *ConnectionManager {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		instanceID:  instanceID,
	}
	cm.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     cm.checkOrigin,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /events", authMiddleware(http.HandlerFunc(cm.eventsHandler)))
	mux.Handle("GET /connect", authMiddleware(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return cm
}

// Handler exposes the stream routes, mainly for tests.
func (cm *ConnectionManager) Handler() http.Handler {
	return cm.server.Handler
}

// Start runs the stream server until Shutdown.
func (cm *ConnectionManager) Start(_ context.Context) error {
	cm.logger.Info().Str("addr", cm.server.Addr).Msg("Stream server starting...")
	if err := cm.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stream server failed: %w", err)
	}
	return nil
}

// Shutdown closes every open stream and pending offline timer without
// emitting check-outs, then stops the server.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down stream service...")
	cm.coordinator.Close()

	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("Stream server shutdown failed.")
		return err
	}
	cm.logger.Info().Msg("Stream service shut down.")
	return nil
}

func (cm *ConnectionManager) checkOrigin(r *http.Request) bool {
	if len(cm.cfg.AllowedOrigins) == 0 || slices.Contains(cm.cfg.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(cm.cfg.AllowedOrigins, origin)
}

// eventsHandler serves one Server-Sent Events stream.
func (cm *ConnectionManager) eventsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sink := NewQueueSink(cm.cfg.SendBuffer)
	conn, err := cm.coordinator.Open(r.Context(), id.UserID, id.OrganizationID, sink)
	if err != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	defer cm.coordinator.OnDisconnect(context.WithoutCancel(r.Context()), conn)

	log := cm.logger.With().Str("user", id.UserID).Str("conn", conn.ID).Logger()
	log.Debug().Msg("SSE stream opened.")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(connectedPayload{ConnectionID: conn.ID, UserID: id.UserID})
	if err := writeSSE(w, EventConnected, hello); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(cm.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Msg("SSE client went away.")
			return
		case <-sink.Done():
			return
		case frame := <-sink.Frames():
			if err := writeSSE(w, frame.Event, frame.Data); err != nil {
				log.Debug().Err(err).Msg("SSE write failed.")
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// connectHandler upgrades to a WebSocket and pumps queued events to it. The
// client never sends anything meaningful; reads only detect the close.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}
	defer func() {
		if err := ws.Close(); err != nil {
			cm.logger.Debug().Err(err).Msg("error closing websocket")
		}
	}()

	sink := NewQueueSink(cm.cfg.SendBuffer)
	conn, err := cm.coordinator.Open(r.Context(), id.UserID, id.OrganizationID, sink)
	if err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(writeWait))
		return
	}
	defer cm.coordinator.OnDisconnect(context.WithoutCancel(r.Context()), conn)

	log := cm.logger.With().Str("user", id.UserID).Str("conn", conn.ID).Logger()
	log.Debug().Msg("WebSocket opened.")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hello, _ := json.Marshal(connectedPayload{ConnectionID: conn.ID, UserID: id.UserID})
	if err := cm.writeFrame(ws, EventConnected, hello); err != nil {
		return
	}

	ticker := time.NewTicker(cm.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			log.Debug().Msg("WebSocket client went away.")
			return
		case <-sink.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case frame := <-sink.Frames():
			if err := cm.writeFrame(ws, frame.Event, frame.Data); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed.")
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (cm *ConnectionManager) writeFrame(ws *websocket.Conn, event string, data []byte) error {
	if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return ws.WriteJSON(wsFrame{Event: event, Data: data})
}
