// Package server is the base HTTP server shared by the service's API surface:
// a mux with health and readiness probes, a Prometheus endpoint and a ready
// channel that is closed once the listener is bound.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type BaseServer struct {
	server    *http.Server
	mux       *http.ServeMux
	ready     atomic.Bool
	readyChan chan struct{}
	addr      atomic.Value // string, set after Listen
	logger    zerolog.Logger
}

// NewBaseServer creates a server on addr. When gatherer is non-nil its
// collectors are exposed at GET /metrics.
func NewBaseServer(logger zerolog.Logger, addr string, gatherer prometheus.Gatherer) *BaseServer {
	mux := http.NewServeMux()
	s := &BaseServer{
		mux:    mux,
		logger: logger.With().Str("component", "BaseServer").Logger(),
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	mux.HandleFunc("GET /healthz", s.healthzHandler)
	mux.HandleFunc("GET /readyz", s.readyzHandler)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Mux returns the router so services can attach their handlers.
func (s *BaseServer) Mux() *http.ServeMux { return s.mux }

// SetReadyChannel registers a channel that Start closes after the listener is bound.
func (s *BaseServer) SetReadyChannel(ch chan struct{}) { s.readyChan = ch }

// SetReady flips the readiness probe.
func (s *BaseServer) SetReady(ready bool) { s.ready.Store(ready) }

// Addr returns the bound address once Start has listened, or the configured one.
func (s *BaseServer) Addr() string {
	if a, ok := s.addr.Load().(string); ok {
		return a
	}
	return s.server.Addr
}

// Start binds the listener and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *BaseServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.addr.Store(ln.Addr().String())
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
	if s.readyChan != nil {
		close(s.readyChan)
	}
	return s.server.Serve(ln)
}

func (s *BaseServer) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *BaseServer) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *BaseServer) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
