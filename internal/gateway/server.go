// Package gateway exposes the run-control surface over HTTP: run creation
// and cancellation, point-in-time snapshots, and the replay+live event
// stream over SSE and WebSocket. All run access is scoped to the owner
// named by the X-Owner-ID header; authentication itself sits in front of
// the gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foremanlabs/foreman/internal/config"
	"github.com/foremanlabs/foreman/internal/events"
	"github.com/foremanlabs/foreman/internal/observability"
	"github.com/foremanlabs/foreman/internal/runs"
)

// Server is the HTTP gateway in front of the orchestration core. Metrics
// are served from the same listener under /metrics.
type Server struct {
	cfg     config.ServerConfig
	stream  config.StreamConfig
	runs    *runs.Orchestrator
	log     *events.Log
	logger  *observability.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
}

// New assembles the gateway. The orchestrator and event log must share the
// same store and bus, otherwise replay and live delivery disagree about
// event ids.
func New(cfg config.ServerConfig, stream config.StreamConfig, orch *runs.Orchestrator, log *events.Log, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.Nop()
	}
	s := &Server{
		cfg:     cfg,
		stream:  stream,
		runs:    orch,
		log:     log,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
		},
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler, wrapped with request logging and
// metrics. Exposed for tests that drive the gateway through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancelRun)
	mux.HandleFunc("GET /runs/{id}/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /runs/{id}/events/stream", s.handleEventStream)
	if s.cfg.WebSocket {
		mux.HandleFunc("GET /ws", s.handleWebSocket)
	}

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.instrument(mux)
}

// Start begins serving and blocks until the listener fails or Shutdown is
// called. A nil return means a clean shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener

	s.logger.Info(context.Background(), "gateway listening", "addr", listener.Addr().String())
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests. Event streams observe the shutdown
// through their request contexts and terminate on their own.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "gateway shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// Addr reports the bound listen address, available after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr()
	}
	return s.listener.Addr().String()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
