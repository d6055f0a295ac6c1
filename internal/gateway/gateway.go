// Package gateway is the websocket endpoint hosted desktop clients connect
// to. Each client registers for one session; the gateway then carries JSON
// frames in both directions, handing inbound frames to the orchestrator and
// letting the channel emitter push outbound frames through ClientChannel.
// No task semantics live here.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/aide/internal/config"
	"github.com/haasonsaas/aide/internal/emitter"
	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/pkg/models"
)

// Router consumes the frames a client sends upstream. The orchestrator
// satisfies it.
type Router interface {
	HandleTaskResult(ctx context.Context, sessionID, taskID string, out *models.TaskOutput) error
	HandleBatchResults(ctx context.Context, sessionID string, entries []models.TaskResultEntry) error
	ResolveApproval(ctx context.Context, sessionID, taskID string, approved bool) error
}

// Server owns the websocket listener and the session-to-connection table.
// It implements emitter.ChannelDirectory for the channel emitter.
type Server struct {
	cfg     config.GatewayConfig
	router  Router
	logger  *observability.Logger
	metrics *observability.Metrics

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*clientConn

	httpServer *http.Server
	listener   net.Listener
}

var _ emitter.ChannelDirectory = (*Server)(nil)

// NewServer builds the gateway. The router must not be nil; logger and
// metrics may be.
func NewServer(cfg config.GatewayConfig, router Router, logger *observability.Logger, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Server{
		cfg:     cfg,
		router:  router,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*clientConn),
	}
}

// Start listens on the configured address and serves /ws and /healthz in the
// background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(context.Background(), "gateway server error", "error", err)
		}
	}()

	s.logger.Info(ctx, "gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound listen address, useful when the configured port
// was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown closes every client connection and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*clientConn)
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	if s.httpServer == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}

// Channel returns the registered connection for a session, if any.
func (s *Server) Channel(sessionID string) (emitter.ClientChannel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[sessionID]
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClientConn(s, conn)
	c.run()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// register maps a session to its connection. A later registration for the
// same session replaces the earlier one; the displaced connection is closed.
func (s *Server) register(sessionID string, c *clientConn) {
	s.mu.Lock()
	old := s.conns[sessionID]
	s.conns[sessionID] = c
	s.mu.Unlock()

	if old != nil && old != c {
		old.close()
	}
}

// unregister drops the mapping, but only while it still points at this
// connection.
func (s *Server) unregister(sessionID string, c *clientConn) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	if s.conns[sessionID] == c {
		delete(s.conns, sessionID)
	}
	s.mu.Unlock()
}
