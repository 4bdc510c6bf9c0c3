// Package server provides the HTTP and WebSocket API used by companion apps
// to follow and control the connection manager.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nedpals/davi-cma-agent/cma"
	"github.com/nedpals/davi-cma-agent/protocol"
)

// ErrNoController is returned by control endpoints when no manager is wired.
var ErrNoController = errors.New("server: no controller configured")

// Server manages the HTTP and WebSocket server.
type Server struct {
	config   Config
	logger   *slog.Logger
	clients  *ClientManager
	registry *HandlerRegistry
	sessions *SessionManager
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	cancel     context.CancelFunc
}

// New creates a new server instance
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = DefaultSessionTimeout
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = DefaultStatusInterval
	}
	logger := config.Logger.With("component", "server")

	s := &Server{
		config:   config,
		logger:   logger,
		clients:  NewClientManager(logger),
		registry: NewHandlerRegistry(),
		sessions: NewSessionManager(config.APISecret, config.SessionTimeout, logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if config.Controller != nil {
		NewControlHandler(config.Controller, config.StatusInterval).Register(s)
	}
	s.mux = s.routes()
	return s
}

// Handle implements HandlerServer interface.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.registry.Handle(messageType, handler)
}

// StartLifecycle implements HandlerServer interface.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.registry.RegisterLifecycle(start)
}

// Broadcast implements HandlerServer interface.
func (s *Server) Broadcast(msg protocol.WebSocketMessage) {
	s.clients.Broadcast(msg)
}

// Notify forwards a lifecycle notification to every app client.
func (s *Server) Notify(n cma.Notification) {
	s.clients.Notify(n)
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.mux }

// Addr returns the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener and serves in the background. Lifecycle handlers
// run until Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("server: already started")
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           s.mux,
		TLSConfig:         s.config.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer, s.listener, s.cancel = srv, ln, cancel

	go func() {
		var err error
		if s.config.TLSEnabled() {
			err = srv.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	s.registry.StartLifecycleHandlers(ctx)
	s.logger.Info("Server listening", "addr", ln.Addr().String(), "tls", s.config.TLSEnabled())
	return nil
}

// Stop shuts the server down and disconnects every client.
func (s *Server) Stop() {
	s.mu.Lock()
	srv, cancel := s.httpServer, s.cancel
	s.httpServer, s.listener, s.cancel = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if srv != nil {
		ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("Server shutdown error", "error", err)
		}
	}
	s.clients.CloseAll()
	s.sessions.Release()
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(RouteHealth, enableCORS(s.handleHealthCheck))
	mux.HandleFunc(RouteStatus, enableCORS(s.handleStatus))
	mux.HandleFunc(RouteHandshake, enableCORS(s.handleHandshake))
	mux.HandleFunc(RouteStartDiscover, enableCORS(s.requireSession(s.handleStartDiscovery)))
	mux.HandleFunc(RouteStopDiscover, enableCORS(s.requireSession(s.handleStopDiscovery)))
	mux.HandleFunc(RouteCACert, enableCORS(s.handleCACert))
	mux.HandleFunc(RoutePairings, enableCORS(s.requireSession(s.handlePairings)))
	mux.HandleFunc(RouteWebSocket, s.handleWebSocket)
	return mux
}

// enableCORS is a middleware that adds CORS headers to responses
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// requireSession rejects requests without a valid bearer token.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.sessions.Validate(token, r.Header.Get("Origin"), r.RemoteAddr) {
			writeError(w, http.StatusUnauthorized, "invalid or missing session token")
			return
		}
		s.sessions.RefreshTimeout()
		next(w, r)
	}
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"clients":   s.clients.Count(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.config.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoController.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.config.Controller.Status())
}

// handleHandshake acquires (POST) or releases (DELETE) the control session.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Secret string `json:"secret,omitempty"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
		}
		token := s.sessions.Acquire(body.Secret, r.Header.Get("Origin"), r.RemoteAddr)
		if token == "" {
			writeError(w, http.StatusConflict, "session already claimed or invalid secret")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"token": token})
	case http.MethodDelete:
		s.requireSession(func(w http.ResponseWriter, r *http.Request) {
			s.sessions.Release()
			w.WriteHeader(http.StatusNoContent)
		})(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleStartDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.config.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoController.Error())
		return
	}
	kind, err := cma.ParseTransportKind(r.URL.Query().Get("transport"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.config.Controller.StartDiscovery(kind); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.config.Controller.Status())
}

func (s *Server) handleStopDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.config.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNoController.Error())
		return
	}
	if err := s.config.Controller.StopDiscovery(); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.config.Controller.Status())
}

func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	if s.config.CA == nil {
		writeError(w, http.StatusNotFound, "no local CA configured")
		return
	}
	pem, err := s.config.CA.CACertPEM()
	if err != nil {
		s.logger.Error("Failed to read CA certificate", "error", err)
		writeError(w, http.StatusInternalServerError, "CA certificate unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="ca.pem"`)
	_, _ = w.Write(pem)
}

// handlePairings lists the pairing history (GET /api/v1/pairings?limit=N).
func (s *Server) handlePairings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.config.History == nil {
		writeError(w, http.StatusNotFound, "pairing history not available")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	records, err := s.config.History.Pairings(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list pairings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list pairings")
		return
	}
	if records == nil {
		records = []cma.PairingRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairings": records})
}

// handleWebSocket upgrades app clients and routes their requests through
// the handler registry.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.CheckSecret(r.URL.Query().Get("secret")) {
		s.logger.Warn("WebSocket connection rejected: invalid API secret", "remote", r.RemoteAddr)
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", "error", err)
		return
	}

	c := newClient(conn, s.logger)
	if s.config.Controller != nil {
		_ = c.Send(protocol.WebSocketMessage{Type: protocol.WSTypeStatus, Payload: s.config.Controller.Status()})
	}
	s.clients.Register(c)
	c.logger.Info("Client connected", "total", s.clients.Count())

	defer func() {
		conn.Close()
		s.clients.Unregister(c)
		c.logger.Info("Client disconnected", "total", s.clients.Count())
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req protocol.WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.Warn("Failed to parse WebSocket message", "error", err)
			_ = c.SendError("", protocol.ErrCodeParse, "Invalid message format")
			continue
		}

		if err := s.registry.Dispatch(r.Context(), c, req); err != nil {
			switch {
			case errors.Is(err, ErrUnknownType):
				_ = c.SendError(req.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", req.Type))
			case errors.Is(err, ErrHandlerPanic):
				c.logger.Error("Handler panic", "type", req.Type, "error", err)
				_ = c.SendError(req.ID, protocol.ErrCodeInternal, "Internal error")
			default:
				c.logger.Warn("Handler error", "type", req.Type, "error", err)
			}
		}
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, cma.ErrNotActive), errors.Is(err, cma.ErrLoopStopping):
		return http.StatusConflict
	case errors.Is(err, cma.ErrNoTransport):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
