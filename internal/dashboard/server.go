// Package dashboard serves the operator view of the sync engine.
//
// Engine events (flush failures, dropped updates, pulls, maintenance) are
// pushed to WebSocket clients as they happen. The server also exposes the
// engine status and an authenticated endpoint that triggers maintenance.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/geultto/sheetsync/internal/engine"
)

// MessageType names a dashboard message. Engine events keep their event
// kind as the message type.
type MessageType string

const (
	// MessageTypeHello is sent to a client right after it connects
	MessageTypeHello MessageType = "hello"

	// MessageTypeStats carries the running event counters
	MessageTypeStats MessageType = "stats"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Engine is the part of the sync engine the dashboard drives.
type Engine interface {
	Status() engine.Status
	TriggerResync(ctx context.Context) (*engine.MaintenanceReport, error)
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8080")
	Addr string

	// AdminToken authorizes POST /admin/resync. Empty disables the endpoint.
	AdminToken string

	// ResyncTimeout bounds a maintenance run started from the dashboard (default: 10m)
	ResyncTimeout time.Duration

	// Logger for server activity (default: slog.Default())
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:          ":8080",
		ResyncTimeout: 10 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Server manages WebSocket clients and the HTTP endpoints.
type Server struct {
	config   *Config
	listener net.Listener
	server   *http.Server

	engineMu sync.RWMutex
	engine   Engine
	handler  *Handler

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewServer creates a dashboard server. Attach an engine with SetEngine
// before serving status or admin requests.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.ResyncTimeout <= 0 {
		config.ResyncTimeout = 10 * time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With("component", "dashboard"),
	}
	s.handler = newHandler(s, s.logger)
	return s
}

// Notifier returns the engine.Notifier feeding this dashboard.
func (s *Server) Notifier() engine.Notifier {
	return s.handler
}

// Handler returns the event handler.
func (s *Server) Handler() *Handler {
	return s.handler
}

// SetEngine attaches the engine served by status and admin endpoints.
func (s *Server) SetEngine(e Engine) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	s.engine = e
}

func (s *Server) getEngine() Engine {
	s.engineMu.RLock()
	defer s.engineMu.RUnlock()
	return s.engine
}

// Routes returns the HTTP handler of the dashboard.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/admin/resync", s.handleResync)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Start begins serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Routes(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()
	return nil
}

// Stop closes client connections and shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard")
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("dashboard shutdown: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Broadcast queues msg for every connected client. It never blocks; when
// the queue is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast queue full, dropping message", "type", msg.Type)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to send to client", "error", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	hello, _ := json.Marshal(Message{
		Type:      MessageTypeHello,
		Timestamp: time.Now(),
		Data:      s.handler.statsJSON(),
	})
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, hello)
	cancel()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "clients", count)

	go s.readLoop(conn)
}

// readLoop holds the connection open until the client goes away.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", "clients", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := false
	if e := s.getEngine(); e != nil {
		ready = e.Status().Ready
	}
	code, status := http.StatusOK, "ok"
	if !ready {
		code, status = http.StatusServiceUnavailable, "starting"
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	e := s.getEngine()
	if e == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not attached"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"engine": e.Status(),
		"events": s.handler.Stats(),
	})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if s.config.AdminToken == "" {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin endpoint disabled"})
		return
	}
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	e := s.getEngine()
	if e == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine not attached"})
		return
	}
	if state := e.Status().State; state != engine.StateIdle.String() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "busy", "state": state})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.config.ResyncTimeout)
		defer cancel()
		if _, err := e.TriggerResync(ctx); err != nil {
			s.logger.Error("resync from dashboard failed", "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) == 1
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>sheetsync</title>
</head>
<body>
    <h1>sheetsync dashboard</h1>
    <p>Event stream: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/status">/status</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
