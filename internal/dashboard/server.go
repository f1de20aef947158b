// Package dashboard serves queue state over HTTP and streams queue events
// to WebSocket clients.
//
// Endpoints:
//
//	GET /health          liveness and client count
//	GET /stats           engine.Stats as JSON
//	GET /items?status=   queue items, optionally filtered by status
//	GET /ws              event stream; stats on connect and every interval
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/syncq/internal/engine"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeEvent carries one engine.Event.
	MessageTypeEvent MessageType = "event"

	// MessageTypeStats carries engine.Stats.
	MessageTypeStats MessageType = "stats"
)

// Message is one WebSocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Source is the queue being observed. *engine.Manager satisfies it.
type Source interface {
	Stats() engine.Stats
	Items(f engine.ItemFilter) []engine.Item
	Subscribe(fn func(engine.Event)) (unsubscribe func())
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8080". Port 0 picks a free port.
	Addr string

	// StatsInterval is how often stats are pushed to clients. Zero
	// disables the periodic push.
	StatsInterval time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:          "127.0.0.1:8080",
		StatsInterval: 5 * time.Second,
		Logger:        slog.Default(),
	}
}

// Server exposes a Source over HTTP and WebSocket.
type Server struct {
	addr     string
	interval time.Duration
	source   Source
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast   chan Message
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// NewServer creates a dashboard server for source.
func NewServer(source Source, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      config.Addr,
		interval:  config.StatsInterval,
		source:    source,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Handler returns the HTTP routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /items", s.handleItems)
	return mux
}

// Start listens, subscribes to queue events and begins broadcasting.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.unsubscribe = s.source.Subscribe(s.onEvent)

	s.wg.Add(1)
	go s.broadcastLoop()

	if s.interval > 0 {
		s.wg.Add(1)
		go s.statsLoop()
	}

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

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
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
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues msg for every client. Messages are dropped when the
// queue is full rather than blocking the caller.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", "type", string(msg.Type))
	}
}

func (s *Server) onEvent(ev engine.Event) {
	msg, err := newMessage(MessageTypeEvent, ev)
	if err != nil {
		s.logger.Error("failed to marshal event", "error", err)
		return
	}
	msg.Timestamp = ev.At
	s.Broadcast(msg)
}

func (s *Server) statsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.ClientCount() == 0 {
				continue
			}
			if msg, err := newMessage(MessageTypeStats, s.source.Stats()); err == nil {
				s.Broadcast(msg)
			}
		}
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
				s.logger.Error("failed to marshal message", "error", err)
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

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "clients", count)

	if msg, err := newMessage(MessageTypeStats, s.source.Stats()); err == nil {
		msg.Timestamp = time.Now()
		data, _ := json.Marshal(msg)
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop detects client disconnects; client messages are ignored.
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
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
		"online":  s.source.Stats().IsOnline,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Stats())
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	var f engine.ItemFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := engine.ParseStatus(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		f.Status = st
	}
	f.EntityType = r.URL.Query().Get("entity_type")
	f.EntityID = r.URL.Query().Get("entity_id")

	items := s.source.Items(f)
	if items == nil {
		items = []engine.Item{}
	}
	s.writeJSON(w, http.StatusOK, items)
}

func newMessage(typ MessageType, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Data: data}, nil
}

// writeJSON encodes v before writing the header, so an encoding failure
// becomes a 500 instead of an empty 200.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
