// Package dashboard serves the bridge status surface: a JSON snapshot
// endpoint plus a websocket stream that pushes fresh per-workspace
// record counts whenever they change.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/syncforge/ghbridge/internal/ledger"
)

// MessageType identifies websocket message kinds.
type MessageType string

const (
	// MessageTypeStatus carries a full per-workspace state snapshot.
	MessageTypeStatus MessageType = "status"
)

// Message is the wire format pushed to dashboard clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// StatusSource supplies the snapshot; implemented by registry.Registry.
type StatusSource interface {
	Status(ctx context.Context) (map[string]ledger.StateCounts, error)
}

// Config holds dashboard server settings.
type Config struct {
	// Port to listen on. 0 picks a free port (tests).
	Port int
	// PollInterval bounds how often the source is re-checked for pushes.
	PollInterval time.Duration
	Logger       *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:         8481,
		PollInterval: 2 * time.Second,
		Logger:       log.New(os.Stderr, "", log.LstdFlags),
	}
}

// Server is the status dashboard HTTP and websocket server.
type Server struct {
	config Config
	log    *log.Logger
	source StatusSource

	mu      sync.RWMutex
	clients map[*websocket.Conn]bool

	listener  net.Listener
	server    *http.Server
	broadcast chan Message
	done      chan struct{}
	closeOne  sync.Once
}

// NewServer creates a dashboard server reading from source.
func NewServer(config Config, source StatusSource) *Server {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	return &Server{
		config:    config,
		log:       config.Logger,
		source:    source,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		done:      make(chan struct{}),
	}
}

// Start begins serving. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Printf("[dashboard] server error: %v", err)
		}
	}()
	go s.broadcastLoop()
	go s.pollLoop()

	s.log.Printf("[dashboard] listening on %s", listener.Addr())
	return nil
}

// GetAddr returns the bound address, for tests using port 0.
func (s *Server) GetAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Stop closes all client connections and shuts the server down.
func (s *Server) Stop() error {
	s.closeOne.Do(func() { close(s.done) })

	s.mu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.mu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// pollLoop re-reads the status source and queues a push when the
// snapshot changed since the previous one.
func (s *Server) pollLoop() {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if s.ClientCount() == 0 {
			continue
		}
		snapshot, err := s.snapshot()
		if err != nil {
			s.log.Printf("[dashboard] status read failed: %v", err)
			continue
		}
		if string(snapshot) == string(last) {
			continue
		}
		last = snapshot
		select {
		case s.broadcast <- Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: snapshot}:
		default:
			// Stream is best effort; /status always has the truth.
		}
	}
}

func (s *Server) snapshot() (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := s.source.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(status)
}

func (s *Server) broadcastLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Printf("[dashboard] failed to marshal message: %v", err)
				continue
			}
			s.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.mu.RUnlock()
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					s.removeClient(conn)
				}
				cancel()
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Printf("[dashboard] websocket accept failed: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	// Greet with the current snapshot so clients need no initial poll.
	if snapshot, err := s.snapshot(); err == nil {
		msg := Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: snapshot}
		if data, err := json.Marshal(msg); err == nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, data)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop discards client frames and detects disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	if s.clients[conn] {
		delete(s.clients, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	s.mu.Unlock()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.source.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
