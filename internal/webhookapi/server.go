// Package webhookapi is the HTTP ingress for remote webhook deliveries.
//
// Deliveries arrive as POST /webhook/{installation} with the event type
// and delivery id in headers and an HMAC-SHA256 signature over the body.
// Valid events are handed to the registry for fan-out; the response is
// sent before reconciliation finishes, matching the remote's
// at-least-once delivery contract.
package webhookapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/syncforge/ghbridge/internal/remote"
)

const maxPayloadBytes = 10 << 20

// Dispatcher receives parsed events; implemented by registry.Registry.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *remote.Event) error
}

// Config holds webhook server settings.
type Config struct {
	// Addr is the bind address, e.g. ":8480".
	Addr string
	// Secret signs deliveries. Empty disables signature checks (tests,
	// trusted networks).
	Secret string
	Logger *log.Logger
}

// Server accepts webhook deliveries and forwards them to a dispatcher.
type Server struct {
	cfg    Config
	log    *log.Logger
	disp   Dispatcher
	server *http.Server
}

// NewServer creates the webhook server. Call Start to begin serving.
func NewServer(cfg Config, disp Dispatcher) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Server{cfg: cfg, log: cfg.Logger, disp: disp}
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/webhook/{installation}", s.handleDelivery)
	r.Get("/health", s.handleHealth)
	return r
}

// Start begins listening. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Printf("[webhook] listening on %s", s.cfg.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	installation, err := strconv.Atoi(chi.URLParam(r, "installation"))
	if err != nil {
		http.Error(w, "bad installation id", http.StatusBadRequest)
		return
	}
	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if eventType == "" {
		http.Error(w, "missing event type header", http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	if !s.verifySignature(r.Header.Get("X-Hub-Signature-256"), payload) {
		s.log.Printf("[webhook] rejected delivery %s: bad signature", deliveryID)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if eventType == remote.EventPing {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ev, err := remote.ParseEvent(eventType, deliveryID, payload)
	if err != nil {
		s.log.Printf("[webhook] delivery %s: %v", deliveryID, err)
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if ev.InstallationID == 0 {
		ev.InstallationID = installation
	} else if ev.InstallationID != installation {
		http.Error(w, "installation mismatch", http.StatusBadRequest)
		return
	}

	s.log.Printf("[webhook] delivery %s: %s/%s installation %d", deliveryID, ev.Type, ev.Action, ev.InstallationID)

	// Acknowledge before reconciling; redelivery of a lost event is a
	// no-op downstream.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.disp.Dispatch(ctx, ev); err != nil {
			s.log.Printf("[webhook] delivery %s failed: %v", deliveryID, err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) verifySignature(header string, payload []byte) bool {
	if s.cfg.Secret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(want))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}
