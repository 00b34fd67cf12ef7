package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/conveyor/internal/adapters/github"
	"github.com/alekspetrov/conveyor/internal/autopilot"
	"github.com/alekspetrov/conveyor/internal/logging"
)

// maxWebhookBody caps the size of a webhook delivery.
const maxWebhookBody = 5 << 20

// Loop is the read side of the controller the gateway exposes.
type Loop interface {
	Status(ctx context.Context) (*autopilot.Status, error)
	Metrics() *autopilot.Metrics
}

// Server is the HTTP trigger surface: GitHub webhooks in, status, metrics and
// a live event stream out. Server is safe for concurrent use.
type Server struct {
	config   *Config
	loop     Loop
	webhooks *github.WebhookHandler
	hub      *Hub
	auth     *Authenticator
	upgrader websocket.Upgrader
	server   *http.Server
	mu       sync.RWMutex
	running  bool

	bg       context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup
}

// Config holds gateway server configuration including network binding options.
type Config struct {
	// Host is the network interface to bind to (e.g., "127.0.0.1" or "0.0.0.0").
	Host string `yaml:"host"`
	// Port is the TCP port number to listen on.
	Port int `yaml:"port"`
	// WebhookTimeout bounds the asynchronous work triggered by one delivery.
	WebhookTimeout time.Duration `yaml:"webhook_timeout"`
	// APIToken, when set, is required as a bearer token on /api/v1/* and /ws.
	APIToken string `yaml:"api_token,omitempty"`
}

// DefaultConfig returns the default gateway binding.
func DefaultConfig() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           9090,
		WebhookTimeout: 5 * time.Minute,
	}
}

// NewServer creates a new gateway server with the given configuration.
// The server is not started until Start is called. webhooks may be nil, in
// which case deliveries are acknowledged and dropped.
func NewServer(config *Config, loop Loop, webhooks *github.WebhookHandler) *Server {
	bg, stop := context.WithCancel(context.Background())
	s := &Server{
		config:   config,
		loop:     loop,
		webhooks: webhooks,
		hub:      NewHub(),
		bg:       bg,
		stop:     stop,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Allow requests with no origin (same-origin, CLI tools, etc.)
				if origin == "" {
					return true
				}
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
	}
	if config.APIToken != "" {
		s.auth = NewAuthenticator(config.APIToken)
	}
	return s
}

// Hub returns the event hub; register it as the controller's event sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)

	// Webhooks use signature validation, not bearer auth.
	r.Post("/webhooks/github", s.handleGitHubWebhook)

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.auth.Middleware)
		}
		r.With(middleware.Timeout(30*time.Second)).Get("/api/v1/status", s.handleStatus)
		r.Get("/ws", s.handleEvents)
	})

	return r
}

// Start starts the gateway server and blocks until the context is cancelled
// or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // /ws streams indefinitely
		IdleTimeout:  60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	logging.WithComponent("gateway").Info("Gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server with a 30-second timeout and
// waits for in-flight webhook work.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stop()
	s.hub.Close()
	defer s.inflight.Wait()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.running = false
	return s.server.Shutdown(ctx)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleStatus returns the loop's current view.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.loop.Status(r.Context())
	if err != nil {
		logging.WithComponent("gateway").Warn("Status failed", slog.Any("error", err))
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleMetrics serves the Prometheus text exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := NewPrometheusExporter(s.loop.Metrics()).WritePrometheus(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleGitHubWebhook verifies and acknowledges a delivery, then runs the
// triggered loop step in the background.
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	log := logging.WithComponent("gateway")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if s.webhooks != nil && !s.webhooks.VerifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		log.Warn("Rejected webhook with invalid signature")
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	// GitHub sends event type in header
	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "ping" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}

	payload, err := github.ParsePayload(body)
	if err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	delivery := r.Header.Get("X-GitHub-Delivery")
	if delivery == "" {
		delivery = uuid.NewString()
	}
	log.Info("Received GitHub webhook",
		slog.String("event_type", eventType),
		slog.String("action", payload.Action),
		slog.String("delivery", delivery))

	if s.webhooks != nil {
		s.dispatch(eventType, payload, delivery)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) dispatch(eventType string, payload *github.WebhookPayload, delivery string) {
	timeout := s.config.WebhookTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(s.bg, timeout)
	ctx = logging.ContextWithCorrelationID(ctx, delivery)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer cancel()
		if err := s.webhooks.Handle(ctx, eventType, payload); err != nil {
			logging.WithContext(ctx).Warn("Webhook processing failed",
				slog.String("event_type", eventType), slog.Any("error", err))
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
