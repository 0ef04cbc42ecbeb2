// Package gateway is the relay's HTTP surface: a websocket endpoint that fans
// live events out to every connected viewer, and REST ingress handlers that
// translate browser actions into store writes, host calls, and broadcasts.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/basket/relay/internal/bus"
	"github.com/basket/relay/internal/host"
	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/reconcile"
)

// Config wires the server's collaborators.
type Config struct {
	Store      *persistence.Store
	Bus        *bus.Bus
	Reconciler *reconcile.Reconciler
	Host       *host.Client

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// MaxUploadBytes caps /api/files uploads. 0 means the 32 MiB default.
	MaxUploadBytes int64

	Logger  *slog.Logger
	Metrics *otel.Metrics
}

// Server owns the live subscriber registry and the REST handlers.
type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

// New returns a Server ready to serve.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = maxUploadSize
	}
	return &Server{
		cfg:     cfg,
		clients: map[*wsClient]struct{}{},
	}
}

// publish broadcasts a domain event and counts it, so the published-events
// metric covers every topic regardless of which handler emitted it.
func (s *Server) publish(ctx context.Context, topic string, payload any) {
	s.cfg.Bus.Publish(topic, payload)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.EventsPublished.Add(ctx, 1)
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/api/events/task", s.handleTaskEvent)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/", s.handleConversationByID)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/files", s.handleFileUpload)
	mux.HandleFunc("/api/files/", s.handleFileByID)
	mux.HandleFunc("/api/key", s.handleKeyUpdate)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.Ping(r.Context()) == nil
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"subscribers": s.SubscriberCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// SubscriberCount returns the number of connected websocket viewers.
func (s *Server) SubscriberCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Subscribers.Add(context.Background(), 1)
	}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	_, present := s.clients[c]
	delete(s.clients, c)
	s.clientsMu.Unlock()
	if present && s.cfg.Metrics != nil {
		s.cfg.Metrics.Subscribers.Add(context.Background(), -1)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
