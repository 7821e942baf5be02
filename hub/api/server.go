// Package api provides the HTTP surface of the relay hub: the WebSocket
// endpoints, status and audit queries, health checks and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/amurg-ai/relay/hub/auth"
	"github.com/amurg-ai/relay/hub/config"
	"github.com/amurg-ai/relay/hub/metrics"
	"github.com/amurg-ai/relay/hub/registry"
	"github.com/amurg-ai/relay/hub/router"
	"github.com/amurg-ai/relay/hub/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store // nil when the audit log is disabled
	authProvider auth.Provider
	router       *router.Router
	metrics      *metrics.Metrics
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	statusToken  string
	upgradeRL    *rateLimiter
}

// NewServer creates a new API server.
func NewServer(rt *router.Router, ap auth.Provider, s store.Store, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: ap,
		router:       rt,
		metrics:      m,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		statusToken:  cfg.Server.StatusToken,
		upgradeRL:    newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", m.Handler())

	// WebSocket routes (auth handled inside), rate-limited by IP
	mux.Group(func(r chi.Router) {
		r.Use(ipRateLimitMiddleware(srv.upgradeRL))
		r.Get("/ws/runtime", rt.HandleRuntimeWS)
		r.Get("/ws/agent", rt.HandleAgentWS)
	})

	mux.Group(func(r chi.Router) {
		r.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))
		r.With(srv.statusTokenMiddleware).Get("/api/status", srv.handleStatus)
		r.With(srv.projectAuthMiddleware).Get("/api/projects/{projectID}/events", srv.handleListEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of the upgrade rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.upgradeRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	registry.ConnectionStatus
	PendingRequests int    `json:"pendingRequests"`
	Uptime          string `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		ConnectionStatus: s.router.Status(),
		PendingRequests:  s.router.Pending(),
		Uptime:           time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusNotFound, "audit log disabled")
		return
	}
	projectID := chi.URLParam(r, "projectID")
	if id := getIdentityFromContext(r.Context()); id != nil {
		s.logger.Debug("connection events requested", "project_id", projectID, "subject", id.Subject)
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	events, err := s.store.ListConnectionEvents(r.Context(), projectID, limit)
	if err != nil {
		s.logger.Error("list connection events failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []store.ConnectionEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

var errNoBearer = errors.New("missing bearer token")
