// Package server exposes the broker over HTTP: the websocket upgrade
// endpoints for agents and dashboards, health and readiness probes,
// Prometheus metrics, and a small read-only ops API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/switchboard-dev/switchboard/internal/broker"
	"github.com/switchboard-dev/switchboard/internal/config"
	"github.com/switchboard-dev/switchboard/internal/metrics"
	"github.com/switchboard-dev/switchboard/internal/store"
)

// Store is the slice of the persistence layer the HTTP surface needs.
// Both store.SQLite and store.Memory satisfy it.
type Store interface {
	Ping(ctx context.Context) error
	Agents() store.AgentService
	RecentAuditEvents(ctx context.Context, limit int) ([]store.AuditEvent, error)
}

// Server routes HTTP traffic into the broker.
type Server struct {
	cfg      *config.Config
	log      zerolog.Logger
	broker   *broker.Broker
	store    Store
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	limits   *ipLimiter
	router   *chi.Mux
}

func New(cfg *config.Config, log zerolog.Logger, b *broker.Broker, st Store, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "server").Logger(),
		broker:  b,
		store:   st,
		metrics: m,
		limits:  newIPLimiter(rate.Limit(cfg.UpgradeRate), cfg.UpgradeBurst),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.securityHeaders)

	// Probes and metrics
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// WebSocket entry points
	r.Get("/ws/agent", s.handleAgentSocket)
	r.Get("/ws/dashboard", s.handleDashboardSocket)

	// Read-only ops API
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/agents", s.handleAgents)
		r.Get("/connections", s.handleConnections)
		r.Get("/audit", s.handleAudit)
	})

	s.router = r
}

// checkOrigin enforces the configured origin allowlist. An empty list
// admits everything; requests without an Origin header (agents, CLI
// tools) always pass.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs completed API requests. WebSocket upgrades are
// skipped; they are long-lived and logged by the broker instead.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// Run serves until the context ends, then shuts down gracefully within
// cfg.ShutdownTimeout. Live websocket sessions are not waited for; the
// broker closes those itself.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}
