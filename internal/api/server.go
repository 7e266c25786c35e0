package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/envgate/internal/catalog"
	"github.com/mattjoyce/envgate/internal/events"
	"github.com/mattjoyce/envgate/internal/workspace"
)

// Orchestrator is the activation surface the API exposes over HTTP.
type Orchestrator interface {
	List(ctx context.Context, scope workspace.Scope, force bool) ([]catalog.Candidate, error)
	Get(ctx context.Context, scope workspace.Scope) (*catalog.Candidate, error)
	Set(ctx context.Context, scope workspace.Scope, candidate catalog.Candidate, forceReinstall bool) error
	Clear(ctx context.Context, scope workspace.Scope) error
	Refresh(ctx context.Context, scope workspace.Scope) error
	Resolve(ctx context.Context, scope workspace.Scope, path string) (*catalog.Candidate, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the single bearer token protecting the API.
	APIKey string
}

// Server represents the HTTP API server
type Server struct {
	config       Config
	orchestrator Orchestrator
	scopes       map[string]workspace.Scope // by workspace name
	events       *events.Hub
	logger       *slog.Logger
	server       *http.Server
	startedAt    time.Time
}

// New creates a new API server instance
func New(config Config, orchestrator Orchestrator, scopes map[string]workspace.Scope, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:       config,
		orchestrator: orchestrator,
		scopes:       scopes,
		events:       hub,
		logger:       logger,
		startedAt:    time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Activation builds can take minutes on a cold venv.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/openapi.json", s.handleOpenAPI)
		r.Get("/workspaces", s.handleWorkspaces)
		r.Get("/events", s.handleEvents)
		r.Route("/workspace/{workspace}", func(r chi.Router) {
			r.Get("/envs", s.handleListEnvs)
			r.Post("/refresh", s.handleRefresh)
			r.Get("/resolve", s.handleResolve)
			r.Get("/current", s.handleGetCurrent)
			r.Put("/current", s.handleSetCurrent)
			r.Delete("/current", s.handleClearCurrent)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// scope resolves the {workspace} URL parameter against the configured
// workspaces. ok is false when the name is unknown (a 404 was written).
func (s *Server) scope(w http.ResponseWriter, r *http.Request) (workspace.Scope, bool) {
	name := chi.URLParam(r, "workspace")
	scope, exists := s.scopes[name]
	if !exists {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown workspace %q", name))
		return workspace.Scope{}, false
	}
	return scope, true
}
