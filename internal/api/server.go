package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/studiobridge/internal/auth"
	"github.com/mattjoyce/studiobridge/internal/catalog"
	"github.com/mattjoyce/studiobridge/internal/dispatch"
	"github.com/mattjoyce/studiobridge/internal/events"
	"github.com/mattjoyce/studiobridge/internal/executor"
	"github.com/mattjoyce/studiobridge/internal/planner"
	"github.com/mattjoyce/studiobridge/internal/queue"
	"github.com/mattjoyce/studiobridge/internal/scene"
)

// Version is reported by /healthz.
const Version = "1.0.0"

// QueueReader is the read-only view of the queue used by health and stats.
type QueueReader interface {
	Depth(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
	ListRecent(ctx context.Context, limit int) ([]*queue.Record, error)
}

// PlanGenerator produces plans for the assistant endpoints.
type PlanGenerator interface {
	Generate(ctx context.Context, req planner.Request) (*planner.Plan, error)
	Providers() []string
}

// PlanExecutor enqueues a plan.
type PlanExecutor interface {
	Execute(ctx context.Context, plan *planner.Plan, opts executor.Options) (*executor.Handle, error)
}

// SceneReader returns the latest scene snapshot.
type SceneReader interface {
	Get(ctx context.Context) (scene.Snapshot, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey grants every scope. With no APIKey and no Tokens the API is open.
	APIKey string
	Tokens []auth.TokenConfig

	RequestsPerMinute int
	Burst             int

	DefaultPullLimit int
	MaxPullLimit     int
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Dispatch *dispatch.Service
	Queue    QueueReader
	Catalog  *catalog.Catalog
	Planner  PlanGenerator
	Executor PlanExecutor
	Scene    SceneReader
	Events   *events.Hub
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	limiter   *keyLimiter
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.DefaultPullLimit <= 0 {
		config.DefaultPullLimit = queue.DefaultLeaseLimit
	}
	if config.MaxPullLimit <= 0 || config.MaxPullLimit > queue.MaxLeaseLimit {
		config.MaxPullLimit = queue.MaxLeaseLimit
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:    config,
		deps:      deps,
		limiter:   newKeyLimiter(config.RequestsPerMinute, config.Burst),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: /bridge/stream holds connections open.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.authEnabled())

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
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/bridge/health", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		read := r.With(s.requireScopes(auth.ScopeCommandsRead))
		write := r.With(s.requireScopes(auth.ScopeCommandsRW))
		worker := r.With(s.requireScopes(auth.ScopeWorker))

		write.Post("/bridge/command", s.handleSubmit)
		write.Post("/bridge/commands/batch", s.handleSubmitBatch)
		write.Post("/bridge/commands/{id}/requeue", s.handleRequeue)
		read.Get("/bridge/commands/recent", s.handleRecent)
		read.Get("/bridge/commands/{id}", s.handleStatus)
		read.Get("/bridge/commands/{id}/history", s.handleHistory)
		read.Get("/bridge/stats", s.handleStats)
		read.Get("/bridge/stream", s.handleEvents)
		read.Get("/bridge/catalog", s.handleCatalog)
		read.Get("/bridge/openapi.json", s.handleOpenAPI)
		read.Get("/bridge/introspection/scene", s.handleScene)

		worker.Get("/bridge/commands", s.handlePull)
		worker.Post("/bridge/results", s.handleReport)
		worker.Post("/bridge/results/batch", s.handleReportBatch)

		r.With(s.requireScopes(auth.ScopeAssistantRO)).Get("/bridge/assistant/templates", s.handleTemplates)
		r.With(s.requireScopes(auth.ScopeAssistantRO)).Post("/bridge/assistant/plan", s.handlePlan)
		r.With(s.requireScopes(auth.ScopeAssistantRW)).Post("/bridge/assistant/execute", s.handleExecute)

		for _, entry := range s.deps.Catalog.List() {
			write.Post("/bridge/"+entry.Route, s.handleRouteSubmit(entry))
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		level := slog.LevelInfo
		if strings.HasPrefix(r.URL.Path, "/bridge/commands") && r.Method == http.MethodGet && ww.Status() < 400 {
			// Workers poll constantly.
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
