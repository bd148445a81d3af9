package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/specrun/internal/model"
	"github.com/seantiz/specrun/internal/project"
	"github.com/seantiz/specrun/internal/protocol"
	"github.com/seantiz/specrun/internal/queue"
	"github.com/seantiz/specrun/internal/remote"
	"github.com/seantiz/specrun/internal/report"
	"github.com/seantiz/specrun/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Controller is the engine surface the API drives. *remote.Controller
// satisfies it.
type Controller interface {
	Project() project.Project
	State() remote.State
	Startup() remote.StartupResult
	QueueState() model.QueueState
	Subscribe(kind string) (<-chan protocol.Message, func())
	StartBatch(req remote.BatchRequest) *remote.Future[model.BatchResult]
	RunSpec(id string, spec *model.Specification) *remote.Future[model.SpecRecord]
	Stop() *remote.Future[[]string]
}

// Catalog lists the specifications of the project on disk.
type Catalog interface {
	Summaries() []model.SpecSummary
	Select(f queue.Filter) []string
	LoadSpecification(ctx context.Context, id string) (*model.Specification, error)
}

// Archiver uploads finished batch documents.
type Archiver interface {
	Archive(ctx context.Context, doc *report.Document) (string, error)
}

// Deps holds the collaborators of a Server. Archiver is optional.
type Deps struct {
	Controller Controller
	Catalog    Catalog
	Store      store.Store
	Archiver   Archiver
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	ctrl     Controller
	catalog  Catalog
	store    store.Store
	archiver Archiver
	logger   *slog.Logger
	addr     string

	// background tracks runs started without ?wait so their records are
	// persisted before shutdown returns.
	background sync.WaitGroup
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, deps Deps, logger *slog.Logger) *Server {
	srv := &Server{
		router:   chi.NewRouter(),
		ctrl:     deps.Controller,
		catalog:  deps.Catalog,
		store:    deps.Store,
		archiver: deps.Archiver,
		logger:   logger,
		addr:     addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/fixtures", s.handleGetFixtures)
	s.router.Get("/v1/queue", s.handleGetQueue)
	s.router.Get("/v1/queue/stream", s.handleStream(protocol.KindQueueState))
	s.router.Get("/v1/progress/stream", s.handleStream(protocol.KindSpecProgress))
	s.router.Post("/v1/batch", s.handleStartBatch)
	s.router.Post("/v1/stop", s.handleStop)
	s.router.Get("/v1/records", s.handleListRecords)
	s.router.Get("/v1/stats", s.handleGetStats)

	// Specification ids are project-relative paths, so they are matched
	// with a catch-all.
	s.router.Route("/v1/specs", func(r chi.Router) {
		r.Get("/", s.handleListSpecs)
		r.Get("/*", s.handleGetSpec)
		r.Put("/*", s.handleSaveSpec)
		r.Post("/*", s.handleRunSpec)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// the server down and waits for background runs to be recorded.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	// Only the running specification is waited for.
	cancelled, err := s.ctrl.Stop().Wait(stopTimeout)
	if err != nil {
		s.logger.Warn("stop queued specifications", "error", err)
	} else if len(cancelled) > 0 {
		s.logger.Info("cancelled queued specifications", "count", len(cancelled))
	}

	s.Wait()
	s.logger.Info("server stopped")
	return nil
}

// Wait blocks until every background run has been recorded.
func (s *Server) Wait() {
	s.background.Wait()
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
