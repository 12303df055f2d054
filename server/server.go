// Package server is the HTTP façade: document upload and analysis,
// task and test-case management, workflow triggers, and report
// download. Workflow runs are dispatched to a bounded background
// runner; handlers never block on a model or sandbox call.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/algotest/algotest/config"
	"github.com/algotest/algotest/document"
	"github.com/algotest/algotest/graph"
	"github.com/algotest/algotest/graph/emit"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/sandbox"
	"github.com/algotest/algotest/store"
)

// Server wires the handlers to their collaborators.
type Server struct {
	cfg       config.Config
	db        *store.DB
	gateway   llm.Gateway
	extractor *document.Extractor
	logger    *slog.Logger
	runner    *Runner
	emitter   emit.Emitter
	metrics   *graph.Metrics
	registry  *prometheus.Registry

	// dial opens the executor session for one workflow run. Swappable
	// in tests.
	dial func(ctx context.Context) (sandbox.ToolCaller, error)
}

// New builds a Server. The registry carries the workflow metrics and
// backs the /metrics endpoint.
func New(cfg config.Config, db *store.DB, gateway llm.Gateway, extractor *document.Extractor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	s := &Server{
		cfg:       cfg,
		db:        db,
		gateway:   gateway,
		extractor: extractor,
		logger:    logger,
		runner:    NewRunner(db, logger, cfg.Server.Workers),
		emitter:   emit.NewLogEmitter(logger),
		metrics:   graph.NewMetrics(registry),
		registry:  registry,
	}
	s.dial = func(ctx context.Context) (sandbox.ToolCaller, error) {
		sess, err := sandbox.Dial(ctx, cfg.Executor.SSEURL, logger)
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", s.handleUploadDocument)
		r.Post("/documents/{documentID}/analyze", s.handleAnalyzeDocument)
		r.Get("/documents", s.handleListDocuments)

		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Put("/tasks/{taskID}", s.handleUpdateTask)
		r.Delete("/tasks/{taskID}", s.handleDeleteTask)
		r.Post("/tasks/{taskID}/prepare", s.handlePrepareTask)
		r.Post("/tasks/{taskID}/execute", s.handleExecuteTask)
		r.Post("/tasks/{taskID}/release", s.handleReleaseTask)
		r.Post("/tasks/{taskID}/report", s.handleReportTask)

		r.Get("/testcases", s.handleListCases)
		r.Get("/testcases/{caseID}", s.handleGetCase)
		r.Post("/testcases", s.handleCreateCase)
		r.Put("/testcases/{caseID}", s.handleUpdateCase)
		r.Delete("/testcases/{caseID}", s.handleDeleteCase)

		r.Get("/reports/{taskID}/list", s.handleListReports)
		r.Get("/reports/download/{taskID}/{name}", s.handleDownloadReport)
	})

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", s.handleHealth)
	return r
}

// Shutdown waits for in-flight workflow runs to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.runner.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed", time.Since(start))
	})
}
