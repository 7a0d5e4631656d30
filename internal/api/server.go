package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/outreachd/outreachd/internal/config"
	"github.com/outreachd/outreachd/internal/dispatch"
	"github.com/outreachd/outreachd/internal/ipfilter"
	"github.com/outreachd/outreachd/internal/metrics"
	"github.com/outreachd/outreachd/internal/schedule"
	"github.com/outreachd/outreachd/internal/sequence"
	"github.com/outreachd/outreachd/internal/store"
	"github.com/outreachd/outreachd/internal/template"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	sequencer  *sequence.Sequencer
	templates  *template.Engine
	config     *config.APIConfig
	defaults   schedule.Settings
	logger     *slog.Logger
	filter     *ipfilter.Filter
	startTime  time.Time
	version    string
}

// NewServer creates a new API server. defaults is the send window applied
// to campaigns created without an explicit schedule.
func NewServer(s *store.Store, d *dispatch.Dispatcher, seq *sequence.Sequencer, tmpl *template.Engine, cfg *config.APIConfig, defaults schedule.Settings, version string, logger *slog.Logger) *Server {
	srv := &Server{
		router:     chi.NewRouter(),
		store:      s,
		dispatcher: d,
		sequencer:  seq,
		templates:  tmpl,
		config:     cfg,
		defaults:   defaults,
		logger:     logger,
		filter:     ipfilter.New(cfg.AllowedIPs, logger),
		startTime:  time.Now(),
		version:    version,
	}

	srv.setupRoutes()
	return srv
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.filter.HTTPMiddleware)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleCreateCampaign)
			r.Get("/{id}", s.handleGetCampaign)
			r.Post("/{id}/pause", s.handlePauseCampaign)
			r.Post("/{id}/resume", s.handleResumeCampaign)
			r.Post("/{id}/prospects", s.handleAddProspects)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueue)
			r.Get("/{id}", s.handleGetItem)
			r.Post("/{id}/retry", s.handleRetryItem)
			r.Delete("/{id}", s.handleDeleteItem)
		})

		r.Post("/prospects/{id}/reset", s.handleResetProspect)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/reply", s.handleReplyWebhook)
			r.Post("/runner", s.handleRunnerCallback)
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}
