package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/dispatch"
	"github.com/foxzi/outreach/internal/engine"
	"github.com/foxzi/outreach/internal/ipfilter"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/store"
	"github.com/foxzi/outreach/internal/vault"
)

// Deps are the services behind the API
type Deps struct {
	Engine  *engine.Engine
	Store   *store.BoltStore
	Vault   *vault.Vault
	Limiter *ratelimit.Limiter
	Plans   ratelimit.PlanSource
	// Sandbox is set when the sandbox provider is in use
	Sandbox *dispatch.SandboxProvider
	Version string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, filter *ipfilter.Filter, logger *slog.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Store == nil || deps.Vault == nil || deps.Limiter == nil || deps.Plans == nil {
		return nil, fmt.Errorf("api: engine, store, vault, limiter and plans are required")
	}

	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		config:    cfg,
		filter:    filter,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
	}
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)
	if s.filter != nil {
		s.router.Use(s.filter.Middleware)
	}

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.bodyLimit)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleListCampaigns)
			r.Post("/", s.handleLaunch)
			r.Get("/{id}", s.handleCampaignStatus)
			r.Delete("/{id}", s.handleDeleteCampaign)
			r.Post("/{id}/start", s.handleStart)
			r.Post("/{id}/pause", s.handlePause)
			r.Post("/{id}/resume", s.handleResume)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Get("/{id}/contacts", s.handleListContacts)
			r.Get("/{id}/contacts/{contact}", s.handleGetContact)
		})

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Put("/credential", s.handlePutCredential)
			r.Delete("/credential", s.handleDeleteCredential)
			r.Get("/suppressions", s.handleListSuppressions)
			r.Post("/suppressions", s.handleAddSuppression)
			r.Delete("/suppressions/{email}", s.handleRemoveSuppression)
			r.Post("/replies", s.handleRecordReply)
			r.Get("/ratelimit", s.handleRateLimit)
		})

		if s.deps.Sandbox != nil {
			r.Route("/sandbox", func(r chi.Router) {
				r.Get("/messages", s.handleSandboxList)
				r.Get("/messages/{id}", s.handleSandboxGet)
				r.Get("/messages/{id}/raw", s.handleSandboxRaw)
				r.Delete("/messages", s.handleSandboxClear)
			})
		}
	})
}

// Handler returns the HTTP handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve accepts connections on l
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting HTTP API server", "addr", l.Addr().String())
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	return s.httpServer.Shutdown(ctx)
}
