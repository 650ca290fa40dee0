package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/ehrprivacy/internal/config"
	"github.com/inferloop/ehrprivacy/internal/observability/metrics"
	"github.com/inferloop/ehrprivacy/internal/privacy"
)

// Dependencies are the components the handlers serve requests with.
type Dependencies struct {
	Budgets       *privacy.BudgetManager
	Anonymization config.AnonymizationConfig
	Privacy       *privacy.PrivacyConfig
	// Metrics may be nil; /metrics is then not mounted.
	Metrics *metrics.PrometheusMetrics
	// Mechanism overrides the Laplace mechanism, for tests.
	Mechanism privacy.Mechanism
	// Ping reports storage reachability for /health/ready. Optional.
	Ping func(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	logger     *logrus.Logger
	config     *Config
	handlers   *Handlers
	metrics    *metrics.PrometheusMetrics
	limiter    *sessionLimiter
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *Config, deps Dependencies, logger *logrus.Logger) (*Server, error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}

	handlers, err := NewHandlers(deps, cfg, logger)
	if err != nil {
		return nil, err
	}

	server := &Server{
		router:   mux.NewRouter(),
		logger:   logger,
		config:   cfg,
		handlers: handlers,
		metrics:  deps.Metrics,
	}
	if cfg.QueryRateLimit > 0 {
		server.limiter = newSessionLimiter(cfg.QueryRateLimit, cfg.QueryBurst)
	}

	server.setupRoutes()
	server.setupMiddleware()

	server.httpServer = &http.Server{
		Addr:         cfg.GetAddress(),
		Handler:      server.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return server, nil
}

// Start serves until Stop is called. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Infof("Starting HTTP server on %s", s.config.GetAddress())
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("Error shutting down HTTP server: %v", err)
		return err
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// setupMiddleware sets up HTTP middleware
func (s *Server) setupMiddleware() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)
	s.router.Use(s.requestIDMiddleware)
	if len(s.config.AllowedOrigins) > 0 {
		s.router.Use(s.corsMiddleware)
	}
	s.router.Use(s.requestSizeLimitMiddleware)
	s.router.Use(s.securityHeadersMiddleware)
}

// GetRouter returns the HTTP router
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetConfig returns the server configuration
func (s *Server) GetConfig() *Config {
	return s.config
}
