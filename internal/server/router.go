package server

import (
	"net/http"
)

const apiPrefix = "/api/v1"

// setupRoutes sets up the HTTP routes
func (s *Server) setupRoutes() {
	h := s.handlers

	// Health endpoints
	s.router.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", h.Ready).Methods(http.MethodGet)
	s.router.HandleFunc("/version", h.Version).Methods(http.MethodGet)

	if s.metrics != nil && s.config.MetricsPath != "" {
		s.router.Handle(s.config.MetricsPath, s.metrics.Handler()).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix(apiPrefix).Subrouter()

	api.HandleFunc("/anonymize", h.Anonymize).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/analyze/t-closeness", h.AnalyzeDistances).Methods(http.MethodPost, http.MethodOptions)

	// Differentially private queries, charged to the session's budget
	sessions := api.PathPrefix("/sessions/{session}").Subrouter()
	if s.limiter != nil {
		sessions.Use(s.rateLimitMiddleware)
	}
	sessions.HandleFunc("/queries/{query:count|mean|histogram|correlation|summary}", h.Query).Methods(http.MethodPost, http.MethodOptions)
	sessions.HandleFunc("/budget", h.GetBudget).Methods(http.MethodGet)
	sessions.HandleFunc("/budget", h.ResetBudget).Methods(http.MethodDelete)
	sessions.HandleFunc("/budget/analysis", h.AnalyzeBudget).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(h.NotFound)
}
