package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires authentication - caller must be logged in to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Rule endpoints
			r.Route("/rules", func(r chi.Router) {
				r.Get("/", s.handleListRules)
				r.Post("/", s.handleCreateRule)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRule)
					r.Patch("/", s.handleUpdateRule)
					r.Delete("/", s.handleDeleteRule)
					r.Post("/run", s.handleRunRule)
					r.Get("/executions", s.handleListExecutions)
					r.Get("/status", s.handleRuleStatus)
				})
			})

			// Runner status across all rules
			r.Get("/status", s.handleStatusAll)

			// OpenRouter key usage
			r.Get("/quota", s.handleQuota)

			// WebSocket (auth via ticket, validated in handler)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
