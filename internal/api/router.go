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

		// System metrics (no auth required for basic monitoring)
		r.Get("/metrics", s.handleMetrics)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires authentication - caller identity is
			// carried into the ticket for the WebSocket upgrade
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Process endpoints
			r.Route("/processes", func(r chi.Router) {
				r.Get("/", s.handleListProcesses)
				r.With(s.requireOperator).Post("/", s.handleLaunchProcess)
				r.Get("/history", s.handleListHistory)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetProcess)
					r.With(s.requireOperator).Delete("/", s.handleDestroyProcess)
					r.Get("/output", s.handleProcessOutput)
					r.With(s.requireOperator).Post("/stdin", s.handleProcessStdin)
				})
			})

			// Audit trail
			r.Get("/audit", s.handleListAudit)

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
