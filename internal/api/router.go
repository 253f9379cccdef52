package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/sentinel/internal/api/invariants"
	"github.com/good-yellow-bee/sentinel/internal/api/middleware"
	monitorapi "github.com/good-yellow-bee/sentinel/internal/api/monitor"
	"github.com/good-yellow-bee/sentinel/internal/api/respond"
	"github.com/good-yellow-bee/sentinel/internal/api/slos"
	"github.com/good-yellow-bee/sentinel/internal/api/tickets"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestLogger(s.logger, s.config.Verbose))
	r.Use(middleware.PrometheusMiddleware)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recoverer(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond.JSONError(w, respond.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respond.JSONError(w, &respond.Error{
			Code:    respond.ErrCodeBadRequest,
			Message: "Method not allowed",
			Status:  http.StatusMethodNotAllowed,
		})
	})

	r.Route("/api/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(middleware.RateLimitByIP(s.limiter))
		}

		r.Route("/tickets", tickets.NewHandler(s.deps.Storage.Tickets(), s.logger).Routes)

		r.Route("/slos", slos.NewHandler(s.deps.Storage.SLOs(), s.deps.SLOEvaluator, s.logger).Routes)
		r.Route("/invariants", invariants.NewHandler(s.deps.Storage.Invariants(), s.deps.InvariantEvaluator, s.logger).Routes)

		r.Route("/monitor", func(r chi.Router) {
			if s.deps.Monitor == nil {
				r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
					respond.JSONError(w, &respond.Error{
						Code:    respond.ErrCodeUnavailable,
						Message: "monitor scheduler not running",
						Status:  http.StatusServiceUnavailable,
					})
				})
				return
			}
			monitorapi.NewHandler(s.deps.Monitor, s.config.RunTimeout, s.logger).Routes(r)
		})
	})

	// Health check (public, no rate limit)
	r.Get("/health", s.healthHandler.Health)
	r.Get("/health/live", s.healthHandler.Live)

	return r
}
