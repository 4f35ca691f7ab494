package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Health is public so load balancers can probe without credentials.
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Post("/responses/sync", h.SyncPush)
			r.Get("/responses", h.Responses)
			r.Get("/assignments", h.Assignments)
			r.Get("/tables", h.Tables)
			r.Get("/tables/{id}/versions/{version}", h.GetSchemaVersion)
		})
	})

	return r
}
