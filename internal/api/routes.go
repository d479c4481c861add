package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/syncbridge/internal/webhook"
)

// NewRouter creates a new router with all routes configured. The webhook
// handler is mounted under its own path with its own token verification;
// everything under /api/v1 except health requires the API key.
func NewRouter(h *Handler, wh *webhook.Handler, webhookSecret string) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/syncs", func(r chi.Router) {
				r.Get("/", h.ListSyncs)
				r.Post("/", h.CreateSync)
				r.Get("/{id}", h.GetSync)
				r.Delete("/{id}", h.DeleteSync)
				r.Post("/{id}/resync", h.ResyncSync)
				r.Get("/{id}/activities", h.ListActivities)
			})

			r.Route("/records", func(r chi.Router) {
				r.Get("/", h.ListRecords)
				r.Post("/", h.CreateRecord)
				r.Get("/{id}", h.GetRecord)
				r.Patch("/{id}", h.UpdateRecord)
				r.Delete("/{id}", h.DeleteRecord)
			})

			r.Route("/documents", func(r chi.Router) {
				r.Post("/", h.CreateDocument)
				r.Get("/{id}", h.GetDocument)
			})
		})
	})

	r.Mount("/webhooks/v1", wh.Routes(webhookSecret))

	return r
}
