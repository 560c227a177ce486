package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)

		r.Group(func(r chi.Router) {
			r.Use(apiHandler.AuthMiddleware)

			r.Post("/sessions", apiHandler.CreateSessionHandler)
			r.Get("/sessions", apiHandler.ListSessionsHandler)
			r.Get("/sessions/{sessionID}", apiHandler.GetSessionHandler)
			r.Patch("/sessions/{sessionID}", apiHandler.RenameSessionHandler)
			r.Delete("/sessions/{sessionID}", apiHandler.DeleteSessionHandler)
			r.Post("/sessions/{sessionID}/messages", apiHandler.PostMessageHandler)

			r.Post("/search", apiHandler.SearchHandler)
		})
	})

	return r
}
