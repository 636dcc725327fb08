// routes.go
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes wires the admin surface: a JSON catalog snapshot and a
// live event feed.
func SetupRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(h.Log))

	r.Route("/api", func(r chi.Router) {
		r.Get("/catalog", h.handleCatalogSnapshot)
		r.Get("/events", h.handleEvents)
	})

	fs := http.FileServer(http.Dir("web"))
	r.Handle("/*", fs)

	return r
}
