package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

// Middleware is a standard net/http middleware.
type Middleware = func(http.Handler) http.Handler

// MountRoutes registers all routes on the given chi router. Streaming routes
// are mounted outside the request timeout; publish runs behind the given
// middleware (rate limiting, idempotency).
func MountRoutes(r chi.Router, h *Handlers, ws http.HandlerFunc, requestTimeout time.Duration, publish ...Middleware) {
	// Long-lived streams
	r.Get("/events/stream", h.StreamEvents)
	if ws != nil {
		r.Get("/events/ws", ws)
	}

	r.Group(func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(chimw.Timeout(requestTimeout))
		}

		r.Get("/health", h.Health)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{"version": Version})
			})

			r.Get("/events", h.ReadEvents)
			r.With(publish...).Post("/events", h.PublishEvent)
			r.Get("/events/log", h.LogInfo)
		})
	})
}
