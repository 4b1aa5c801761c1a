package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"notesync/internal/handlers"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Sync  handlers.SyncController
	Store handlers.StoreProbe
	// EventOrigins lists the origin patterns allowed to open the event stream.
	EventOrigins []string
}

// NewRouter creates a new HTTP router with the provided dependencies.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(LoggerMiddleware)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	syncHandler := handlers.NewSyncHandler(deps.Sync)
	healthHandler := handlers.NewHealthHandler(deps.Store, deps.Sync)
	eventsHandler := handlers.NewEventsHandler(deps.Sync)
	eventsHandler.OriginPatterns = deps.EventOrigins

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", healthHandler)
		r.Method(http.MethodGet, "/events", eventsHandler)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/", syncHandler.Start)
			r.Post("/pause", syncHandler.Pause)
			r.Post("/resume", syncHandler.Resume)
			r.Post("/stop", syncHandler.Stop)
			r.Get("/status", syncHandler.Status)
		})
	})

	return r
}
