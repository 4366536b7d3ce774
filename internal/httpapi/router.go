package httpapi

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pixelbrain/segqueue/internal/fanout"
	"github.com/pixelbrain/segqueue/internal/queue"
)

// Router mounts the queue endpoints and the push channel under /queue.
func Router(svc *queue.Service, hub *fanout.Hub, auth Authorizer, log *slog.Logger) chi.Router {
	if log == nil {
		log = slog.Default()
	}

	h := &handlers{svc: svc, hub: hub, auth: auth, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/queue", func(r chi.Router) {
		r.Use(authMiddleware(auth))

		r.Post("/images/{imageId}", h.enqueue)
		r.Post("/batch", h.enqueueBatch)
		r.Delete("/items/{id}", h.cancel)
		r.Post("/projects/{projectId}/cancel", h.cancelByProject)
		r.Post("/batches/{batchId}/cancel", h.cancelByBatch)
		r.Get("/projects/{projectId}/stats", h.stats)
		r.Get("/projects/{projectId}/items", h.items)
		r.Get("/projects/{projectId}/events", h.events)
	})

	return r
}
