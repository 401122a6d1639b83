package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the full HTTP surface: the checkout API under /api/v1,
// Prometheus metrics and the health probe.
func NewRouter(h *CheckoutHandler, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestIDMiddleware)
	r.Use(IdentityMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/checkout", func(r chi.Router) {
			r.With(middleware.Timeout(requestTimeout)).Post("/", h.CreateSession)
			r.With(middleware.Timeout(requestTimeout)).Post("/offline", h.BuildOfflinePayload)

			r.Route("/{code}", func(r chi.Router) {
				// The event stream outlives the request timeout.
				r.Get("/events", h.Events)

				r.Group(func(r chi.Router) {
					r.Use(middleware.Timeout(requestTimeout))
					r.Post("/scan", h.Scan)
					r.Post("/lock", h.Lock)
					r.Post("/pay", h.Pay)
					r.Post("/complete", h.Complete)
					r.Post("/cancel", h.Cancel)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Post("/offline/sessions", h.SubmitOfflineSession)
			r.Get("/usage/{customer_id}", h.Usage)
		})
	})

	return r
}
