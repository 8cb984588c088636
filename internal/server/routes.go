package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router configures and returns the HTTP router with all application routes.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(Metrics)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(RequestLogger(s.log))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  func(r *http.Request, _ string) bool { return s.origins.Allowed(r) },
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/", s.HealthHandler)
	r.Get("/healthz", s.HealthHandler)
	r.Get("/readyz", s.ReadyHandler)
	r.HandleFunc("/ws", s.WebSocketHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.RequireAuth)

		r.Get("/presence", s.PresenceHandler)
		r.Get("/conversations/{kind}/{id}/messages", s.HistoryHandler)
		r.Delete("/messages/{id}", s.DeleteMessageHandler)
	})

	return r
}
