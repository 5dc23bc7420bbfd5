package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Post("/auth/login", s.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/status", s.HandleStatus)
		r.Get("/events", s.HandleListEvents)
		r.Get("/events/stored", s.HandleListStoredEvents)
	})
}
