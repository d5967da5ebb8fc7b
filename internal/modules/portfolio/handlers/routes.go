package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers the per-account portfolio routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/accounts/{account}", func(r chi.Router) {
		r.Get("/portfolio", h.HandleGetPortfolio)              // Snapshot valued at latest quotes
		r.Get("/positions", h.HandleGetPositions)              // Tracked positions
		r.Post("/positions/refresh", h.HandleRefreshPositions) // Reload from the broker
	})
}
