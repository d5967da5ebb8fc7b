package handlers

import (
	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all trading routes
func (h *TradingHandlers) RegisterRoutes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.HandleSubmitOrder)
		r.Post("/assess", h.HandleAssessOrder) // Validation and risk only, never submits
		r.Get("/{orderID}", h.HandleGetOrder)
	})

	r.Get("/quotes/{symbol}", h.HandleGetQuote)
}
