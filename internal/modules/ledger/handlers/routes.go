package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes registers all ledger routes
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/ledger", func(r chi.Router) {
		r.Get("/orders/open", h.HandleGetOpenOrders)
		r.Get("/orders/{orderID}/history", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetOrderHistory(w, r, chi.URLParam(r, "orderID"))
		})
		r.Get("/accounts/{account}/orders", func(w http.ResponseWriter, r *http.Request) {
			h.HandleGetAccountOrders(w, r, chi.URLParam(r, "account"))
		})
	})
}
