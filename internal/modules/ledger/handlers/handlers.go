// Package handlers provides HTTP handlers for ledger operations.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/modules/ledger"
	"github.com/rs/zerolog"
)

// Reader is the read side of the ledger.
type Reader interface {
	ByOrderID(ctx context.Context, orderID string) (*domain.OrderRecord, error)
	ByAccount(ctx context.Context, accountID string, limit int) ([]domain.OrderRecord, error)
	Open(ctx context.Context) ([]domain.OrderRecord, error)
	History(ctx context.Context, orderID string) ([]ledger.Event, error)
}

// Handler handles ledger HTTP requests
type Handler struct {
	ledger Reader
	log    zerolog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger Reader, log zerolog.Logger) *Handler {
	return &Handler{
		ledger: ledger,
		log:    log.With().Str("handler", "ledger").Logger(),
	}
}

// HandleGetOpenOrders handles GET /api/ledger/orders/open
func (h *Handler) HandleGetOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.ledger.Open(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query open orders")
		http.Error(w, "Failed to query orders", http.StatusInternalServerError)
		return
	}
	h.writeData(w, map[string]interface{}{
		"orders": orders,
		"count":  len(orders),
	})
}

// HandleGetAccountOrders handles GET /api/ledger/accounts/{account}/orders
func (h *Handler) HandleGetAccountOrders(w http.ResponseWriter, r *http.Request, accountID string) {
	limit := 100 // default
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	orders, err := h.ledger.ByAccount(r.Context(), accountID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to query account orders")
		http.Error(w, "Failed to query orders", http.StatusInternalServerError)
		return
	}
	h.writeData(w, map[string]interface{}{
		"account_id": accountID,
		"orders":     orders,
		"count":      len(orders),
	})
}

// HandleGetOrderHistory handles GET /api/ledger/orders/{orderID}/history
func (h *Handler) HandleGetOrderHistory(w http.ResponseWriter, r *http.Request, orderID string) {
	record, err := h.ledger.ByOrderID(r.Context(), orderID)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "Order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("order_id", orderID).Msg("Failed to query order")
		http.Error(w, "Failed to query order", http.StatusInternalServerError)
		return
	}

	events, err := h.ledger.History(r.Context(), orderID)
	if err != nil {
		h.log.Error().Err(err).Str("order_id", orderID).Msg("Failed to query order history")
		http.Error(w, "Failed to query order history", http.StatusInternalServerError)
		return
	}

	h.writeData(w, map[string]interface{}{
		"order":  record,
		"events": events,
	})
}

func (h *Handler) writeData(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
