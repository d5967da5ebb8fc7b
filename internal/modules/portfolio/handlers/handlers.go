// Package handlers provides HTTP handlers for positions and portfolio snapshots.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Tracker is the read side of the position tracker.
type Tracker interface {
	Positions(accountID string) []domain.Position
	Snapshot(ctx context.Context, accountID string) (domain.PortfolioSnapshot, error)
	Refresh(ctx context.Context, accountID string) error
}

// Handler handles portfolio HTTP requests
type Handler struct {
	tracker Tracker
	log     zerolog.Logger
}

// NewHandler creates a new portfolio handler
func NewHandler(tracker Tracker, log zerolog.Logger) *Handler {
	return &Handler{
		tracker: tracker,
		log:     log.With().Str("handler", "portfolio").Logger(),
	}
}

// HandleGetPortfolio handles GET /api/accounts/{account}/portfolio
func (h *Handler) HandleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account")

	snap, err := h.tracker.Snapshot(r.Context(), accountID)
	if err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to compute portfolio snapshot")
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.writeData(w, snap)
}

// HandleGetPositions handles GET /api/accounts/{account}/positions
func (h *Handler) HandleGetPositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account")
	positions := h.tracker.Positions(accountID)
	h.writeData(w, map[string]interface{}{
		"account_id": accountID,
		"positions":  positions,
		"count":      len(positions),
	})
}

// HandleRefreshPositions handles POST /api/accounts/{account}/positions/refresh
func (h *Handler) HandleRefreshPositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "account")

	if err := h.tracker.Refresh(r.Context(), accountID); err != nil {
		h.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to refresh positions")
		h.writeError(w, statusFor(err), err.Error())
		return
	}
	h.HandleGetPositions(w, r)
}

// statusFor maps upstream failures; anything else is ours.
func statusFor(err error) int {
	var open *domain.CircuitOpenError
	var transient *domain.TransientError
	switch {
	case errors.As(err, &open):
		return http.StatusServiceUnavailable
	case errors.As(err, &transient):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeData(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
