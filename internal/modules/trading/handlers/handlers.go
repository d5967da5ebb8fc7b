// Package handlers provides HTTP handlers for order submission, order lookup and quotes.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/modules/trading"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxOrderBodyBytes = 64 << 10

// Pipeline runs intents through validation, risk and submission.
type Pipeline interface {
	Submit(ctx context.Context, intent domain.OrderIntent) (*trading.Submission, error)
	Check(ctx context.Context, intent domain.OrderIntent) (domain.RiskAssessment, error)
}

// OrderLookup reads the order book.
type OrderLookup interface {
	Get(orderID string) (*domain.OrderRecord, bool)
}

// QuoteReader serves cached quotes.
type QuoteReader interface {
	Quote(ctx context.Context, symbol string) (domain.Quote, error)
}

// TradingHandlers contains HTTP handlers for the trading API
type TradingHandlers struct {
	pipeline Pipeline
	book     OrderLookup
	quotes   QuoteReader
	log      zerolog.Logger
}

// NewTradingHandlers creates a new trading handlers instance
func NewTradingHandlers(pipeline Pipeline, book OrderLookup, quotes QuoteReader, log zerolog.Logger) *TradingHandlers {
	return &TradingHandlers{
		pipeline: pipeline,
		book:     book,
		quotes:   quotes,
		log:      log.With().Str("handler", "trading").Logger(),
	}
}

// decodeIntent reads an intent body. An Idempotency-Key header is used when the body has no key.
func (h *TradingHandlers) decodeIntent(w http.ResponseWriter, r *http.Request) (domain.OrderIntent, bool) {
	var intent domain.OrderIntent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&intent); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid request body: %v", err)})
		return intent, false
	}
	if intent.IdempotencyKey == "" {
		intent.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	return intent, true
}

// HandleSubmitOrder handles POST /api/orders. A replayed key answers 200 with duplicate
// set; a new order answers 201.
func (h *TradingHandlers) HandleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.decodeIntent(w, r)
	if !ok {
		return
	}

	sub, err := h.pipeline.Submit(r.Context(), intent)
	if err != nil {
		h.log.Info().
			Err(err).
			Str("account_id", intent.AccountID).
			Str("symbol", intent.Symbol).
			Int("status", statusFor(err)).
			Msg("Order not accepted")
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if sub.Duplicate {
		status = http.StatusOK
	}
	h.writeData(w, status, sub)
}

// HandleAssessOrder handles POST /api/orders/assess. The intent is validated and risk
// checked, never submitted. A denial is a normal 200 answer here.
func (h *TradingHandlers) HandleAssessOrder(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.decodeIntent(w, r)
	if !ok {
		return
	}

	assessment, err := h.pipeline.Check(r.Context(), intent)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeData(w, http.StatusOK, assessment)
}

// HandleGetOrder handles GET /api/orders/{orderID}
func (h *TradingHandlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	rec, ok := h.book.Get(orderID)
	if !ok {
		h.writeError(w, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound))
		return
	}
	h.writeData(w, http.StatusOK, rec)
}

// HandleGetQuote handles GET /api/quotes/{symbol}
func (h *TradingHandlers) HandleGetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	q, err := h.quotes.Quote(r.Context(), symbol)
	if err != nil {
		h.log.Warn().Err(err).Str("symbol", symbol).Msg("Quote lookup failed")
		h.writeError(w, err)
		return
	}
	h.writeData(w, http.StatusOK, q)
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	var verr *domain.ValidationError
	var rerr *domain.RiskRejectedError
	var open *domain.CircuitOpenError
	var transient *domain.TransientError
	var terr *domain.TransportError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &rerr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &open):
		return http.StatusServiceUnavailable
	case errors.As(err, &transient):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &terr):
		// permanent broker refusals (4xx) surface as a bad gateway too
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// errorBody renders err with whatever structured detail its type carries.
func errorBody(err error) map[string]interface{} {
	body := map[string]interface{}{"error": err.Error()}

	var verr *domain.ValidationError
	var rerr *domain.RiskRejectedError
	var open *domain.CircuitOpenError
	switch {
	case errors.As(err, &verr):
		body["fields"] = verr.Fields
	case errors.As(err, &rerr):
		body["assessment"] = rerr.Assessment
	case errors.As(err, &open):
		body["scope"] = open.Scope
		body["retry_after_ms"] = open.RetryAfter.Milliseconds()
	}
	return body
}

func (h *TradingHandlers) writeData(w http.ResponseWriter, status int, data interface{}) {
	h.writeJSON(w, status, map[string]interface{}{
		"data": data,
		"metadata": map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
		},
	})
}

func (h *TradingHandlers) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusFor(err), errorBody(err))
}

// writeJSON writes a JSON response
func (h *TradingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
