package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/invoker"
	"github.com/rs/zerolog"
)

// StatusReader polls a single order at the broker.
type StatusReader interface {
	GetOrderStatus(ctx context.Context, accountID, orderID string) (domain.OrderStatusUpdate, error)
}

// StatusPoller reconciles live orders with the broker for fills the push feed may have missed.
type StatusPoller struct {
	book   *OrderBook
	reader StatusReader
	inv    *invoker.Invoker
	log    zerolog.Logger
}

// NewStatusPoller creates a poller.
func NewStatusPoller(book *OrderBook, reader StatusReader, inv *invoker.Invoker, log zerolog.Logger) *StatusPoller {
	return &StatusPoller{
		book:   book,
		reader: reader,
		inv:    inv,
		log:    log.With().Str("service", "order_status_poller").Logger(),
	}
}

// Poll checks every open order once and returns how many were polled. It keeps going past
// individual failures but stops at the first open circuit, since every later call would fail fast too.
func (p *StatusPoller) Poll(ctx context.Context) (int, error) {
	open := p.book.Open()
	polled := 0
	var errs []error

	for _, rec := range open {
		if err := ctx.Err(); err != nil {
			return polled, err
		}

		accountID, orderID := rec.Intent.AccountID, rec.OrderID
		update, err := invoker.Invoke(ctx, p.inv, invoker.Call[domain.OrderStatusUpdate]{
			Scope: domain.ScopeAccount,
			Operation: func(ctx context.Context) (domain.OrderStatusUpdate, error) {
				return p.reader.GetOrderStatus(ctx, accountID, orderID)
			},
		})
		if err != nil {
			var circuitErr *domain.CircuitOpenError
			if errors.As(err, &circuitErr) {
				return polled, err
			}
			p.log.Warn().Err(err).Str("order_id", orderID).Msg("Failed to poll order status")
			errs = append(errs, err)
			continue
		}
		polled++

		if err := p.book.ApplyStatus(ctx, update); err != nil {
			p.log.Error().Err(err).Str("order_id", orderID).Msg("Failed to apply order status")
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return polled, fmt.Errorf("%d of %d orders failed to reconcile: %w", len(errs), len(open), errors.Join(errs...))
	}
	return polled, nil
}
