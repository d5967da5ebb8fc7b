// Package trading turns order intents into broker orders: structural validation, per-account
// serialization, idempotent deduplication, pre-trade risk and resilient submission.
package trading

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aristath/tradegate/internal/cache"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/events"
	"github.com/aristath/tradegate/internal/invoker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OrderPlacer submits orders to the broker.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, intent domain.OrderIntent, idempotencyKey string) (domain.OrderAck, error)
}

// Invalidator drops cache entries by pattern.
type Invalidator interface {
	InvalidateAll(ctx context.Context, patterns ...string) error
}

// Assessor is the pre-trade risk check.
type Assessor interface {
	Assess(ctx context.Context, intent domain.OrderIntent) (domain.RiskAssessment, error)
}

// Submission is the outcome of a successful Submit.
type Submission struct {
	Record     *domain.OrderRecord   `json:"record"`
	Assessment domain.RiskAssessment `json:"assessment"`
	// Duplicate is set when the idempotency key had already produced Record.
	Duplicate bool `json:"duplicate"`
}

// DrainResult summarizes a Drain run.
type DrainResult struct {
	Submitted  int `json:"submitted"`
	Duplicates int `json:"duplicates"`
	Denied     int `json:"denied"`
	Invalid    int `json:"invalid"`
	Failed     int `json:"failed"`
}

// Pipeline is the only path by which orders reach the broker.
type Pipeline struct {
	validator *Validator
	risk      Assessor
	queues    *AccountQueues
	book      *OrderBook
	placer    OrderPlacer
	inv       *invoker.Invoker
	cache     Invalidator
	events    *events.Manager
	now       func() time.Time
	log       zerolog.Logger
}

// NewPipeline creates a pipeline. cache and eventManager may be nil.
func NewPipeline(
	risk Assessor,
	book *OrderBook,
	placer OrderPlacer,
	inv *invoker.Invoker,
	cache Invalidator,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Pipeline {
	return &Pipeline{
		validator: NewValidator(),
		risk:      risk,
		queues:    NewAccountQueues(),
		book:      book,
		placer:    placer,
		inv:       inv,
		cache:     cache,
		events:    eventManager,
		now:       time.Now,
		log:       log.With().Str("service", "order_pipeline").Logger(),
	}
}

// Book returns the order book the pipeline records into.
func (p *Pipeline) Book() *OrderBook {
	return p.book
}

// Check validates intent and runs the risk checks without submitting or queueing. Nothing
// is reserved, so a later Submit may still be denied.
func (p *Pipeline) Check(ctx context.Context, intent domain.OrderIntent) (domain.RiskAssessment, error) {
	normalized, err := p.validator.Validate(intent)
	if err != nil {
		return domain.RiskAssessment{}, err
	}
	return p.risk.Assess(ctx, normalized)
}

// Submit runs one intent through the pipeline. Intents for the same account are processed
// strictly one at a time, so each risk check sees the effects of the submission before it.
// Resubmitting with the same idempotency key returns the original record with Duplicate set.
func (p *Pipeline) Submit(ctx context.Context, intent domain.OrderIntent) (*Submission, error) {
	normalized, err := p.validator.Validate(intent)
	if err != nil {
		p.log.Info().Err(err).Str("intent_id", intent.ID).Msg("Intent failed validation")
		return nil, err
	}
	intent = normalized
	if intent.IdempotencyKey == "" {
		intent.IdempotencyKey = uuid.NewString()
	}
	key := intent.IdempotencyKey

	log := p.log.With().
		Str("account_id", intent.AccountID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("idempotency_key", key).
		Logger()

	release, err := p.queues.Acquire(ctx, intent.AccountID)
	if err != nil {
		return nil, err
	}
	defer release()

	if rec, ok := p.book.ByIdempotencyKey(key); ok {
		log.Info().Str("order_id", rec.OrderID).Msg("Duplicate submission, returning original order")
		return &Submission{Record: rec, Duplicate: true}, nil
	}

	var assessment domain.RiskAssessment
	pending, resend := p.book.Pending(key)
	if resend {
		// the broker may hold this order and its reservation already, so it is re-sent as
		// first assessed under the same key
		intent = pending.Intent
		assessment = pending.Assessment
		log.Info().Time("since", pending.Since).Msg("Resending submission with unknown outcome")
	} else {
		assessment, err = p.risk.Assess(ctx, intent)
		if err != nil {
			return nil, err
		}
		if !assessment.Approved() {
			log.Warn().
				Str("reason", string(assessment.Reason)).
				Str("detail", assessment.Detail).
				Msg("Order denied by risk check")
			p.emit(&events.RiskDeniedData{
				IntentID:  intent.ID,
				AccountID: intent.AccountID,
				Symbol:    intent.Symbol,
				Reason:    assessment.Reason,
				Detail:    assessment.Detail,
			})
			return nil, &domain.RiskRejectedError{Assessment: assessment}
		}
		for _, w := range assessment.Warnings {
			log.Warn().Str("warning", w).Msg("Risk warning")
		}
	}

	ack, err := invoker.Invoke(ctx, p.inv, invoker.Call[domain.OrderAck]{
		Scope:          domain.ScopeOrders,
		Mutating:       true,
		IdempotencyKey: key,
		Operation: func(ctx context.Context) (domain.OrderAck, error) {
			return p.placer.PlaceOrder(ctx, intent, key)
		},
	})
	if err != nil {
		// the broker may have acted on an ambiguous failure; stale balances must not survive it
		p.invalidate(context.WithoutCancel(ctx), intent.AccountID)
		switch {
		case invoker.MayHaveApplied(err):
			p.book.MarkPending(key, PendingSubmission{Intent: intent, Assessment: assessment, Since: p.now()})
			log.Error().Err(err).Msg("Order submission outcome unknown, resubmit with the same key")
		case resend:
			p.book.ClearPending(key)
			log.Error().Err(err).Msg("Resent order submission failed")
		default:
			log.Error().Err(err).Msg("Order submission failed")
		}
		return nil, err
	}

	now := p.now()
	rec := domain.OrderRecord{
		OrderID:        ack.OrderID,
		IdempotencyKey: key,
		Intent:         intent,
		State:          initialState(ack.Status),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if rec.State == domain.OrderRejected {
		rec.RejectReason = ack.Reason
	}

	if err := p.book.Record(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrDuplicateSubmission) {
			return nil, err
		}
		// the order is live at the broker and indexed; losing the ledger row must not hide it
		log.Error().Err(err).Str("order_id", rec.OrderID).Msg("Order placed but not persisted")
	}

	p.invalidate(ctx, intent.AccountID)

	log.Info().
		Str("order_id", rec.OrderID).
		Str("state", string(rec.State)).
		Str("estimated_cost", assessment.EstimatedCost.StringFixed(2)).
		Msg("Order submitted")

	return &Submission{Record: rec.Clone(), Assessment: assessment}, nil
}

// Drain submits intents from source until it reports io.EOF or ctx ends. Per-intent failures
// are counted and logged; only source errors stop the run.
func (p *Pipeline) Drain(ctx context.Context, source domain.DecisionSource) (DrainResult, error) {
	var res DrainResult
	for {
		intent, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("decision source: %w", err)
		}

		sub, err := p.Submit(ctx, intent)
		var verr *domain.ValidationError
		var rerr *domain.RiskRejectedError
		switch {
		case err == nil && sub.Duplicate:
			res.Duplicates++
		case err == nil:
			res.Submitted++
		case errors.As(err, &verr):
			res.Invalid++
		case errors.As(err, &rerr):
			res.Denied++
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.Failed++
		}
	}
}

func (p *Pipeline) invalidate(ctx context.Context, accountID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.InvalidateAll(ctx, cache.AfterOrderPatterns(accountID)...); err != nil {
		p.log.Warn().Err(err).Str("account_id", accountID).Msg("Cache invalidation after order failed")
	}
}

func (p *Pipeline) emit(data events.EventData) {
	if p.events != nil {
		p.events.EmitTyped("trading", data)
	}
}

// initialState maps the acknowledgement onto the record's first state. Fills are only booked
// from fill reports, which carry prices, so an ack claiming a fill starts as confirmed.
func initialState(status domain.OrderState) domain.OrderState {
	switch status {
	case domain.OrderQueued, domain.OrderRejected:
		return status
	default:
		return domain.OrderConfirmed
	}
}
