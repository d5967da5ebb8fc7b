// Package domain holds the broker-agnostic types shared by every module of the execution core.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Scope is a logical group of outbound operations sharing one rate-limit bucket and one breaker.
type Scope string

const (
	ScopeQuotes    Scope = "quotes"
	ScopeOrders    Scope = "order-placement"
	ScopeAccount   Scope = "account"
	ScopeReference Scope = "reference"
	// ScopeGlobal is the bucket every request consumes from in addition to its own scope.
	ScopeGlobal Scope = "global"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderKind is the order type.
type OrderKind string

const (
	KindMarket OrderKind = "market"
	KindLimit  OrderKind = "limit"
	KindStop   OrderKind = "stop"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderIntent is an already-formed instruction to trade, supplied by the decision collaborator.
// The pipeline treats it as immutable once received.
type OrderIntent struct {
	ID             string           `json:"id"`
	AccountID      string           `json:"account_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Kind           OrderKind        `json:"kind"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	TimeInForce    TimeInForce      `json:"time_in_force"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

// Clone returns a deep copy so later mutation by the caller can't reach the pipeline.
func (i OrderIntent) Clone() OrderIntent {
	c := i
	if i.LimitPrice != nil {
		v := *i.LimitPrice
		c.LimitPrice = &v
	}
	if i.StopPrice != nil {
		v := *i.StopPrice
		c.StopPrice = &v
	}
	return c
}

// OrderState is the lifecycle state of a submitted order.
type OrderState string

const (
	OrderQueued          OrderState = "queued"
	OrderConfirmed       OrderState = "confirmed"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCanceled        OrderState = "canceled"
	OrderRejected        OrderState = "rejected"
)

var orderTransitions = map[OrderState][]OrderState{
	OrderQueued:          {OrderConfirmed, OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected},
	OrderConfirmed:       {OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCanceled},
}

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseOrderState maps a broker status string onto the lifecycle.
func ParseOrderState(s string) (OrderState, error) {
	switch OrderState(s) {
	case OrderQueued, OrderConfirmed, OrderPartiallyFilled, OrderFilled, OrderCanceled, OrderRejected:
		return OrderState(s), nil
	}
	return "", fmt.Errorf("unknown order state %q", s)
}

// OrderRecord is the core's view of a submitted order. Records are never deleted.
type OrderRecord struct {
	OrderID        string          `json:"order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Intent         OrderIntent     `json:"intent"`
	State          OrderState      `json:"state"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Live reports whether the order can still trade.
func (r *OrderRecord) Live() bool {
	return !r.State.Terminal()
}

// RemainingQuantity is the unfilled part of the order.
func (r *OrderRecord) RemainingQuantity() decimal.Decimal {
	return r.Intent.Quantity.Sub(r.FilledQuantity)
}

// Clone returns a copy safe to hand to callers.
func (r *OrderRecord) Clone() *OrderRecord {
	c := *r
	c.Intent = r.Intent.Clone()
	return &c
}

// OrderTransition is one append-only ledger entry describing a record state change.
type OrderTransition struct {
	OrderID        string          `json:"order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	AccountID      string          `json:"account_id"`
	From           OrderState      `json:"from,omitempty"`
	To             OrderState      `json:"to"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Reason         string          `json:"reason,omitempty"`
	Record         OrderRecord     `json:"record"`
	At             time.Time       `json:"at"`
}

// Fill is an execution reported by status polling or the push feed.
type Fill struct {
	FillID     string          `json:"fill_id,omitempty"`
	OrderID    string          `json:"order_id"`
	AccountID  string          `json:"account_id"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt time.Time       `json:"executed_at"`
	// CumulativeQuantity is the order's total filled quantity after this execution, when
	// the broker reports it. Zero means unknown.
	CumulativeQuantity decimal.Decimal `json:"cumulative_quantity"`
}

// Position is a holding owned by the position tracker.
type Position struct {
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	LastPrice     decimal.Decimal `json:"last_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MarketValue is quantity times the last known price.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.LastPrice)
}

// PortfolioSnapshot is derived from positions, quotes and cash. It is never the source of truth.
type PortfolioSnapshot struct {
	AccountID     string          `json:"account_id"`
	Positions     []Position      `json:"positions"`
	Cash          decimal.Decimal `json:"cash"`
	MarketValue   decimal.Decimal `json:"market_value"`
	Equity        decimal.Decimal `json:"equity"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	ComputedAt    time.Time       `json:"computed_at"`
}

// RiskOutcome is the verdict of a risk assessment.
type RiskOutcome string

const (
	RiskApprove RiskOutcome = "approve"
	RiskDeny    RiskOutcome = "deny"
)

// RiskReason is the machine-readable reason code attached to a denial.
type RiskReason string

const (
	ReasonNone                    RiskReason = ""
	ReasonTradingDisabled         RiskReason = "trading_disabled"
	ReasonUnknownInstrument       RiskReason = "unknown_instrument"
	ReasonNotTradable             RiskReason = "not_tradable"
	ReasonInstrumentUnavailable   RiskReason = "instrument_unavailable"
	ReasonQuoteUnavailable        RiskReason = "quote_unavailable"
	ReasonAccountUnavailable      RiskReason = "account_unavailable"
	ReasonInsufficientBuyingPower RiskReason = "insufficient_buying_power"
	ReasonInsufficientPosition    RiskReason = "insufficient_position"
	ReasonPositionLimitExceeded   RiskReason = "position_limit_exceeded"
)

// RiskAssessment is produced per intent and never persisted.
type RiskAssessment struct {
	Outcome           RiskOutcome     `json:"outcome"`
	Reason            RiskReason      `json:"reason,omitempty"`
	Detail            string          `json:"detail,omitempty"`
	EstimatedPrice    decimal.Decimal `json:"estimated_price"`
	EstimatedCost     decimal.Decimal `json:"estimated_cost"`
	BuyingPower       decimal.Decimal `json:"buying_power"`
	BuyingPowerOK     bool            `json:"buying_power_ok"`
	PositionSizeLimit decimal.Decimal `json:"position_size_limit"`
	Warnings          []string        `json:"warnings,omitempty"`
}

// Approved reports whether the intent may proceed to submission.
func (a RiskAssessment) Approved() bool {
	return a.Outcome == RiskApprove
}
