package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Broker-agnostic read models returned by the brokerage collaborator.

// Quote is the latest top of book for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol" msgpack:"symbol"`
	Bid       decimal.Decimal `json:"bid" msgpack:"bid"`
	Ask       decimal.Decimal `json:"ask" msgpack:"ask"`
	Last      decimal.Decimal `json:"last" msgpack:"last"`
	Timestamp time.Time       `json:"timestamp" msgpack:"timestamp"`
}

// BuyPrice is the price a market buy is expected to pay: the ask, or the last trade when no ask is quoted.
func (q Quote) BuyPrice() decimal.Decimal {
	if q.Ask.IsPositive() {
		return q.Ask
	}
	return q.Last
}

// SellPrice is the price a market sell is expected to receive.
func (q Quote) SellPrice() decimal.Decimal {
	if q.Bid.IsPositive() {
		return q.Bid
	}
	return q.Last
}

// MarkPrice is used for valuation.
func (q Quote) MarkPrice() decimal.Decimal {
	if q.Last.IsPositive() {
		return q.Last
	}
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	return q.BuyPrice()
}

// AccountSummary is the broker's view of an account's cash.
type AccountSummary struct {
	AccountID   string          `json:"account_id" msgpack:"account_id"`
	Currency    string          `json:"currency" msgpack:"currency"`
	Cash        decimal.Decimal `json:"cash" msgpack:"cash"`
	BuyingPower decimal.Decimal `json:"buying_power" msgpack:"buying_power"`
	Equity      decimal.Decimal `json:"equity" msgpack:"equity"`
	FetchedAt   time.Time       `json:"fetched_at" msgpack:"fetched_at"`
}

// Instrument is reference data for a tradable symbol.
type Instrument struct {
	Symbol   string          `json:"symbol" msgpack:"symbol"`
	Name     string          `json:"name" msgpack:"name"`
	Exchange string          `json:"exchange" msgpack:"exchange"`
	Currency string          `json:"currency" msgpack:"currency"`
	LotSize  decimal.Decimal `json:"lot_size" msgpack:"lot_size"`
	Tradable bool            `json:"tradable" msgpack:"tradable"`
}

// BrokerPosition is a holding as reported by the broker.
type BrokerPosition struct {
	Symbol    string          `json:"symbol" msgpack:"symbol"`
	Quantity  decimal.Decimal `json:"quantity" msgpack:"quantity"`
	AvgCost   decimal.Decimal `json:"avg_cost" msgpack:"avg_cost"`
	LastPrice decimal.Decimal `json:"last_price" msgpack:"last_price"`
}

// OrderAck is the broker's acknowledgement of a placement.
type OrderAck struct {
	OrderID string     `json:"order_id"`
	Status  OrderState `json:"status"`
	Reason  string     `json:"reason,omitempty"`
}

// OrderStatusUpdate is the result of polling an order.
type OrderStatusUpdate struct {
	OrderID        string          `json:"order_id"`
	Status         OrderState      `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Reason         string          `json:"reason,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
