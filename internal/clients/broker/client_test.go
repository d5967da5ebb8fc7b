package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	requests []domain.Request
	body     string
	err      error
}

func (f *fakeTransport) Execute(ctx context.Context, req domain.Request) (*domain.Response, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Response{StatusCode: 200, Body: json.RawMessage(f.body)}, nil
}

func TestClient_GetQuote(t *testing.T) {
	tr := &fakeTransport{body: `{"bid":"99.5","ask":"100.25","last":100}`}
	c := NewClient(tr, testLogger())

	q, err := c.GetQuote(context.Background(), "aapl")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.Ask.Equal(decimal.RequireFromString("100.25")))
	assert.True(t, q.Last.Equal(decimal.NewFromInt(100)))
	require.Len(t, tr.requests, 1)
	assert.Equal(t, domain.ScopeQuotes, tr.requests[0].Scope)
	assert.Equal(t, CmdGetQuote, tr.requests[0].Command)
	assert.Equal(t, "AAPL", tr.requests[0].Params["symbol"])
}

func TestClient_GetPositions(t *testing.T) {
	tr := &fakeTransport{body: `{"positions":[{"symbol":"MSFT","quantity":"3","avg_cost":"250"}]}`}
	c := NewClient(tr, testLogger())

	positions, err := c.GetPositions(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "MSFT", positions[0].Symbol)
	assert.Equal(t, domain.ScopeAccount, tr.requests[0].Scope)
}

func TestClient_PlaceOrder(t *testing.T) {
	tr := &fakeTransport{body: `{"order_id":"B-1","status":"confirmed"}`}
	c := NewClient(tr, testLogger())

	limit := decimal.RequireFromString("150.10")
	intent := domain.OrderIntent{
		AccountID:   "acct-1",
		Symbol:      "AAPL",
		Side:        domain.SideBuy,
		Quantity:    decimal.NewFromInt(10),
		Kind:        domain.KindLimit,
		LimitPrice:  &limit,
		TimeInForce: domain.TIFDay,
	}
	ack, err := c.PlaceOrder(context.Background(), intent, "idem-1")
	require.NoError(t, err)

	assert.Equal(t, "B-1", ack.OrderID)
	assert.Equal(t, domain.OrderConfirmed, ack.Status)
	req := tr.requests[0]
	assert.Equal(t, domain.ScopeOrders, req.Scope)
	assert.Equal(t, "idem-1", req.IdempotencyKey)
	assert.Equal(t, "150.1", req.Params["limit_price"])
	assert.Equal(t, "10", req.Params["quantity"])
	assert.NotContains(t, req.Params, "stop_price")
}

func TestClient_PlaceOrderRequiresID(t *testing.T) {
	c := NewClient(&fakeTransport{body: `{"status":"confirmed"}`}, testLogger())
	_, err := c.PlaceOrder(context.Background(), domain.OrderIntent{Quantity: decimal.NewFromInt(1)}, "k")
	assert.Error(t, err)
}

func TestClient_GetOrderStatusRejectsUnknownState(t *testing.T) {
	c := NewClient(&fakeTransport{body: `{"order_id":"B-1","status":"lost"}`}, testLogger())
	_, err := c.GetOrderStatus(context.Background(), "acct-1", "B-1")
	assert.Error(t, err)
}

func TestClient_PropagatesTransportError(t *testing.T) {
	want := &domain.TransportError{StatusCode: 503}
	c := NewClient(&fakeTransport{err: want}, testLogger())

	_, err := c.GetAccount(context.Background(), "acct-1")
	var te *domain.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 503, te.StatusCode)
}

func TestClient_DecodeError(t *testing.T) {
	c := NewClient(&fakeTransport{body: `not json`}, testLogger())
	_, err := c.GetInstrument(context.Background(), "AAPL")
	assert.Error(t, err)
	assert.False(t, domain.IsRetriable(err))
}
