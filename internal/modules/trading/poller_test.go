package trading

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/tradegate/internal/breaker"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/invoker"
	"github.com/aristath/tradegate/internal/ratelimit"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedStatus struct {
	updates map[string]domain.OrderStatusUpdate
	errs    map[string]error
	calls   []string
}

func (s *scriptedStatus) GetOrderStatus(ctx context.Context, accountID, orderID string) (domain.OrderStatusUpdate, error) {
	s.calls = append(s.calls, orderID)
	if err, ok := s.errs[orderID]; ok {
		return domain.OrderStatusUpdate{}, err
	}
	return s.updates[orderID], nil
}

func newPollerInvoker(threshold int) *invoker.Invoker {
	log := zerolog.Nop()
	limiter := ratelimit.New(ratelimit.Config{
		Global:  ratelimit.Limit{Capacity: 100, RefillRate: 100},
		Default: ratelimit.Limit{Capacity: 100, RefillRate: 100},
	}, log)
	cfg := breaker.DefaultConfig()
	cfg.FailureThreshold = threshold
	return invoker.New(nil, limiter, breaker.NewRegistry(cfg, nil, log), invoker.Policy{MaxAttempts: 1}, log)
}

func seedOpenOrders(t *testing.T, book *OrderBook, ids ...string) {
	t.Helper()
	base := time.Now()
	for i, id := range ids {
		rec := confirmedRecord(id, "k-"+id, 10)
		rec.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, book.Record(context.Background(), rec))
	}
}

func TestStatusPoller_ReconcilesFills(t *testing.T) {
	book, _, _ := newTestBook(t)
	seedOpenOrders(t, book, "B-1", "B-2")

	reader := &scriptedStatus{updates: map[string]domain.OrderStatusUpdate{
		"B-1": {OrderID: "B-1", Status: domain.OrderFilled, FilledQuantity: decimal.NewFromInt(10), AvgFillPrice: decimal.NewFromInt(50)},
		"B-2": {OrderID: "B-2", Status: domain.OrderCanceled, Reason: "expired"},
	}}
	poller := NewStatusPoller(book, reader, newPollerInvoker(5), zerolog.Nop())

	n, err := poller.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec, _ := book.Get("B-1")
	assert.Equal(t, domain.OrderFilled, rec.State)
	rec, _ = book.Get("B-2")
	assert.Equal(t, domain.OrderCanceled, rec.State)
	assert.Empty(t, book.Open())
}

func TestStatusPoller_ContinuesPastFailures(t *testing.T) {
	book, _, _ := newTestBook(t)
	seedOpenOrders(t, book, "B-1", "B-2")

	reader := &scriptedStatus{
		updates: map[string]domain.OrderStatusUpdate{"B-2": {OrderID: "B-2", Status: domain.OrderConfirmed}},
		errs:    map[string]error{"B-1": &domain.TransportError{StatusCode: 404}},
	}
	poller := NewStatusPoller(book, reader, newPollerInvoker(5), zerolog.Nop())

	n, err := poller.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"B-1", "B-2"}, reader.calls)
}

func TestStatusPoller_StopsAtOpenCircuit(t *testing.T) {
	book, _, _ := newTestBook(t)
	seedOpenOrders(t, book, "B-1", "B-2", "B-3")

	reader := &scriptedStatus{errs: map[string]error{"B-1": &domain.TransportError{StatusCode: 503}}}
	poller := NewStatusPoller(book, reader, newPollerInvoker(1), zerolog.Nop())

	_, err := poller.Poll(context.Background())
	var open *domain.CircuitOpenError
	require.True(t, errors.As(err, &open))
	assert.Equal(t, []string{"B-1"}, reader.calls)
}
