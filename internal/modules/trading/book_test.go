package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/events"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBook(t *testing.T) (*OrderBook, *fakeLedger, *events.Bus) {
	t.Helper()
	log := zerolog.Nop()
	bus := events.NewBus(log)
	ledger := &fakeLedger{}
	return NewOrderBook(ledger, events.NewManager(bus, log), log), ledger, bus
}

func confirmedRecord(orderID, key string, qty int64) domain.OrderRecord {
	now := time.Now()
	return domain.OrderRecord{
		OrderID:        orderID,
		IdempotencyKey: key,
		Intent:         marketBuy("acct-1", "AAPL", qty),
		State:          domain.OrderConfirmed,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func fill(id, orderID string, qty, price int64) domain.Fill {
	return domain.Fill{FillID: id, OrderID: orderID, Quantity: decimal.NewFromInt(qty), Price: decimal.NewFromInt(price)}
}

func TestOrderBook_RecordAndLookup(t *testing.T) {
	book, ledger, bus := newTestBook(t)
	var submitted []*events.OrderSubmittedData
	bus.Subscribe(events.OrderSubmitted, func(e *events.Event) {
		submitted = append(submitted, e.GetTypedData().(*events.OrderSubmittedData))
	})

	ctx := context.Background()
	require.NoError(t, book.Record(ctx, confirmedRecord("B-1", "k-1", 10)))

	rec, ok := book.ByIdempotencyKey("k-1")
	require.True(t, ok)
	assert.Equal(t, "B-1", rec.OrderID)

	rec.State = domain.OrderCanceled
	again, _ := book.Get("B-1")
	assert.Equal(t, domain.OrderConfirmed, again.State, "callers get copies")

	err := book.Record(ctx, confirmedRecord("B-2", "k-1", 10))
	assert.ErrorIs(t, err, domain.ErrDuplicateSubmission)
	_, ok = book.Get("B-2")
	assert.False(t, ok)

	assert.Equal(t, 1, ledger.count())
	require.Len(t, submitted, 1)
	assert.Equal(t, "k-1", submitted[0].IdempotencyKey)
}

func TestOrderBook_FillsAccumulate(t *testing.T) {
	book, ledger, bus := newTestBook(t)
	var filled []*events.OrderFilledData
	bus.Subscribe(events.OrderFilled, func(e *events.Event) {
		filled = append(filled, e.GetTypedData().(*events.OrderFilledData))
	})

	ctx := context.Background()
	require.NoError(t, book.Record(ctx, confirmedRecord("B-1", "k-1", 10)))

	require.NoError(t, book.ApplyFill(ctx, fill("f-1", "B-1", 4, 100)))
	rec, _ := book.Get("B-1")
	assert.Equal(t, domain.OrderPartiallyFilled, rec.State)
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(4)))

	require.NoError(t, book.ApplyFill(ctx, fill("f-2", "B-1", 6, 110)))
	rec, _ = book.Get("B-1")
	assert.Equal(t, domain.OrderFilled, rec.State)
	// (4*100 + 6*110) / 10
	assert.True(t, rec.AvgFillPrice.Equal(decimal.NewFromInt(106)), rec.AvgFillPrice.String())
	assert.Empty(t, book.Open())

	require.Len(t, filled, 2)
	assert.Equal(t, "acct-1", filled[1].Fill.AccountID)
	assert.Equal(t, "AAPL", filled[1].Fill.Symbol)
	assert.Equal(t, domain.SideBuy, filled[1].Fill.Side)
	assert.Equal(t, domain.OrderFilled, filled[1].State)

	assert.Equal(t, 3, ledger.count())
	assert.Equal(t, domain.OrderPartiallyFilled, ledger.transitions[2].From)
	assert.Equal(t, domain.OrderFilled, ledger.transitions[2].To)
}

func TestOrderBook_FillGuards(t *testing.T) {
	book, ledger, _ := newTestBook(t)
	ctx := context.Background()
	require.NoError(t, book.Record(ctx, confirmedRecord("B-1", "k-1", 10)))

	require.NoError(t, book.ApplyFill(ctx, fill("f-1", "B-1", 4, 100)))
	require.NoError(t, book.ApplyFill(ctx, fill("f-1", "B-1", 4, 100)), "replayed fill is ignored")
	rec, _ := book.Get("B-1")
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(4)))

	err := book.ApplyFill(ctx, fill("f-2", "B-1", 7, 100))
	assert.Error(t, err, "overfill")

	err = book.ApplyFill(ctx, fill("f-3", "B-9", 1, 100))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = book.ApplyFill(ctx, fill("f-4", "B-1", 0, 100))
	assert.Error(t, err)

	assert.Equal(t, 2, ledger.count())
}

func TestOrderBook_TerminalStatesAreFinal(t *testing.T) {
	book, _, bus := newTestBook(t)
	var canceled int
	bus.Subscribe(events.OrderCanceled, func(e *events.Event) { canceled++ })

	ctx := context.Background()
	require.NoError(t, book.Record(ctx, confirmedRecord("B-1", "k-1", 1)))
	require.NoError(t, book.ApplyFill(ctx, fill("f-1", "B-1", 1, 100)))

	err := book.ApplyCancel(ctx, "B-1", "user")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	require.NoError(t, book.Record(ctx, confirmedRecord("B-2", "k-2", 1)))
	require.NoError(t, book.ApplyCancel(ctx, "B-2", "user"))
	require.NoError(t, book.ApplyCancel(ctx, "B-2", "user"), "repeating the same close is a no-op")
	assert.Equal(t, 1, canceled)

	err = book.ApplyFill(ctx, fill("f-2", "B-2", 1, 100))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestOrderBook_ApplyStatus(t *testing.T) {
	book, _, _ := newTestBook(t)
	ctx := context.Background()

	rec := confirmedRecord("B-1", "k-1", 10)
	rec.State = domain.OrderQueued
	require.NoError(t, book.Record(ctx, rec))

	require.NoError(t, book.ApplyStatus(ctx, domain.OrderStatusUpdate{OrderID: "B-1", Status: domain.OrderConfirmed}))
	got, _ := book.Get("B-1")
	assert.Equal(t, domain.OrderConfirmed, got.State)

	update := domain.OrderStatusUpdate{
		OrderID:        "B-1",
		Status:         domain.OrderPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(4),
		AvgFillPrice:   decimal.NewFromInt(100),
	}
	require.NoError(t, book.ApplyStatus(ctx, update))
	require.NoError(t, book.ApplyStatus(ctx, update), "same progress twice books nothing new")

	update.Status = domain.OrderFilled
	update.FilledQuantity = decimal.NewFromInt(10)
	update.AvgFillPrice = decimal.NewFromInt(106)
	require.NoError(t, book.ApplyStatus(ctx, update))

	got, _ = book.Get("B-1")
	assert.Equal(t, domain.OrderFilled, got.State)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.AvgFillPrice.Equal(decimal.NewFromInt(106)), got.AvgFillPrice.String())

	err := book.ApplyStatus(ctx, domain.OrderStatusUpdate{OrderID: "missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderBook_PolledAndFeedFillsCountOnce(t *testing.T) {
	book, ledger, bus := newTestBook(t)
	var filled []*events.OrderFilledData
	bus.Subscribe(events.OrderFilled, func(e *events.Event) {
		filled = append(filled, e.GetTypedData().(*events.OrderFilledData))
	})

	ctx := context.Background()
	require.NoError(t, book.Record(ctx, confirmedRecord("B-1", "k-1", 10)))

	require.NoError(t, book.ApplyStatus(ctx, domain.OrderStatusUpdate{
		OrderID:        "B-1",
		Status:         domain.OrderPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(4),
		AvgFillPrice:   decimal.NewFromInt(150),
	}))
	require.NoError(t, book.ApplyFill(ctx, fill("F-1", "B-1", 4, 150)))

	rec, _ := book.Get("B-1")
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(4)), rec.FilledQuantity.String())
	assert.Equal(t, domain.OrderPartiallyFilled, rec.State)
	require.Len(t, filled, 1)
	assert.True(t, filled[0].Fill.Quantity.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, 2, ledger.count())

	// a second feed execution is new quantity beyond the polled progress
	require.NoError(t, book.ApplyFill(ctx, fill("F-2", "B-1", 6, 150)))
	rec, _ = book.Get("B-1")
	assert.Equal(t, domain.OrderFilled, rec.State)
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(10)))
	assert.Len(t, filled, 2)
}

func TestOrderBook_FeedThenPollCountsOnce(t *testing.T) {
	book, _, bus := newTestBook(t)
	var filled int
	bus.Subscribe(events.OrderFilled, func(e *events.Event) { filled++ })

	ctx := context.Background()
	require.NoError(t, book.Record(ctx, confirmedRecord("B-1", "k-1", 10)))

	require.NoError(t, book.ApplyFill(ctx, fill("F-1", "B-1", 4, 150)))
	require.NoError(t, book.ApplyStatus(ctx, domain.OrderStatusUpdate{
		OrderID:        "B-1",
		Status:         domain.OrderPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(4),
		AvgFillPrice:   decimal.NewFromInt(150),
	}))
	rec, _ := book.Get("B-1")
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(4)))
	assert.Equal(t, 1, filled)

	// the poll runs ahead of the feed: 7 filled at an average of 152 means 3 more at 154.67
	require.NoError(t, book.ApplyStatus(ctx, domain.OrderStatusUpdate{
		OrderID:        "B-1",
		Status:         domain.OrderPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(7),
		AvgFillPrice:   decimal.NewFromInt(152),
	}))
	rec, _ = book.Get("B-1")
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(7)))
	assert.True(t, rec.AvgFillPrice.Round(4).Equal(decimal.NewFromInt(152)), rec.AvgFillPrice.String())
	assert.Equal(t, 2, filled)

	// the feed then reports the same 3; its sum now matches the polled total
	require.NoError(t, book.ApplyFill(ctx, fill("F-2", "B-1", 3, 155)))
	rec, _ = book.Get("B-1")
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(7)), rec.FilledQuantity.String())
	assert.Equal(t, 2, filled)
}

func TestOrderBook_FeedCumulativeQuantity(t *testing.T) {
	book, _, _ := newTestBook(t)
	ctx := context.Background()
	require.NoError(t, book.Record(ctx, confirmedRecord("B-1", "k-1", 10)))

	require.NoError(t, book.ApplyStatus(ctx, domain.OrderStatusUpdate{
		OrderID:        "B-1",
		Status:         domain.OrderPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(4),
		AvgFillPrice:   decimal.NewFromInt(150),
	}))

	f := fill("F-2", "B-1", 2, 151)
	f.CumulativeQuantity = decimal.NewFromInt(6)
	require.NoError(t, book.ApplyFill(ctx, f))

	rec, _ := book.Get("B-1")
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(6)), rec.FilledQuantity.String())
}

func TestOrderBook_StatusAfterLoadKeepsBookedFills(t *testing.T) {
	rec := confirmedRecord("B-1", "k-1", 10)
	rec.State = domain.OrderPartiallyFilled
	rec.FilledQuantity = decimal.NewFromInt(4)
	rec.AvgFillPrice = decimal.NewFromInt(150)

	book := NewOrderBook(&fakeLedger{records: []domain.OrderRecord{rec}}, nil, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, book.Load(ctx))

	require.NoError(t, book.ApplyStatus(ctx, domain.OrderStatusUpdate{
		OrderID:        "B-1",
		Status:         domain.OrderPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(4),
		AvgFillPrice:   decimal.NewFromInt(150),
	}))
	require.NoError(t, book.ApplyFill(ctx, fill("F-9", "B-1", 1, 150)))

	got, _ := book.Get("B-1")
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(5)), got.FilledQuantity.String())
}

func TestOrderBook_ConcurrentStatusAndFeed(t *testing.T) {
	book, _, _ := newTestBook(t)
	ctx := context.Background()
	require.NoError(t, book.Record(ctx, confirmedRecord("B-1", "k-1", 10)))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = book.ApplyStatus(ctx, domain.OrderStatusUpdate{
				OrderID:        "B-1",
				Status:         domain.OrderPartiallyFilled,
				FilledQuantity: decimal.NewFromInt(4),
				AvgFillPrice:   decimal.NewFromInt(150),
			})
		}()
		go func() {
			defer wg.Done()
			_ = book.ApplyFill(ctx, fill("F-1", "B-1", 4, 150))
		}()
	}
	wg.Wait()

	rec, _ := book.Get("B-1")
	assert.True(t, rec.FilledQuantity.Equal(decimal.NewFromInt(4)), rec.FilledQuantity.String())
}

func TestOrderBook_LedgerFailureKeepsIndex(t *testing.T) {
	book, ledger, bus := newTestBook(t)
	ledger.err = errors.New("disk full")
	var reported int
	bus.Subscribe(events.ErrorOccurred, func(e *events.Event) { reported++ })

	err := book.Record(context.Background(), confirmedRecord("B-1", "k-1", 1))
	require.Error(t, err)

	_, ok := book.ByIdempotencyKey("k-1")
	assert.True(t, ok)
	assert.Equal(t, 1, reported)
}

func TestOrderBook_Load(t *testing.T) {
	open := confirmedRecord("B-1", "k-1", 1)
	done := confirmedRecord("B-2", "k-2", 1)
	done.State = domain.OrderFilled

	ledger := &fakeLedger{records: []domain.OrderRecord{open, done}}
	book := NewOrderBook(ledger, nil, zerolog.Nop())
	require.NoError(t, book.Load(context.Background()))

	_, ok := book.ByIdempotencyKey("k-2")
	assert.True(t, ok)
	openOrders := book.Open()
	require.Len(t, openOrders, 1)
	assert.Equal(t, "B-1", openOrders[0].OrderID)
}
