package trading

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aristath/tradegate/internal/breaker"
	"github.com/aristath/tradegate/internal/cache"
	"github.com/aristath/tradegate/internal/config"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/events"
	"github.com/aristath/tradegate/internal/invoker"
	"github.com/aristath/tradegate/internal/modules/market"
	"github.com/aristath/tradegate/internal/ratelimit"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// fakeBroker keeps just enough state to behave like an exchange account: placing a buy
// reserves its cost from buying power and repeated idempotency keys collapse to one order.
type fakeBroker struct {
	mu          sync.Mutex
	buyingPower decimal.Decimal
	equity      decimal.Decimal
	price       decimal.Decimal
	tradable    bool
	orders      map[string]string
	placeCalls  int
	placedKeys  []string
	// failAfterPlace makes the next placement succeed at the broker but fail on the wire
	failAfterPlace error
	placeDelay     time.Duration
	statuses       map[string]domain.OrderStatusUpdate

	// a hold parks the next call of its kind, an account read after it has read the balance;
	// entered closes when it parks and closing release lets it finish.
	accountHold *hold
	placeHold   *hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
}

func newHold() *hold {
	return &hold{entered: make(chan struct{}), release: make(chan struct{})}
}

func (h *hold) park() {
	if h != nil {
		close(h.entered)
		<-h.release
	}
}

func (b *fakeBroker) holdNextAccountRead() *hold {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountHold = newHold()
	return b.accountHold
}

func (b *fakeBroker) holdNextPlacement() *hold {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placeHold = newHold()
	return b.placeHold
}

func newFakeBroker(buyingPower, price int64) *fakeBroker {
	return &fakeBroker{
		buyingPower: decimal.NewFromInt(buyingPower),
		equity:      decimal.NewFromInt(1_000_000),
		price:       decimal.NewFromInt(price),
		tradable:    true,
		orders:      make(map[string]string),
		statuses:    make(map[string]domain.OrderStatusUpdate),
	}
}

func (b *fakeBroker) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.Quote{Symbol: symbol, Bid: b.price, Ask: b.price, Last: b.price, Timestamp: time.Now()}, nil
}

func (b *fakeBroker) GetAccount(ctx context.Context, accountID string) (domain.AccountSummary, error) {
	b.mu.Lock()
	summary := domain.AccountSummary{AccountID: accountID, Cash: b.buyingPower, BuyingPower: b.buyingPower, Equity: b.equity}
	h := b.accountHold
	b.accountHold = nil
	b.mu.Unlock()

	h.park()
	return summary, nil
}

func (b *fakeBroker) GetInstrument(ctx context.Context, symbol string) (domain.Instrument, error) {
	if symbol == "NOPE" {
		return domain.Instrument{}, &domain.TransportError{StatusCode: 404}
	}
	return domain.Instrument{Symbol: symbol, Tradable: b.tradable}, nil
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, intent domain.OrderIntent, key string) (domain.OrderAck, error) {
	if b.placeDelay > 0 {
		time.Sleep(b.placeDelay)
	}
	b.mu.Lock()
	h := b.placeHold
	b.placeHold = nil
	b.mu.Unlock()
	h.park()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.placeCalls++
	b.placedKeys = append(b.placedKeys, key)
	if id, ok := b.orders[key]; ok {
		return domain.OrderAck{OrderID: id, Status: domain.OrderConfirmed}, nil
	}

	id := fmt.Sprintf("B-%d", len(b.orders)+1)
	b.orders[key] = id
	if intent.Side == domain.SideBuy {
		b.buyingPower = b.buyingPower.Sub(intent.Quantity.Mul(b.price))
	}

	if err := b.failAfterPlace; err != nil {
		b.failAfterPlace = nil
		return domain.OrderAck{}, err
	}
	return domain.OrderAck{OrderID: id, Status: domain.OrderConfirmed}, nil
}

func (b *fakeBroker) GetOrderStatus(ctx context.Context, accountID, orderID string) (domain.OrderStatusUpdate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.statuses[orderID]
	if !ok {
		return domain.OrderStatusUpdate{OrderID: orderID, Status: domain.OrderConfirmed}, nil
	}
	return u, nil
}

func (b *fakeBroker) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.placeCalls
}

type fakeLedger struct {
	mu          sync.Mutex
	transitions []domain.OrderTransition
	records     []domain.OrderRecord
	err         error
}

func (l *fakeLedger) Append(ctx context.Context, t domain.OrderTransition) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.transitions = append(l.transitions, t)
	return nil
}

func (l *fakeLedger) All(ctx context.Context) ([]domain.OrderRecord, error) {
	return l.records, nil
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.transitions)
}

type sliceSource struct {
	intents []domain.OrderIntent
}

func (s *sliceSource) Next(ctx context.Context) (domain.OrderIntent, error) {
	if len(s.intents) == 0 {
		return domain.OrderIntent{}, io.EOF
	}
	next := s.intents[0]
	s.intents = s.intents[1:]
	return next, nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	broker   *fakeBroker
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	ledger   *fakeLedger
	bus      *events.Bus
	inv      *invoker.Invoker
	accounts *market.AccountService
}

func newPipelineFixture(t *testing.T, broker *fakeBroker, mode string, policy invoker.Policy) *pipelineFixture {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	c := cache.New(cache.NewLocalTier(nil), nil, cache.Options{}, log)
	limiter := ratelimit.New(ratelimit.Config{
		Global:  ratelimit.Limit{Capacity: 1000, RefillRate: 1000},
		Default: ratelimit.Limit{Capacity: 1000, RefillRate: 1000},
	}, log)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, log)
	inv := invoker.New(c, limiter, breakers, policy, log)

	ttl := cache.DefaultTTLs()
	accounts := market.NewAccountService(broker, inv, ttl)
	risk := NewRiskChecker(
		market.NewQuoteService(broker, inv, ttl, log),
		accounts,
		market.NewInstrumentService(broker, inv, ttl),
		nil,
		mode,
		config.RiskConfig{MaxPositionPct: 1, ConcentrationWarnHHI: 0.5},
		log,
	)

	bus := events.NewBus(log)
	manager := events.NewManager(bus, log)
	ledger := &fakeLedger{}
	book := NewOrderBook(ledger, manager, log)

	return &pipelineFixture{
		pipeline: NewPipeline(risk, book, broker, inv, c, manager, log),
		broker:   broker,
		cache:    c,
		limiter:  limiter,
		ledger:   ledger,
		bus:      bus,
		inv:      inv,
		accounts: accounts,
	}
}

func marketBuy(account, symbol string, qty int64) domain.OrderIntent {
	return domain.OrderIntent{
		ID:        "intent-" + symbol,
		AccountID: account,
		Symbol:    symbol,
		Side:      domain.SideBuy,
		Quantity:  decimal.NewFromInt(qty),
		Kind:      domain.KindMarket,
	}
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
