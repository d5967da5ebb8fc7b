// Package portfolio owns current holdings. Positions change only on confirmed fills or on a
// refresh from the broker; the portfolio snapshot is derived on read.
package portfolio

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aristath/tradegate/internal/cache"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/events"
	"github.com/aristath/tradegate/internal/invoker"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// PositionReader reads the broker's view of an account's holdings.
type PositionReader interface {
	GetPositions(ctx context.Context, accountID string) ([]domain.BrokerPosition, error)
}

// QuoteSource supplies latest quotes for valuation.
type QuoteSource interface {
	Quotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error)
}

// AccountSource supplies cash for the snapshot.
type AccountSource interface {
	Summary(ctx context.Context, accountID string) (domain.AccountSummary, error)
}

// Cache is the subset of the response cache the tracker needs.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Version() uint64
	SetIfUnchanged(ctx context.Context, key string, value interface{}, ttl time.Duration, version uint64) (bool, error)
	InvalidateAll(ctx context.Context, patterns ...string) error
}

// Tracker holds positions per account. Safe for concurrent use; readers always get copies.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]map[string]*domain.Position // account -> symbol -> position

	broker   PositionReader
	inv      *invoker.Invoker
	quotes   QuoteSource
	accounts AccountSource
	cache    Cache
	ttl      cache.TTLs
	events   *events.Manager
	now      func() time.Time
	log      zerolog.Logger
}

// NewTracker creates an empty tracker. cache and eventManager may be nil.
func NewTracker(
	broker PositionReader,
	inv *invoker.Invoker,
	quotes QuoteSource,
	accounts AccountSource,
	c Cache,
	ttl cache.TTLs,
	eventManager *events.Manager,
	log zerolog.Logger,
) *Tracker {
	return &Tracker{
		positions: make(map[string]map[string]*domain.Position),
		broker:    broker,
		inv:       inv,
		quotes:    quotes,
		accounts:  accounts,
		cache:     c,
		ttl:       ttl,
		events:    eventManager,
		now:       time.Now,
		log:       log.With().Str("service", "position_tracker").Logger(),
	}
}

// Subscribe applies every ORDER_FILLED event on bus. The bus dispatches synchronously, so the
// position and its cache entries are updated before the emitter returns. The returned
// function unsubscribes.
func (t *Tracker) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(events.OrderFilled, func(e *events.Event) {
		data, ok := e.GetTypedData().(*events.OrderFilledData)
		if !ok {
			t.log.Warn().Str("module", e.Module).Msg("ORDER_FILLED event without fill data")
			return
		}
		if err := t.ApplyFill(context.Background(), data.Fill); err != nil {
			t.log.Error().Err(err).Str("order_id", data.Fill.OrderID).Msg("Failed to apply fill to positions")
		}
	})
}

// ApplyFill moves the position for a confirmed execution. Buys blend into the average cost;
// sells realize P&L against it and leave it unchanged. A position sold down to zero is removed.
func (t *Tracker) ApplyFill(ctx context.Context, fill domain.Fill) error {
	if fill.AccountID == "" || fill.Symbol == "" {
		return fmt.Errorf("fill %s is missing account or symbol", fill.OrderID)
	}
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return fmt.Errorf("fill %s has non-positive quantity or price", fill.OrderID)
	}
	symbol := strings.ToUpper(fill.Symbol)

	t.mu.Lock()
	acct := t.account(fill.AccountID)
	pos, ok := acct[symbol]
	if !ok {
		pos = &domain.Position{AccountID: fill.AccountID, Symbol: symbol}
		acct[symbol] = pos
	}

	switch fill.Side {
	case domain.SideBuy:
		qty := pos.Quantity.Add(fill.Quantity)
		cost := pos.AvgCost.Mul(pos.Quantity).Add(fill.Price.Mul(fill.Quantity))
		pos.AvgCost = cost.Div(qty)
		pos.Quantity = qty
	case domain.SideSell:
		sold := fill.Quantity
		if sold.GreaterThan(pos.Quantity) {
			t.log.Warn().
				Str("account_id", fill.AccountID).
				Str("symbol", symbol).
				Str("held", pos.Quantity.String()).
				Str("sold", sold.String()).
				Msg("Sell fill exceeds tracked position, refresh needed")
			sold = pos.Quantity
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(fill.Price.Sub(pos.AvgCost).Mul(sold))
		pos.Quantity = pos.Quantity.Sub(sold)
	default:
		t.mu.Unlock()
		return fmt.Errorf("fill %s has unknown side %q", fill.OrderID, fill.Side)
	}

	pos.LastPrice = fill.Price
	pos.UpdatedAt = t.now()
	revalue(pos)
	if !pos.Quantity.IsPositive() {
		delete(acct, symbol)
	}
	t.mu.Unlock()

	t.changed(ctx, fill.AccountID, symbol, "fill")
	return nil
}

// Refresh replaces the account's positions with the broker's. Realized P&L carries over for
// symbols still held.
func (t *Tracker) Refresh(ctx context.Context, accountID string) error {
	held, err := invoker.Invoke(ctx, t.inv, invoker.Call[[]domain.BrokerPosition]{
		Scope: domain.ScopeAccount,
		Operation: func(ctx context.Context) ([]domain.BrokerPosition, error) {
			return t.broker.GetPositions(ctx, accountID)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to refresh positions for %s: %w", accountID, err)
	}

	now := t.now()
	next := make(map[string]*domain.Position, len(held))
	t.mu.Lock()
	prev := t.positions[accountID]
	for _, bp := range held {
		if !bp.Quantity.IsPositive() {
			continue
		}
		symbol := strings.ToUpper(bp.Symbol)
		pos := &domain.Position{
			AccountID: accountID,
			Symbol:    symbol,
			Quantity:  bp.Quantity,
			AvgCost:   bp.AvgCost,
			LastPrice: bp.LastPrice,
			UpdatedAt: now,
		}
		if old, ok := prev[symbol]; ok {
			pos.RealizedPnL = old.RealizedPnL
			if !pos.LastPrice.IsPositive() {
				pos.LastPrice = old.LastPrice
			}
		}
		revalue(pos)
		next[symbol] = pos
	}
	t.positions[accountID] = next
	t.mu.Unlock()

	t.log.Debug().Str("account_id", accountID).Int("positions", len(next)).Msg("Positions refreshed")
	t.changed(ctx, accountID, "", "refresh")
	return nil
}

// UpdatePrice revalues every holding of symbol at price.
func (t *Tracker) UpdatePrice(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	symbol = strings.ToUpper(symbol)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, acct := range t.positions {
		if pos, ok := acct[symbol]; ok {
			pos.LastPrice = price
			revalue(pos)
		}
	}
}

// Position returns a copy of one holding.
func (t *Tracker) Position(accountID, symbol string) (domain.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.positions[accountID][strings.ToUpper(symbol)]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Positions returns copies of the account's holdings sorted by symbol.
func (t *Tracker) Positions(accountID string) []domain.Position {
	t.mu.RLock()
	out := make([]domain.Position, 0, len(t.positions[accountID]))
	for _, pos := range t.positions[accountID] {
		out = append(out, *pos)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Accounts lists accounts with at least one tracked position.
func (t *Tracker) Accounts() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.positions))
	for acct, held := range t.positions {
		if len(held) > 0 {
			out = append(out, acct)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot values the account from its positions, the latest quotes and cash. The result is
// cached under its own short TTL and invalidated by every position change; a snapshot
// computed across a change is returned but not cached.
func (t *Tracker) Snapshot(ctx context.Context, accountID string) (domain.PortfolioSnapshot, error) {
	key := cache.PortfolioKey(accountID)
	var version uint64
	if t.cache != nil && t.ttl.Portfolio > 0 {
		version = t.cache.Version()
		var cached domain.PortfolioSnapshot
		hit, err := t.cache.Get(ctx, key, &cached)
		if err != nil {
			t.log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		} else if hit {
			return cached, nil
		}
	}

	summary, err := t.accounts.Summary(ctx, accountID)
	if err != nil {
		return domain.PortfolioSnapshot{}, fmt.Errorf("failed to get cash for %s: %w", accountID, err)
	}

	positions := t.Positions(accountID)
	if t.quotes != nil && len(positions) > 0 {
		symbols := make([]string, len(positions))
		for i, p := range positions {
			symbols[i] = p.Symbol
		}
		quotes, qerr := t.quotes.Quotes(ctx, symbols)
		if qerr != nil {
			// last known prices stand in for missing quotes
			t.log.Warn().Err(qerr).Str("account_id", accountID).Msg("Some quotes unavailable for snapshot")
		}
		for i := range positions {
			if q, ok := quotes[positions[i].Symbol]; ok {
				if price := q.MarkPrice(); price.IsPositive() {
					positions[i].LastPrice = price
					revalue(&positions[i])
					t.UpdatePrice(positions[i].Symbol, price)
				}
			}
		}
	}

	snap := domain.PortfolioSnapshot{
		AccountID:  accountID,
		Positions:  positions,
		Cash:       summary.Cash,
		ComputedAt: t.now(),
	}
	for _, p := range positions {
		snap.MarketValue = snap.MarketValue.Add(p.MarketValue())
		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(p.UnrealizedPnL)
		snap.RealizedPnL = snap.RealizedPnL.Add(p.RealizedPnL)
	}
	snap.Equity = snap.Cash.Add(snap.MarketValue)

	if t.cache != nil && t.ttl.Portfolio > 0 {
		if _, err := t.cache.SetIfUnchanged(ctx, key, snap, t.ttl.Portfolio, version); err != nil {
			t.log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		}
	}
	return snap, nil
}

// changed invalidates everything derived from the account's positions, then announces it.
func (t *Tracker) changed(ctx context.Context, accountID, symbol, source string) {
	if t.cache != nil {
		if err := t.cache.InvalidateAll(context.WithoutCancel(ctx), cache.AfterFillPatterns(accountID)...); err != nil {
			t.log.Error().Err(err).Str("account_id", accountID).Msg("Failed to invalidate position cache")
		}
	}
	if t.events != nil {
		t.events.EmitTyped("portfolio", &events.PositionsChangedData{
			AccountID: accountID,
			Symbol:    symbol,
			Source:    source,
		})
	}
}

// account must be called with the write lock held.
func (t *Tracker) account(accountID string) map[string]*domain.Position {
	acct, ok := t.positions[accountID]
	if !ok {
		acct = make(map[string]*domain.Position)
		t.positions[accountID] = acct
	}
	return acct
}

func revalue(p *domain.Position) {
	if p.LastPrice.IsPositive() {
		p.UnrealizedPnL = p.LastPrice.Sub(p.AvgCost).Mul(p.Quantity)
	}
}
