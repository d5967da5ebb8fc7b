package trading

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/events"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// LedgerStore is the durable side of the order book.
type LedgerStore interface {
	domain.Ledger
	All(ctx context.Context) ([]domain.OrderRecord, error)
}

// OrderBook is the in-memory index of order records, written through to the ledger.
// Records are never removed; every state change is appended as a transition.
type OrderBook struct {
	// wmu serializes writers so ledger order matches in-memory order
	wmu       sync.Mutex
	mu        sync.RWMutex
	byID      map[string]*domain.OrderRecord
	byKey     map[string]*domain.OrderRecord
	seenFills map[string]struct{}
	progress  map[string]*fillProgress
	pending   map[string]PendingSubmission

	ledger LedgerStore
	events *events.Manager
	now    func() time.Time
	log    zerolog.Logger
}

// NewOrderBook creates an empty book. ledger and eventManager may be nil.
func NewOrderBook(ledger LedgerStore, eventManager *events.Manager, log zerolog.Logger) *OrderBook {
	return &OrderBook{
		byID:      make(map[string]*domain.OrderRecord),
		byKey:     make(map[string]*domain.OrderRecord),
		seenFills: make(map[string]struct{}),
		progress:  make(map[string]*fillProgress),
		pending:   make(map[string]PendingSubmission),
		ledger:    ledger,
		events:    eventManager,
		now:       time.Now,
		log:       log.With().Str("component", "order_book").Logger(),
	}
}

// Load rebuilds the index from the ledger.
func (b *OrderBook) Load(ctx context.Context) error {
	if b.ledger == nil {
		return nil
	}
	records, err := b.ledger.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to load orders from ledger: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range records {
		rec := records[i]
		b.byID[rec.OrderID] = &rec
		b.byKey[rec.IdempotencyKey] = &rec
	}
	b.log.Info().Int("orders", len(records)).Msg("Order book loaded")
	return nil
}

// ByIdempotencyKey returns a copy of the record created for key.
func (b *OrderBook) ByIdempotencyKey(key string) (*domain.OrderRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.byKey[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Get returns a copy of one record.
func (b *OrderBook) Get(orderID string) (*domain.OrderRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.byID[orderID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Open returns copies of every live record, oldest first.
func (b *OrderBook) Open() []domain.OrderRecord {
	b.mu.RLock()
	out := make([]domain.OrderRecord, 0)
	for _, rec := range b.byID {
		if rec.Live() {
			out = append(out, *rec.Clone())
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingSubmission is a placement whose outcome is unknown: the broker may hold a live order
// under its idempotency key that the book has not recorded.
type PendingSubmission struct {
	Intent     domain.OrderIntent    `json:"intent"`
	Assessment domain.RiskAssessment `json:"assessment"`
	Since      time.Time             `json:"since"`
}

// MarkPending remembers key as possibly placed. Recording an order under key clears it.
func (b *OrderBook) MarkPending(key string, p PendingSubmission) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, recorded := b.byKey[key]; recorded {
		return
	}
	b.pending[key] = p
}

// Pending returns the unresolved placement for key, if any.
func (b *OrderBook) Pending(key string) (PendingSubmission, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.pending[key]
	return p, ok
}

// ClearPending forgets key once the broker has definitely not placed it.
func (b *OrderBook) ClearPending(key string) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
}

// PendingCount is the number of placements with unknown outcome.
func (b *OrderBook) PendingCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// Record adds a newly submitted order. The record is indexed even if the ledger write fails,
// so a retried submission still finds it; the ledger error is returned for the caller to report.
func (b *OrderBook) Record(ctx context.Context, rec domain.OrderRecord) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()

	b.mu.Lock()
	if _, exists := b.byKey[rec.IdempotencyKey]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDuplicateSubmission, rec.IdempotencyKey)
	}
	delete(b.pending, rec.IdempotencyKey)
	stored := rec.Clone()
	b.byID[rec.OrderID] = stored
	b.byKey[rec.IdempotencyKey] = stored
	t := transitionFor(stored, "", stored.RejectReason)
	b.mu.Unlock()

	err := b.append(ctx, t)

	if stored.State == domain.OrderRejected {
		b.emit(&events.OrderClosedData{
			Type:      events.OrderRejected,
			OrderID:   rec.OrderID,
			AccountID: rec.Intent.AccountID,
			Symbol:    rec.Intent.Symbol,
			Reason:    rec.RejectReason,
		})
	} else {
		b.emit(&events.OrderSubmittedData{
			OrderID:        rec.OrderID,
			IdempotencyKey: rec.IdempotencyKey,
			AccountID:      rec.Intent.AccountID,
			Symbol:         rec.Intent.Symbol,
			Side:           rec.Intent.Side,
			Quantity:       rec.Intent.Quantity,
			State:          string(rec.State),
		})
	}
	return err
}

// ApplyFill books an execution from the push feed. Fills carrying an id already seen are
// ignored, and only the part not yet booked from a polled status is applied, so an execution
// reported by both sources moves the order once.
func (b *OrderBook) ApplyFill(ctx context.Context, fill domain.Fill) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()

	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return fmt.Errorf("fill for %s has non-positive quantity or price", fill.OrderID)
	}

	b.mu.Lock()
	rec, ok := b.byID[fill.OrderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("fill for order %s: %w", fill.OrderID, domain.ErrNotFound)
	}
	if fill.FillID != "" {
		if _, seen := b.seenFills[fill.FillID]; seen {
			b.mu.Unlock()
			return nil
		}
	}

	prog := b.progressLocked(rec)
	next := fillProgress{
		feed:   prog.feed.Add(fill.Quantity),
		broker: decimal.Max(prog.broker, fill.CumulativeQuantity),
	}
	t, err := b.bookLocked(rec, next.target(), fill.Price, &fill)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	*prog = next
	if fill.FillID != "" {
		b.seenFills[fill.FillID] = struct{}{}
	}
	b.mu.Unlock()

	if t == nil {
		b.log.Debug().Str("order_id", fill.OrderID).Str("fill_id", fill.FillID).Msg("Fill already booked from status")
		return nil
	}
	return b.announceFill(ctx, *t, fill)
}

// ApplyCancel closes a live order as canceled.
func (b *OrderBook) ApplyCancel(ctx context.Context, orderID, reason string) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	return b.close(ctx, orderID, domain.OrderCanceled, reason, events.OrderCanceled)
}

// ApplyReject closes a live order as rejected by the broker.
func (b *OrderBook) ApplyReject(ctx context.Context, orderID, reason string) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	return b.close(ctx, orderID, domain.OrderRejected, reason, events.OrderRejected)
}

// ApplyStatus reconciles a polled status: cumulative fill progress beyond what is booked
// becomes a fill for the difference, then confirmations and closures are applied.
func (b *OrderBook) ApplyStatus(ctx context.Context, u domain.OrderStatusUpdate) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()

	b.mu.Lock()
	rec, ok := b.byID[u.OrderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("status for order %s: %w", u.OrderID, domain.ErrNotFound)
	}
	if rec.State.Terminal() {
		b.mu.Unlock()
		return nil
	}

	prog := b.progressLocked(rec)
	next := fillProgress{feed: prog.feed, broker: decimal.Max(prog.broker, u.FilledQuantity)}
	target := next.target()

	var t *domain.OrderTransition
	fill := domain.Fill{OrderID: u.OrderID, ExecutedAt: u.UpdatedAt}
	if target.GreaterThan(rec.FilledQuantity) {
		delta := target.Sub(rec.FilledQuantity)
		// the broker's average covers everything it has filled; back out what is booked
		price := u.AvgFillPrice.Mul(u.FilledQuantity).Sub(rec.AvgFillPrice.Mul(rec.FilledQuantity)).Div(delta)
		if !price.IsPositive() {
			price = u.AvgFillPrice
		}
		if !price.IsPositive() {
			b.mu.Unlock()
			return fmt.Errorf("status for order %s reports fills without a price", u.OrderID)
		}
		var err error
		if t, err = b.bookLocked(rec, target, price, &fill); err != nil {
			b.mu.Unlock()
			return err
		}
	}
	*prog = next
	b.mu.Unlock()

	if t != nil {
		if err := b.announceFill(ctx, *t, fill); err != nil {
			return err
		}
	}

	switch u.Status {
	case domain.OrderCanceled:
		return b.close(ctx, u.OrderID, domain.OrderCanceled, u.Reason, events.OrderCanceled)
	case domain.OrderRejected:
		return b.close(ctx, u.OrderID, domain.OrderRejected, u.Reason, events.OrderRejected)
	case domain.OrderConfirmed:
		return b.confirm(ctx, u.OrderID)
	}
	return nil
}

// fillProgress is what each source has reported filled on one order. Booked quantity
// follows the larger of the two; both are lower bounds of what the broker has filled.
type fillProgress struct {
	feed   decimal.Decimal // sum of distinct feed fills
	broker decimal.Decimal // highest cumulative quantity reported by the broker
}

func (p fillProgress) target() decimal.Decimal {
	return decimal.Max(p.feed, p.broker)
}

// progressLocked must be called with mu held. Quantity booked before tracking began, such
// as after a restart, counts as reported by both sources.
func (b *OrderBook) progressLocked(rec *domain.OrderRecord) *fillProgress {
	prog, ok := b.progress[rec.OrderID]
	if !ok {
		prog = &fillProgress{feed: rec.FilledQuantity, broker: rec.FilledQuantity}
		b.progress[rec.OrderID] = prog
	}
	return prog
}

// bookLocked advances rec to target filled quantity, pricing the new part at price. fill is
// completed with the booked quantity and order details. A target not above what is booked
// returns a nil transition. Must be called with mu held.
func (b *OrderBook) bookLocked(rec *domain.OrderRecord, target, price decimal.Decimal, fill *domain.Fill) (*domain.OrderTransition, error) {
	if !target.GreaterThan(rec.FilledQuantity) {
		return nil, nil
	}
	if target.GreaterThan(rec.Intent.Quantity) {
		return nil, fmt.Errorf("fills of %s exceed order quantity %s on order %s", target, rec.Intent.Quantity, rec.OrderID)
	}

	next := domain.OrderPartiallyFilled
	if target.Equal(rec.Intent.Quantity) {
		next = domain.OrderFilled
	}
	if !rec.State.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s on order %s", domain.ErrInvalidTransition, rec.State, next, rec.OrderID)
	}

	delta := target.Sub(rec.FilledQuantity)
	from := rec.State
	notional := rec.AvgFillPrice.Mul(rec.FilledQuantity).Add(price.Mul(delta))
	rec.AvgFillPrice = notional.Div(target)
	rec.FilledQuantity = target
	rec.State = next
	rec.UpdatedAt = b.now()

	fill.Quantity = delta
	fill.Price = price
	fill.AccountID = rec.Intent.AccountID
	fill.Symbol = rec.Intent.Symbol
	fill.Side = rec.Intent.Side
	if fill.ExecutedAt.IsZero() {
		fill.ExecutedAt = rec.UpdatedAt
	}
	t := transitionFor(rec, from, "")
	return &t, nil
}

func (b *OrderBook) announceFill(ctx context.Context, t domain.OrderTransition, fill domain.Fill) error {
	err := b.append(ctx, t)
	b.emit(&events.OrderFilledData{Fill: fill, State: t.To})
	return err
}

// confirm must be called with wmu held.
func (b *OrderBook) confirm(ctx context.Context, orderID string) error {
	b.mu.Lock()
	rec, ok := b.byID[orderID]
	if !ok || rec.State != domain.OrderQueued {
		b.mu.Unlock()
		return nil
	}
	rec.State = domain.OrderConfirmed
	rec.UpdatedAt = b.now()
	t := transitionFor(rec, domain.OrderQueued, "")
	b.mu.Unlock()

	return b.append(ctx, t)
}

// close must be called with wmu held.
func (b *OrderBook) close(ctx context.Context, orderID string, to domain.OrderState, reason string, eventType events.EventType) error {
	b.mu.Lock()
	rec, ok := b.byID[orderID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	if rec.State == to {
		b.mu.Unlock()
		return nil
	}
	if !rec.State.CanTransitionTo(to) {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s on order %s", domain.ErrInvalidTransition, rec.State, to, orderID)
	}

	from := rec.State
	rec.State = to
	rec.UpdatedAt = b.now()
	if to == domain.OrderRejected {
		rec.RejectReason = reason
	}
	t := transitionFor(rec, from, reason)
	accountID, symbol := rec.Intent.AccountID, rec.Intent.Symbol
	b.mu.Unlock()

	err := b.append(ctx, t)
	b.emit(&events.OrderClosedData{
		Type:      eventType,
		OrderID:   orderID,
		AccountID: accountID,
		Symbol:    symbol,
		Reason:    reason,
	})
	return err
}

func (b *OrderBook) append(ctx context.Context, t domain.OrderTransition) error {
	if b.ledger == nil {
		return nil
	}
	if err := b.ledger.Append(ctx, t); err != nil {
		b.log.Error().
			Err(err).
			Str("order_id", t.OrderID).
			Str("to", string(t.To)).
			Msg("Failed to append order transition to ledger")
		if b.events != nil {
			b.events.EmitError("order_book", err, map[string]interface{}{"order_id": t.OrderID})
		}
		return fmt.Errorf("ledger append for order %s: %w", t.OrderID, err)
	}
	return nil
}

func (b *OrderBook) emit(data events.EventData) {
	if b.events != nil {
		b.events.EmitTyped("trading", data)
	}
}

// transitionFor must be called with the lock held.
func transitionFor(rec *domain.OrderRecord, from domain.OrderState, reason string) domain.OrderTransition {
	return domain.OrderTransition{
		OrderID:        rec.OrderID,
		IdempotencyKey: rec.IdempotencyKey,
		AccountID:      rec.Intent.AccountID,
		From:           from,
		To:             rec.State,
		FilledQuantity: rec.FilledQuantity,
		AvgFillPrice:   rec.AvgFillPrice,
		Reason:         reason,
		Record:         *rec.Clone(),
		At:             rec.UpdatedAt,
	}
}
