// Package ledger is the durable, append-only store of order transitions.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/tradegate/internal/database"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Event is one stored transition.
type Event struct {
	ID             int64             `json:"id"`
	OrderID        string            `json:"order_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	AccountID      string            `json:"account_id"`
	From           domain.OrderState `json:"from,omitempty"`
	To             domain.OrderState `json:"to"`
	FilledQuantity decimal.Decimal   `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal   `json:"avg_fill_price"`
	Reason         string            `json:"reason,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// Repository implements domain.Ledger over the ledger database. order_events only ever
// receives inserts; orders keeps the latest record per order for lookups.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a ledger repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "ledger").Logger(),
	}
}

const ordersColumns = `record_json`

// Append stores t atomically: the event row and the updated order row commit together.
func (r *Repository) Append(ctx context.Context, t domain.OrderTransition) error {
	if t.OrderID == "" || t.IdempotencyKey == "" {
		return fmt.Errorf("ledger: transition needs order id and idempotency key")
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	record, err := json.Marshal(t.Record)
	if err != nil {
		return fmt.Errorf("failed to encode order record: %w", err)
	}

	err = database.WithTransaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_events
			(order_id, idempotency_key, account_id, from_state, to_state,
			 filled_quantity, avg_fill_price, reason, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.OrderID, t.IdempotencyKey, t.AccountID, string(t.From), string(t.To),
			t.FilledQuantity.String(), t.AvgFillPrice.String(), t.Reason, t.At.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert order event: %w", err)
		}

		rec := t.Record
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders
			(order_id, idempotency_key, account_id, symbol, side, state, quantity,
			 filled_quantity, avg_fill_price, record_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(order_id) DO UPDATE SET
				state = excluded.state,
				filled_quantity = excluded.filled_quantity,
				avg_fill_price = excluded.avg_fill_price,
				record_json = excluded.record_json,
				updated_at = excluded.updated_at`,
			rec.OrderID, rec.IdempotencyKey, rec.Intent.AccountID, rec.Intent.Symbol,
			string(rec.Intent.Side), string(rec.State), rec.Intent.Quantity.String(),
			rec.FilledQuantity.String(), rec.AvgFillPrice.String(), string(record),
			rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert order: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Debug().
		Str("order_id", t.OrderID).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("Order transition recorded")
	return nil
}

// ByIdempotencyKey returns the record created for key, or domain.ErrNotFound.
func (r *Repository) ByIdempotencyKey(ctx context.Context, key string) (*domain.OrderRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+ordersColumns+" FROM orders WHERE idempotency_key = ?", key)
	return scanRecord(row)
}

// ByOrderID returns one record, or domain.ErrNotFound.
func (r *Repository) ByOrderID(ctx context.Context, orderID string) (*domain.OrderRecord, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+ordersColumns+" FROM orders WHERE order_id = ?", orderID)
	return scanRecord(row)
}

// Open returns every record not yet in a terminal state, oldest first.
func (r *Repository) Open(ctx context.Context) ([]domain.OrderRecord, error) {
	return r.query(ctx, "SELECT "+ordersColumns+` FROM orders
		WHERE state NOT IN ('filled', 'canceled', 'rejected')
		ORDER BY created_at`)
}

// All returns every record, oldest first. Used to rebuild the order book on startup.
func (r *Repository) All(ctx context.Context) ([]domain.OrderRecord, error) {
	return r.query(ctx, "SELECT "+ordersColumns+" FROM orders ORDER BY created_at")
}

// ByAccount returns an account's records, newest first.
func (r *Repository) ByAccount(ctx context.Context, accountID string, limit int) ([]domain.OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "SELECT "+ordersColumns+` FROM orders
		WHERE account_id = ? ORDER BY created_at DESC LIMIT ?`, accountID, limit)
}

// History returns an order's transitions in the order they were appended.
func (r *Repository) History(ctx context.Context, orderID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, idempotency_key, account_id, from_state, to_state,
		       filled_quantity, avg_fill_price, reason, occurred_at
		FROM order_events WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var e Event
		var from, to, filled, avg string
		var occurred int64
		if err := rows.Scan(&e.ID, &e.OrderID, &e.IdempotencyKey, &e.AccountID, &from, &to,
			&filled, &avg, &e.Reason, &occurred); err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w", err)
		}
		e.From = domain.OrderState(from)
		e.To = domain.OrderState(to)
		e.FilledQuantity = parseDecimal(filled)
		e.AvgFillPrice = parseDecimal(avg)
		e.OccurredAt = time.Unix(0, occurred)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *Repository) query(ctx context.Context, query string, args ...interface{}) ([]domain.OrderRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	records := make([]domain.OrderRecord, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		var rec domain.OrderRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.log.Error().Err(err).Msg("Skipping unreadable order record")
			continue
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRecord(row *sql.Row) (*domain.OrderRecord, error) {
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}
	var rec domain.OrderRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode order record: %w", err)
	}
	return &rec, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
