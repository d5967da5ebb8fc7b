package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/tradegate/internal/database"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/modules/ledger"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// setupTestRouter creates a router over an in-memory ledger with one filled and one open order
func setupTestRouter(t *testing.T) chi.Router {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db, "ledger"))

	repo := ledger.NewRepository(db, zerolog.Nop())
	now := time.Now()
	for i, state := range []domain.OrderState{domain.OrderFilled, domain.OrderConfirmed} {
		rec := domain.OrderRecord{
			OrderID:        []string{"B-1", "B-2"}[i],
			IdempotencyKey: []string{"k1", "k2"}[i],
			Intent: domain.OrderIntent{
				AccountID: "acct-1",
				Symbol:    "MSFT",
				Side:      domain.SideBuy,
				Quantity:  decimal.NewFromInt(1),
				Kind:      domain.KindMarket,
			},
			State:     state,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			UpdatedAt: now.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Append(context.Background(), domain.OrderTransition{
			OrderID:        rec.OrderID,
			IdempotencyKey: rec.IdempotencyKey,
			AccountID:      "acct-1",
			To:             state,
			Record:         rec,
			At:             rec.UpdatedAt,
		}))
	}

	r := chi.NewRouter()
	NewHandler(repo, zerolog.New(nil).Level(zerolog.Disabled)).RegisterRoutes(r)
	return r
}

func get(t *testing.T, r chi.Router, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHandleGetOpenOrders(t *testing.T) {
	w, body := get(t, setupTestRouter(t), "/ledger/orders/open")
	assert.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
	orders := data["orders"].([]interface{})
	assert.Equal(t, "B-2", orders[0].(map[string]interface{})["order_id"])
	assert.NotNil(t, body["metadata"])
}

func TestHandleGetAccountOrders(t *testing.T) {
	w, body := get(t, setupTestRouter(t), "/ledger/accounts/acct-1/orders?limit=1")
	assert.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(1), data["count"])
	assert.Equal(t, "acct-1", data["account_id"])
}

func TestHandleGetOrderHistory(t *testing.T) {
	r := setupTestRouter(t)

	w, body := get(t, r, "/ledger/orders/B-1/history")
	assert.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.Len(t, data["events"], 1)
	assert.Equal(t, "filled", data["order"].(map[string]interface{})["state"])

	w, _ = get(t, r, "/ledger/orders/nope/history")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
