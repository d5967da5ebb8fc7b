package di

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/tradegate/internal/breaker"
	"github.com/aristath/tradegate/internal/config"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/events"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker answers the REST commands the client sends.
type fakeBroker struct {
	mu         sync.Mutex
	placements atomic.Int32
	keys       []string
}

func (b *fakeBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params map[string]string
	_ = json.NewDecoder(r.Body).Decode(&params)

	var body interface{}
	switch strings.TrimPrefix(r.URL.Path, "/api/") {
	case "getQuote":
		body = map[string]string{"symbol": params["symbol"], "bid": "99", "ask": "100", "last": "100"}
	case "getAccountSummary":
		body = map[string]string{"account_id": params["account_id"], "cash": "10000", "buying_power": "10000", "equity": "10000"}
	case "getInstrument":
		body = map[string]interface{}{"symbol": params["symbol"], "tradable": true, "lot_size": "1"}
	case "getPositions":
		body = map[string]interface{}{"positions": []map[string]string{
			{"symbol": "MSFT", "quantity": "5", "avg_cost": "300", "last_price": "310"},
		}}
	case "placeOrder":
		n := b.placements.Add(1)
		b.mu.Lock()
		b.keys = append(b.keys, r.Header.Get("Idempotency-Key"))
		b.mu.Unlock()
		body = map[string]string{"order_id": fmt.Sprintf("B-%d", n), "status": "confirmed"}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func testConfig(t *testing.T, brokerURL string) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:     t.TempDir(),
		TradingMode: config.TradingModeLive,
		Accounts:    []string{"ACC-1"},
		Broker: config.BrokerConfig{
			BaseURL:        brokerURL,
			APIKey:         "test-token",
			RequestTimeout: 2 * time.Second,
		},
		Limits: config.DefaultLimits(),
	}
}

func wireForTest(t *testing.T, cfg *config.Config) (*Container, *JobInstances) {
	t.Helper()
	container, jobs, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { container.Close() })
	return container, jobs
}

func TestWire(t *testing.T) {
	container, jobs := wireForTest(t, testConfig(t, "http://127.0.0.1:1"))

	assert.NotNil(t, container.LedgerDB)
	assert.NotNil(t, container.CacheDB)
	assert.NotNil(t, container.Cache)
	assert.NotNil(t, container.Limiter)
	assert.NotNil(t, container.Breakers)
	assert.NotNil(t, container.Invoker)
	assert.NotNil(t, container.Pipeline)
	assert.NotNil(t, container.Tracker)
	assert.NotNil(t, container.Poller)
	assert.Nil(t, container.FillFeed, "no feed URL configured")
	assert.Nil(t, container.Backup, "backups disabled")

	assert.NotNil(t, jobs.CacheSweep)
	assert.NotNil(t, jobs.PositionsRefresh)
	assert.NotNil(t, jobs.OrderStatusPoll)
	assert.NotNil(t, jobs.WALCheckpoints)
	assert.NotNil(t, jobs.Maintenance)
	assert.Nil(t, jobs.LedgerBackup)

	for _, name := range []string{"cache_sweep", "positions_refresh", "order_status_poll", "check_wal_checkpoints", "daily_maintenance"} {
		_, ok := container.Scheduler.Next(name)
		assert.True(t, ok, name)
	}
}

func TestWire_OptionalComponents(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Broker.FillFeedURL = "ws://127.0.0.1:1/fills"
	cfg.Backup = config.BackupConfig{
		Enabled:         true,
		Endpoint:        "http://127.0.0.1:1",
		Region:          "auto",
		Bucket:          "backups",
		Prefix:          "tradegate/ledger",
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		RetentionDays:   30,
		Schedule:        "0 0 3 * * *",
	}

	container, jobs := wireForTest(t, cfg)
	assert.NotNil(t, container.FillFeed)
	assert.False(t, container.FillFeed.Connected(), "the feed is not started by Wire")
	assert.NotNil(t, container.Backup)
	require.NotNil(t, jobs.LedgerBackup)

	_, ok := container.Scheduler.Next("ledger_backup")
	assert.True(t, ok)
}

func TestWire_InvalidBackupSchedule(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Backup = config.BackupConfig{Enabled: true, Region: "auto", Bucket: "b", Schedule: "not a schedule"}

	_, _, err := Wire(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger_backup")
}

func TestWire_CircuitTransitionsAreEmitted(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Limits.Breaker.FailureThreshold = 1
	container, _ := wireForTest(t, cfg)

	var got []*events.CircuitStateData
	container.EventBus.Subscribe(events.CircuitOpened, func(e *events.Event) {
		if d, ok := e.GetTypedData().(*events.CircuitStateData); ok {
			got = append(got, d)
		}
	})

	permit, err := container.Breakers.Get(domain.ScopeQuotes).Allow()
	require.NoError(t, err)
	permit.Failure()

	require.Len(t, got, 1)
	assert.Equal(t, domain.ScopeQuotes, got[0].Scope)
	assert.Equal(t, breaker.StateClosed.String(), got[0].From)
	assert.Equal(t, breaker.StateOpen.String(), got[0].To)
}

func TestWire_OrderFlow(t *testing.T) {
	fb := &fakeBroker{}
	srv := httptest.NewServer(fb)
	defer srv.Close()

	container, _ := wireForTest(t, testConfig(t, srv.URL))
	ctx := context.Background()

	intent := domain.OrderIntent{
		AccountID:      "ACC-1",
		Symbol:         "AAPL",
		Side:           domain.SideBuy,
		Quantity:       decimal.NewFromInt(10),
		Kind:           domain.KindMarket,
		TimeInForce:    domain.TIFDay,
		IdempotencyKey: "intent-1",
	}

	sub, err := container.Pipeline.Submit(ctx, intent)
	require.NoError(t, err)
	assert.False(t, sub.Duplicate)
	assert.Equal(t, domain.OrderConfirmed, sub.Record.State)

	again, err := container.Pipeline.Submit(ctx, intent)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, sub.Record.OrderID, again.Record.OrderID)
	assert.Equal(t, int32(1), fb.placements.Load())
	assert.Equal(t, []string{"intent-1"}, fb.keys)

	// the fill flows book -> bus -> tracker
	require.NoError(t, container.OrderBook.ApplyFill(ctx, domain.Fill{
		FillID:   "F-1",
		OrderID:  sub.Record.OrderID,
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.NewFromInt(100),
	}))

	pos, ok := container.Tracker.Position("ACC-1", "AAPL")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)))

	rec, err := container.Ledger.ByOrderID(ctx, sub.Record.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, rec.State)
}

func TestPrepare_LoadsOrdersAndPositionsBeforeStart(t *testing.T) {
	srv := httptest.NewServer(&fakeBroker{})
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	// an order placed by a previous run
	first, _ := wireForTest(t, cfg)
	_, err := first.Pipeline.Submit(ctx, domain.OrderIntent{
		AccountID:      "ACC-1",
		Symbol:         "AAPL",
		Side:           domain.SideBuy,
		Quantity:       decimal.NewFromInt(1),
		Kind:           domain.KindMarket,
		TimeInForce:    domain.TIFDay,
		IdempotencyKey: "before-restart",
	})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	container, jobs := wireForTest(t, cfg)
	_, ok := container.Tracker.Position("ACC-1", "MSFT")
	require.False(t, ok, "nothing is fetched while wiring")

	require.NoError(t, Prepare(ctx, container, jobs, zerolog.Nop()))

	pos, ok := container.Tracker.Position("ACC-1", "MSFT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(5)))
	_, ok = container.OrderBook.ByIdempotencyKey("before-restart")
	assert.True(t, ok)
}

func TestPrepare_UnreachableBrokerIsNotFatal(t *testing.T) {
	container, jobs := wireForTest(t, testConfig(t, "http://127.0.0.1:1"))
	require.NoError(t, Prepare(context.Background(), container, jobs, zerolog.Nop()))
	assert.Empty(t, container.Tracker.Accounts())
}

func TestContainer_Close(t *testing.T) {
	container, _, err := Wire(testConfig(t, "http://127.0.0.1:1"), zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, container.Close())
	assert.Equal(t, 0, container.EventBus.SubscriberCount(events.OrderFilled))
}
