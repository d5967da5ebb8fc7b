package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/tradegate/internal/config"
	"github.com/aristath/tradegate/internal/di"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// thinAccountBroker quotes AAPL at 100 for an account holding only 500 of buying power.
type thinAccountBroker struct {
	placements atomic.Int32
}

func (b *thinAccountBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body interface{}
	switch strings.TrimPrefix(r.URL.Path, "/api/") {
	case "getQuote":
		body = map[string]string{"symbol": "AAPL", "bid": "99.9", "ask": "100", "last": "100"}
	case "getAccountSummary":
		body = map[string]string{"account_id": "ACC-1", "cash": "500", "buying_power": "500", "equity": "500"}
	case "getInstrument":
		body = map[string]interface{}{"symbol": "AAPL", "tradable": true}
	case "getPositions":
		body = map[string]interface{}{"positions": []interface{}{}}
	case "placeOrder":
		b.placements.Add(1)
		body = map[string]string{"order_id": "B-1", "status": "confirmed"}
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func newTestServer(t *testing.T) (*httptest.Server, *thinAccountBroker) {
	t.Helper()
	fb := &thinAccountBroker{}
	upstream := httptest.NewServer(fb)
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		DataDir:     t.TempDir(),
		TradingMode: config.TradingModeLive,
		Broker: config.BrokerConfig{
			BaseURL:        upstream.URL,
			APIKey:         "token",
			RequestTimeout: 2 * time.Second,
		},
		Limits: config.DefaultLimits(),
	}
	container, _, err := di.Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { container.Close() })

	srv := New(Config{Log: zerolog.Nop(), Port: 0, DevMode: true, Container: container})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, fb
}

func TestServer_Health(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Data HealthResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Data.Status)
	assert.Equal(t, "live", body.Data.TradingMode)
}

func TestServer_InsufficientBuyingPowerNeverReachesBroker(t *testing.T) {
	ts, fb := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/orders", "application/json", strings.NewReader(
		`{"account_id":"ACC-1","symbol":"AAPL","side":"buy","quantity":"10","kind":"market","time_in_force":"day"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assessment := body["assessment"].(map[string]interface{})
	assert.Equal(t, "insufficient_buying_power", assessment["reason"])
	assert.Equal(t, false, assessment["buying_power_ok"])
	assert.Equal(t, int32(0), fb.placements.Load())
}

func TestServer_AssessDoesNotSubmit(t *testing.T) {
	ts, fb := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/orders/assess", "application/json", strings.NewReader(
		`{"account_id":"ACC-1","symbol":"AAPL","side":"buy","quantity":"10","kind":"market","time_in_force":"day"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "deny", body.Data["outcome"])
	assert.Equal(t, "insufficient_buying_power", body.Data["reason"])
	assert.Equal(t, int32(0), fb.placements.Load())
}

func TestServer_Routes(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/quotes/AAPL", http.StatusOK},
		{http.MethodPost, "/api/breakers/quotes/reset", http.StatusOK}, // created by the quote above
		{http.MethodPost, "/api/breakers/order-placement/reset", http.StatusNotFound},
		{http.MethodGet, "/api/breakers", http.StatusOK},
		{http.MethodGet, "/api/orders/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/accounts/ACC-1/positions", http.StatusOK},
		{http.MethodGet, "/api/accounts/ACC-1/portfolio", http.StatusOK},
		{http.MethodGet, "/api/ledger/orders/open", http.StatusOK},
	}
	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, ts.URL+tt.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, tt.status, resp.StatusCode, "%s %s", tt.method, tt.path)
	}
}
