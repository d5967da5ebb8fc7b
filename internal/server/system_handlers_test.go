package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aristath/tradegate/internal/breaker"
	"github.com/aristath/tradegate/internal/cache"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBreakers struct {
	states []breaker.Snapshot
	resets []domain.Scope
}

func (s *stubBreakers) States() []breaker.Snapshot { return s.states }

func (s *stubBreakers) Reset(scope domain.Scope) bool {
	for _, st := range s.states {
		if st.Scope == scope {
			s.resets = append(s.resets, scope)
			return true
		}
	}
	return false
}

type stubLimiter []ratelimit.BucketState

func (s stubLimiter) Snapshot() []ratelimit.BucketState { return s }

type stubCache cache.Stats

func (s stubCache) Stats() cache.Stats { return cache.Stats(s) }

type stubFeed bool

func (s stubFeed) Connected() bool { return bool(s) }

func newSystemHandlers(b *stubBreakers, feed FeedStatus) *SystemHandlers {
	h := NewSystemHandlers(
		b,
		stubLimiter{{Scope: domain.ScopeQuotes, Capacity: 10, RefillRate: 5, Tokens: 7}},
		stubCache{Hits: 3, Misses: 1, LocalEntries: 2},
		feed,
		"live",
		zerolog.Nop(),
	)
	h.hostStats = func(context.Context) HostStats {
		return HostStats{CPUPercent: 12.5, MemoryUsedPercent: 40}
	}
	return h
}

func getHealth(t *testing.T, h *SystemHandlers) HealthResponse {
	t.Helper()
	w := httptest.NewRecorder()
	h.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Data
}

func TestHandleHealth(t *testing.T) {
	b := &stubBreakers{states: []breaker.Snapshot{{Scope: domain.ScopeQuotes, State: breaker.StateClosed}}}
	resp := getHealth(t, newSystemHandlers(b, nil))

	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "live", resp.TradingMode)
	require.Len(t, resp.Breakers, 1)
	assert.Equal(t, breaker.StateClosed, resp.Breakers[0].State)
	require.Len(t, resp.RateLimits, 1)
	assert.Equal(t, 7.0, resp.RateLimits[0].Tokens)
	assert.Equal(t, int64(3), resp.Cache.Hits)
	assert.False(t, resp.FillFeed.Configured)
	assert.Equal(t, 12.5, resp.Host.CPUPercent)
	assert.Equal(t, 40.0, resp.Host.MemoryUsedPercent)
}

func TestHandleHealth_Degraded(t *testing.T) {
	t.Run("open breaker", func(t *testing.T) {
		b := &stubBreakers{states: []breaker.Snapshot{
			{Scope: domain.ScopeOrders, State: breaker.StateOpen, ConsecutiveFailures: 5},
			{Scope: domain.ScopeQuotes, State: breaker.StateClosed},
		}}
		assert.Equal(t, "degraded", getHealth(t, newSystemHandlers(b, nil)).Status)
	})

	t.Run("feed disconnected", func(t *testing.T) {
		resp := getHealth(t, newSystemHandlers(&stubBreakers{}, stubFeed(false)))
		assert.Equal(t, "degraded", resp.Status)
		assert.True(t, resp.FillFeed.Configured)
		assert.False(t, resp.FillFeed.Connected)
	})

	t.Run("feed connected", func(t *testing.T) {
		resp := getHealth(t, newSystemHandlers(&stubBreakers{}, stubFeed(true)))
		assert.Equal(t, "ok", resp.Status)
	})
}

func TestHandleResetBreaker(t *testing.T) {
	b := &stubBreakers{states: []breaker.Snapshot{{Scope: domain.ScopeOrders, State: breaker.StateOpen}}}
	h := newSystemHandlers(b, nil)

	r := chi.NewRouter()
	r.Post("/breakers/{scope}/reset", h.HandleResetBreaker)
	r.Get("/breakers", h.HandleGetBreakers)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/breakers/order-placement/reset", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []domain.Scope{domain.ScopeOrders}, b.resets)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/breakers/nope/reset", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/breakers", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"OPEN"`)
}

func TestGetSystemStats(t *testing.T) {
	h := NewSystemHandlers(&stubBreakers{}, stubLimiter{}, stubCache{}, nil, "research", zerolog.Nop())
	stats := h.getSystemStats(context.Background())
	assert.GreaterOrEqual(t, stats.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, stats.MemoryUsedPercent, 0.0)
}
