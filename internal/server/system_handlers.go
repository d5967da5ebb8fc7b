package server

import (
	"context"
	"net/http"
	"time"

	"github.com/aristath/tradegate/internal/breaker"
	"github.com/aristath/tradegate/internal/cache"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// BreakerRegistry exposes breaker state and manual reset.
type BreakerRegistry interface {
	States() []breaker.Snapshot
	Reset(scope domain.Scope) bool
}

// LimiterState exposes the token buckets.
type LimiterState interface {
	Snapshot() []ratelimit.BucketState
}

// CacheStats exposes cache hit counters.
type CacheStats interface {
	Stats() cache.Stats
}

// FeedStatus reports whether the push fill feed is connected.
type FeedStatus interface {
	Connected() bool
}

// HostStats is CPU and RAM usage of the machine.
type HostStats struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status      string                  `json:"status"` // ok or degraded
	TradingMode string                  `json:"trading_mode"`
	Breakers    []breaker.Snapshot      `json:"breakers"`
	RateLimits  []ratelimit.BucketState `json:"rate_limits"`
	Cache       cache.Stats             `json:"cache"`
	FillFeed    FillFeedStatus          `json:"fill_feed"`
	Host        HostStats               `json:"host"`
	Uptime      string                  `json:"uptime"`
}

// FillFeedStatus describes the push feed.
type FillFeedStatus struct {
	Configured bool `json:"configured"`
	Connected  bool `json:"connected"`
}

// SystemHandlers serves health and breaker control endpoints.
type SystemHandlers struct {
	breakers    BreakerRegistry
	limiter     LimiterState
	cache       CacheStats
	feed        FeedStatus // nil when no feed is configured
	tradingMode string
	startupTime time.Time
	hostStats   func(ctx context.Context) HostStats
	log         zerolog.Logger
}

// NewSystemHandlers creates system handlers. feed may be nil.
func NewSystemHandlers(
	breakers BreakerRegistry,
	limiter LimiterState,
	cacheStats CacheStats,
	feed FeedStatus,
	tradingMode string,
	log zerolog.Logger,
) *SystemHandlers {
	h := &SystemHandlers{
		breakers:    breakers,
		limiter:     limiter,
		cache:       cacheStats,
		feed:        feed,
		tradingMode: tradingMode,
		startupTime: time.Now(),
		log:         log.With().Str("handler", "system").Logger(),
	}
	h.hostStats = h.getSystemStats
	return h
}

// HandleHealth handles GET /api/health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "ok",
		TradingMode: h.tradingMode,
		Breakers:    h.breakers.States(),
		RateLimits:  h.limiter.Snapshot(),
		Cache:       h.cache.Stats(),
		Host:        h.hostStats(r.Context()),
		Uptime:      time.Since(h.startupTime).Round(time.Second).String(),
	}

	for _, b := range resp.Breakers {
		if b.State != breaker.StateClosed {
			resp.Status = "degraded"
		}
	}
	if h.feed != nil {
		resp.FillFeed = FillFeedStatus{Configured: true, Connected: h.feed.Connected()}
		if !resp.FillFeed.Connected {
			resp.Status = "degraded"
		}
	}

	writeData(h.log, w, http.StatusOK, resp)
}

// HandleGetBreakers handles GET /api/breakers
func (h *SystemHandlers) HandleGetBreakers(w http.ResponseWriter, r *http.Request) {
	writeData(h.log, w, http.StatusOK, h.breakers.States())
}

// HandleResetBreaker handles POST /api/breakers/{scope}/reset
func (h *SystemHandlers) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	scope := domain.Scope(chi.URLParam(r, "scope"))

	if !h.breakers.Reset(scope) {
		writeJSON(h.log, w, http.StatusNotFound, map[string]string{"error": "no breaker for scope " + string(scope)})
		return
	}

	h.log.Warn().Str("scope", string(scope)).Msg("Circuit breaker reset by operator")
	writeData(h.log, w, http.StatusOK, map[string]interface{}{
		"scope": scope,
		"reset": true,
	})
}

// getSystemStats samples CPU over 100ms, short enough not to stall the health probe.
func (h *SystemHandlers) getSystemStats(ctx context.Context) HostStats {
	var stats HostStats

	cpuPercent, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return stats
	}
	stats.MemoryUsedPercent = memStat.UsedPercent
	return stats
}
