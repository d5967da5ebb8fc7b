// Package di provides dependency injection for services.
package di

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/aristath/tradegate/internal/breaker"
	"github.com/aristath/tradegate/internal/cache"
	"github.com/aristath/tradegate/internal/clients/broker"
	"github.com/aristath/tradegate/internal/config"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/events"
	"github.com/aristath/tradegate/internal/invoker"
	"github.com/aristath/tradegate/internal/modules/ledger"
	"github.com/aristath/tradegate/internal/modules/market"
	"github.com/aristath/tradegate/internal/modules/portfolio"
	"github.com/aristath/tradegate/internal/modules/trading"
	"github.com/aristath/tradegate/internal/ratelimit"
	"github.com/aristath/tradegate/internal/reliability"
	"github.com/rs/zerolog"
)

// InitializeServices builds everything above the databases. Order matters: the
// resilience layer first, then the broker client, then the services that call it.
func InitializeServices(container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.LedgerDB == nil || container.CacheDB == nil {
		return fmt.Errorf("container databases not initialized")
	}

	// Events
	container.EventBus = events.NewBus(log)
	container.EventManager = events.NewManager(container.EventBus, log)

	// Two-tier cache
	container.TTLs = ttlsFromConfig(cfg.Limits.Cache)
	container.Cache = cache.New(
		cache.NewLocalTier(nil),
		cache.NewSQLiteTier(container.CacheDB.Conn(), nil),
		cache.Options{LocalTTLCap: cfg.Limits.Cache.LocalTTLCap},
		log,
	)

	// Rate limiter, breakers, invoker
	container.Limiter = ratelimit.New(limiterConfig(cfg.Limits), log)
	container.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Limits.Breaker.FailureThreshold,
		FailureWindow:    cfg.Limits.Breaker.FailureWindow,
		CoolDown:         cfg.Limits.Breaker.CoolDown,
	}, circuitHook(container.EventManager), log)
	container.Invoker = invoker.New(container.Cache, container.Limiter, container.Breakers, invoker.Policy{
		MaxAttempts:    cfg.Limits.Retry.MaxAttempts,
		BaseDelay:      cfg.Limits.Retry.BaseDelay,
		MaxDelay:       cfg.Limits.Retry.MaxDelay,
		AttemptTimeout: cfg.Limits.Retry.AttemptTimeout,
	}, log)

	// Broker client
	container.Credentials = broker.NewStaticCredentials(cfg.Broker.APIKey)
	transport := broker.NewHTTPTransport(cfg.Broker.BaseURL, container.Credentials, cfg.Broker.RequestTimeout, log)
	container.BrokerClient = broker.NewClient(transport, log)

	// Read services
	container.Quotes = market.NewQuoteService(container.BrokerClient, container.Invoker, container.TTLs, log)
	container.Accounts = market.NewAccountService(container.BrokerClient, container.Invoker, container.TTLs)
	container.Instruments = market.NewInstrumentService(container.BrokerClient, container.Invoker, container.TTLs)

	// Positions
	container.Tracker = portfolio.NewTracker(
		container.BrokerClient,
		container.Invoker,
		container.Quotes,
		container.Accounts,
		container.Cache,
		container.TTLs,
		container.EventManager,
		log,
	)
	container.unsubscribe = append(container.unsubscribe, container.Tracker.Subscribe(container.EventBus))

	// Orders
	container.Ledger = ledger.NewRepository(container.LedgerDB.Conn(), log)
	container.OrderBook = trading.NewOrderBook(container.Ledger, container.EventManager, log)
	container.Risk = trading.NewRiskChecker(
		container.Quotes,
		container.Accounts,
		container.Instruments,
		container.Tracker,
		cfg.TradingMode,
		cfg.Limits.Risk,
		log,
	)
	container.Pipeline = trading.NewPipeline(
		container.Risk,
		container.OrderBook,
		container.BrokerClient,
		container.Invoker,
		container.Cache,
		container.EventManager,
		log,
	)
	container.Poller = trading.NewStatusPoller(container.OrderBook, container.BrokerClient, container.Invoker, log)

	if cfg.Broker.FillFeedURL != "" {
		container.FillFeed = broker.NewFillFeed(cfg.Broker.FillFeedURL, container.Credentials, container.OrderBook.ApplyFill, log)
	}

	// Off-site backups
	if cfg.Backup.Enabled {
		store, err := reliability.NewS3Store(context.Background(), cfg.Backup, log)
		if err != nil {
			return fmt.Errorf("failed to create backup store: %w", err)
		}
		container.Backup = reliability.NewBackupService(
			container.LedgerDB,
			store,
			cfg.Backup.Prefix,
			cfg.Backup.RetentionDays,
			filepath.Join(cfg.DataDir, "backups"),
			log,
		)
	}

	log.Info().
		Str("trading_mode", cfg.TradingMode).
		Bool("fill_feed", container.FillFeed != nil).
		Bool("backups", container.Backup != nil).
		Msg("Services initialized")
	return nil
}

func ttlsFromConfig(c config.CacheConfig) cache.TTLs {
	ttl := cache.DefaultTTLs()
	if c.QuoteTTL > 0 {
		ttl.Quote = c.QuoteTTL
	}
	if c.AccountTTL > 0 {
		ttl.Account = c.AccountTTL
	}
	if c.OrdersTTL > 0 {
		ttl.Orders = c.OrdersTTL
	}
	if c.InstrumentTTL > 0 {
		ttl.Instrument = c.InstrumentTTL
	}
	if c.PortfolioTTL > 0 {
		ttl.Portfolio = c.PortfolioTTL
	}
	return ttl
}

func limiterConfig(l config.LimitsConfig) ratelimit.Config {
	scopes := make(map[domain.Scope]ratelimit.Limit, len(l.Scopes))
	for name, r := range l.Scopes {
		scopes[domain.Scope(name)] = toLimit(r)
	}
	return ratelimit.Config{
		Global:  toLimit(l.Global),
		Default: toLimit(l.Default),
		Scopes:  scopes,
	}
}

func toLimit(r config.RateLimit) ratelimit.Limit {
	return ratelimit.Limit{Capacity: r.Capacity, RefillRate: r.RefillPerSecond}
}

// circuitHook publishes breaker transitions on the event bus.
func circuitHook(m *events.Manager) breaker.StateChangeFunc {
	return func(scope domain.Scope, from, to breaker.State, failures int) {
		m.EmitTyped("breaker", &events.CircuitStateData{
			Scope:               scope,
			From:                from.String(),
			To:                  to.String(),
			ConsecutiveFailures: failures,
		})
	}
}
