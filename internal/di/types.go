/**
 * Package di provides dependency injection type definitions.
 *
 * The Container holds every long-lived instance of the execution core. It is
 * built once by Wire and handed to the HTTP server and to cmd/server.
 */
package di

import (
	"errors"

	"github.com/aristath/tradegate/internal/breaker"
	"github.com/aristath/tradegate/internal/cache"
	"github.com/aristath/tradegate/internal/clients/broker"
	"github.com/aristath/tradegate/internal/config"
	"github.com/aristath/tradegate/internal/database"
	"github.com/aristath/tradegate/internal/events"
	"github.com/aristath/tradegate/internal/invoker"
	"github.com/aristath/tradegate/internal/modules/ledger"
	"github.com/aristath/tradegate/internal/modules/market"
	"github.com/aristath/tradegate/internal/modules/portfolio"
	"github.com/aristath/tradegate/internal/modules/trading"
	"github.com/aristath/tradegate/internal/ratelimit"
	"github.com/aristath/tradegate/internal/reliability"
	"github.com/aristath/tradegate/internal/scheduler"
)

/**
 * Container holds all dependencies for the application.
 *
 * Databases are opened first, then the resilience layer (cache, limiter,
 * breakers, invoker), then the broker client and the services built on it.
 */
type Container struct {
	Config *config.Config

	// Databases
	LedgerDB *database.DB // Order audit trail, ProfileLedger
	CacheDB  *database.DB // Shared cache tier, ProfileCache

	// Events
	EventBus     *events.Bus
	EventManager *events.Manager

	// Resilience layer
	Cache    *cache.Cache
	TTLs     cache.TTLs
	Limiter  *ratelimit.Limiter
	Breakers *breaker.Registry
	Invoker  *invoker.Invoker

	// Broker
	BrokerClient *broker.Client
	Credentials  *broker.StaticCredentials
	FillFeed     *broker.FillFeed // nil when no feed URL is configured

	// Services
	Quotes      *market.QuoteService
	Accounts    *market.AccountService
	Instruments *market.InstrumentService
	Ledger      *ledger.Repository
	Tracker     *portfolio.Tracker
	OrderBook   *trading.OrderBook
	Risk        *trading.RiskChecker
	Pipeline    *trading.Pipeline
	Poller      *trading.StatusPoller

	// Reliability
	Backup *reliability.BackupService // nil when backups are disabled

	Scheduler *scheduler.Scheduler

	unsubscribe []func()
}

// JobInstances holds the registered jobs for manual triggering.
type JobInstances struct {
	CacheSweep       scheduler.Job
	PositionsRefresh scheduler.Job
	OrderStatusPoll  scheduler.Job
	LedgerBackup     scheduler.Job // nil when backups are disabled
	WALCheckpoints   scheduler.Job
	Maintenance      scheduler.Job
}

// Close detaches event subscribers and closes the databases. Background workers
// (scheduler, fill feed) must be stopped by the caller first.
func (c *Container) Close() error {
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	c.unsubscribe = nil

	var errs []error
	if c.CacheDB != nil {
		errs = append(errs, c.CacheDB.Close())
	}
	if c.LedgerDB != nil {
		errs = append(errs, c.LedgerDB.Close())
	}
	return errors.Join(errs...)
}
