package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// defaultJobTimeout bounds a single run so a hung upstream cannot pin a job forever.
const defaultJobTimeout = 2 * time.Minute

// Sweeper drops expired cache entries.
type Sweeper interface {
	Sweep(ctx context.Context) (local int, shared int64, err error)
}

// PositionRefresher reloads positions from the broker.
type PositionRefresher interface {
	Refresh(ctx context.Context, accountID string) error
	Accounts() []string
}

// StatusPoller reconciles open orders.
type StatusPoller interface {
	Poll(ctx context.Context) (int, error)
}

// Backuper snapshots the ledger off-site.
type Backuper interface {
	Backup(ctx context.Context) error
}

// CacheSweepJob purges expired entries from both cache tiers
type CacheSweepJob struct {
	cache   Sweeper
	timeout time.Duration
	log     zerolog.Logger
}

// NewCacheSweepJob creates a new CacheSweepJob
func NewCacheSweepJob(cache Sweeper, log zerolog.Logger) *CacheSweepJob {
	return &CacheSweepJob{
		cache:   cache,
		timeout: 30 * time.Second,
		log:     log.With().Str("job", "cache_sweep").Logger(),
	}
}

// Name returns the job name
func (j *CacheSweepJob) Name() string {
	return "cache_sweep"
}

// Run executes the cache sweep job
func (j *CacheSweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	local, shared, err := j.cache.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("cache sweep failed: %w", err)
	}
	j.log.Debug().Int("local", local).Int64("shared", shared).Msg("Expired cache entries removed")
	return nil
}

// PositionsRefreshJob reloads positions for the configured accounts plus any account the
// tracker currently holds positions for
type PositionsRefreshJob struct {
	tracker  PositionRefresher
	accounts []string
	timeout  time.Duration
	log      zerolog.Logger
}

// NewPositionsRefreshJob creates a new PositionsRefreshJob
func NewPositionsRefreshJob(tracker PositionRefresher, accounts []string, log zerolog.Logger) *PositionsRefreshJob {
	return &PositionsRefreshJob{
		tracker:  tracker,
		accounts: accounts,
		timeout:  defaultJobTimeout,
		log:      log.With().Str("job", "positions_refresh").Logger(),
	}
}

// Name returns the job name
func (j *PositionsRefreshJob) Name() string {
	return "positions_refresh"
}

// Run executes the positions refresh job. One failing account does not stop the others.
func (j *PositionsRefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	var errs []error
	refreshed := 0
	for _, acct := range j.targets() {
		if err := j.tracker.Refresh(ctx, acct); err != nil {
			j.log.Warn().Err(err).Str("account_id", acct).Msg("Position refresh failed")
			errs = append(errs, err)
			continue
		}
		refreshed++
	}

	j.log.Info().Int("refreshed", refreshed).Int("failed", len(errs)).Msg("Positions refreshed")
	return errors.Join(errs...)
}

func (j *PositionsRefreshJob) targets() []string {
	seen := make(map[string]struct{})
	for _, a := range j.accounts {
		seen[a] = struct{}{}
	}
	for _, a := range j.tracker.Accounts() {
		seen[a] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// OrderStatusPollJob reconciles open orders with the broker
type OrderStatusPollJob struct {
	poller  StatusPoller
	timeout time.Duration
	log     zerolog.Logger
}

// NewOrderStatusPollJob creates a new OrderStatusPollJob
func NewOrderStatusPollJob(poller StatusPoller, log zerolog.Logger) *OrderStatusPollJob {
	return &OrderStatusPollJob{
		poller:  poller,
		timeout: defaultJobTimeout,
		log:     log.With().Str("job", "order_status_poll").Logger(),
	}
}

// Name returns the job name
func (j *OrderStatusPollJob) Name() string {
	return "order_status_poll"
}

// Run executes the order status poll job
func (j *OrderStatusPollJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.poller.Poll(ctx)
	if n > 0 {
		j.log.Debug().Int("polled", n).Msg("Open orders polled")
	}
	return err
}

// LedgerBackupJob uploads a ledger snapshot
type LedgerBackupJob struct {
	backup  Backuper
	timeout time.Duration
}

// NewLedgerBackupJob creates a new LedgerBackupJob
func NewLedgerBackupJob(backup Backuper) *LedgerBackupJob {
	return &LedgerBackupJob{backup: backup, timeout: 10 * time.Minute}
}

// Name returns the job name
func (j *LedgerBackupJob) Name() string {
	return "ledger_backup"
}

// Run executes the ledger backup job
func (j *LedgerBackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.backup.Backup(ctx)
}
