// Package di provides dependency injection for scheduler jobs.
package di

import (
	"fmt"

	"github.com/aristath/tradegate/internal/config"
	"github.com/aristath/tradegate/internal/database"
	"github.com/aristath/tradegate/internal/reliability"
	"github.com/aristath/tradegate/internal/scheduler"
	"github.com/rs/zerolog"
)

// Job schedules, cron with seconds.
const (
	cacheSweepSchedule       = "@every 1m"
	positionsRefreshSchedule = "@every 5m"
	orderStatusPollSchedule  = "@every 30s"
	walCheckpointSchedule    = "0 0 * * * *"  // hourly
	maintenanceSchedule      = "0 30 2 * * *" // daily, ahead of the default backup slot
)

type scheduledJob struct {
	schedule string
	job      scheduler.Job
}

// RegisterJobs creates every scheduled job and registers it with the container's scheduler.
// Returns JobInstances for manual triggering.
func RegisterJobs(container *Container, cfg *config.Config, log zerolog.Logger) (*JobInstances, error) {
	if container == nil {
		return nil, fmt.Errorf("container cannot be nil")
	}

	container.Scheduler = scheduler.New(log)
	instances := &JobInstances{}

	instances.CacheSweep = scheduler.NewCacheSweepJob(container.Cache, log)
	instances.PositionsRefresh = scheduler.NewPositionsRefreshJob(container.Tracker, cfg.Accounts, log)
	instances.OrderStatusPoll = scheduler.NewOrderStatusPollJob(container.Poller, log)

	walJob := scheduler.NewCheckWALCheckpointsJob(map[string]*database.DB{
		"ledger": container.LedgerDB,
		"cache":  container.CacheDB,
	})
	walJob.SetLogger(log)
	instances.WALCheckpoints = walJob

	instances.Maintenance = reliability.NewMaintenanceJob(container.LedgerDB, container.CacheDB, cfg.DataDir, log)

	entries := []scheduledJob{
		{cacheSweepSchedule, instances.CacheSweep},
		{positionsRefreshSchedule, instances.PositionsRefresh},
		{orderStatusPollSchedule, instances.OrderStatusPoll},
		{walCheckpointSchedule, instances.WALCheckpoints},
		{maintenanceSchedule, instances.Maintenance},
	}

	if container.Backup != nil {
		instances.LedgerBackup = scheduler.NewLedgerBackupJob(container.Backup)
		entries = append(entries, scheduledJob{cfg.Backup.Schedule, instances.LedgerBackup})
	}

	for _, e := range entries {
		if err := container.Scheduler.AddJob(e.schedule, e.job); err != nil {
			return nil, fmt.Errorf("failed to register job %s: %w", e.job.Name(), err)
		}
	}

	log.Info().Int("jobs", len(entries)).Msg("Scheduled jobs registered")
	return instances, nil
}
