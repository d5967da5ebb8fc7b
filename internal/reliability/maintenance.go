package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/tradegate/internal/database"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	criticalFreeBytes = 500 << 20 // below this the job fails
	lowFreeBytes      = 5 << 30
)

// MaintenanceJob checks ledger integrity, checkpoints WAL files, compacts the shared cache
// database and watches free disk space.
type MaintenanceJob struct {
	ledger  *database.DB
	cache   *database.DB
	dataDir string
	usage   func(ctx context.Context, path string) (*disk.UsageStat, error)
	log     zerolog.Logger
}

// NewMaintenanceJob creates a new maintenance job. cache may be nil.
func NewMaintenanceJob(ledger, cache *database.DB, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		ledger:  ledger,
		cache:   cache,
		dataDir: dataDir,
		usage:   disk.UsageWithContext,
		log:     log.With().Str("job", "daily_maintenance").Logger(),
	}
}

// Name returns the job name for scheduler
func (j *MaintenanceJob) Name() string {
	return "daily_maintenance"
}

// Run executes the maintenance job
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	j.log.Info().Msg("Starting maintenance")
	startTime := time.Now()

	// the ledger is the audit trail; a failed integrity check stops here
	if j.ledger != nil {
		if err := j.ledger.HealthCheck(ctx); err != nil {
			j.log.Error().Err(err).Msg("CRITICAL: Ledger integrity check failed")
			return fmt.Errorf("ledger integrity check failed: %w", err)
		}
	}

	for _, db := range []*database.DB{j.ledger, j.cache} {
		if db == nil {
			continue
		}
		if err := db.WALCheckpoint(ctx, "TRUNCATE"); err != nil {
			j.log.Warn().Err(err).Str("database", db.Name()).Msg("WAL checkpoint failed")
		}
	}

	if j.cache != nil {
		if err := j.vacuum(ctx, j.cache); err != nil {
			j.log.Warn().Err(err).Msg("Cache VACUUM failed")
		}
	}

	if err := j.checkDiskSpace(ctx); err != nil {
		return err
	}

	j.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Maintenance completed")
	return nil
}

// checkDiskSpace fails only when free space is critically low.
func (j *MaintenanceJob) checkDiskSpace(ctx context.Context) error {
	usage, err := j.usage(ctx, j.dataDir)
	if err != nil {
		j.log.Warn().Err(err).Str("path", j.dataDir).Msg("Failed to read disk usage")
		return nil
	}

	freeGB := float64(usage.Free) / 1e9
	switch {
	case usage.Free < criticalFreeBytes:
		j.log.Error().Float64("free_gb", freeGB).Msg("CRITICAL: Insufficient disk space")
		return fmt.Errorf("only %.2f GB free on %s", freeGB, j.dataDir)
	case usage.Free < lowFreeBytes:
		j.log.Warn().Float64("free_gb", freeGB).Msg("Disk space running low")
	default:
		j.log.Debug().Float64("free_gb", freeGB).Float64("used_pct", usage.UsedPercent).Msg("Disk space check")
	}
	return nil
}

func (j *MaintenanceJob) vacuum(ctx context.Context, db *database.DB) error {
	before, err := db.GetStats(ctx)
	if err != nil {
		return err
	}
	if _, err := db.Conn().ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("VACUUM failed: %w", err)
	}
	after, err := db.GetStats(ctx)
	if err != nil {
		return err
	}

	j.log.Info().
		Str("database", db.Name()).
		Int64("size_before_bytes", before.SizeBytes).
		Int64("size_after_bytes", after.SizeBytes).
		Msg("VACUUM completed")
	return nil
}
