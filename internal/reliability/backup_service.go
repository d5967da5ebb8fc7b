// Package reliability keeps the ledger durable beyond the local disk: off-site snapshots and
// routine database maintenance.
package reliability

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	backupFilePrefix = "ledger-backup-"
	backupFileSuffix = ".db.gz"
	backupTimeLayout = "2006-01-02-150405"

	// minBackupsToKeep survive rotation regardless of age
	minBackupsToKeep = 3
)

// Snapshotter writes a consistent copy of a live database.
type Snapshotter interface {
	VacuumInto(ctx context.Context, dest string) error
}

// BackupInfo represents a backup stored off-site
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots the ledger and ships it to object storage
type BackupService struct {
	db            Snapshotter
	store         ObjectStore
	prefix        string
	retentionDays int
	stagingDir    string
	now           func() time.Time
	log           zerolog.Logger
}

// NewBackupService creates a new backup service. retentionDays of zero keeps everything.
func NewBackupService(db Snapshotter, store ObjectStore, prefix string, retentionDays int, stagingDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		db:            db,
		store:         store,
		prefix:        strings.Trim(prefix, "/"),
		retentionDays: retentionDays,
		stagingDir:    stagingDir,
		now:           time.Now,
		log:           log.With().Str("service", "ledger_backup").Logger(),
	}
}

// Backup uploads a fresh snapshot, then rotates old ones. A rotation failure is logged; the
// upload already succeeded.
func (s *BackupService) Backup(ctx context.Context) error {
	key, err := s.CreateAndUpload(ctx)
	if err != nil {
		return err
	}
	if err := s.RotateOldBackups(ctx); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Backup rotation failed")
	}
	return nil
}

// CreateAndUpload snapshots the ledger, compresses it and uploads it. Returns the object key.
func (s *BackupService) CreateAndUpload(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting ledger backup")
	startTime := s.now()

	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	staging, err := os.MkdirTemp(s.stagingDir, "backup-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	snapshot := filepath.Join(staging, "ledger.db")
	if err := s.db.VacuumInto(ctx, snapshot); err != nil {
		return "", fmt.Errorf("failed to snapshot ledger: %w", err)
	}

	archive := snapshot + ".gz"
	checksum, err := compress(snapshot, archive)
	if err != nil {
		return "", fmt.Errorf("failed to compress snapshot: %w", err)
	}

	f, err := os.Open(archive)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	key := s.objectKey(startTime)
	if err := s.store.Upload(ctx, key, f); err != nil {
		return "", fmt.Errorf("failed to upload backup: %w", err)
	}

	s.log.Info().
		Dur("duration_ms", s.now().Sub(startTime)).
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Str("checksum", checksum).
		Msg("Ledger backup completed")

	return key, nil
}

// ListBackups lists stored backups, newest first
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, s.keyPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	now := s.now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		name := path.Base(obj.Key)
		if !strings.HasPrefix(name, backupFilePrefix) || !strings.HasSuffix(name, backupFileSuffix) {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupFilePrefix), backupFileSuffix)
		ts, err := time.Parse(backupTimeLayout, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Failed to parse timestamp from backup key")
			continue
		}

		backups = append(backups, BackupInfo{
			Key:       obj.Key,
			Timestamp: ts,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes backups older than the retention period, always keeping the
// newest few.
func (s *BackupService) RotateOldBackups(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := s.now().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, b := range backups[minBackupsToKeep:] {
		if !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Key); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Backup rotation completed")
	return nil
}

func (s *BackupService) keyPrefix() string {
	if s.prefix == "" {
		return backupFilePrefix
	}
	return s.prefix + "/" + backupFilePrefix
}

func (s *BackupService) objectKey(at time.Time) string {
	return s.keyPrefix() + at.UTC().Format(backupTimeLayout) + backupFileSuffix
}

// compress gzips src into dst and returns the sha256 of the uncompressed snapshot.
func compress(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()

	hash := sha256.New()
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(io.MultiWriter(gz, hash), in); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := out.Sync(); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}
