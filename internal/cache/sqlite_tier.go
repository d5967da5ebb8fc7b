package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SharedTier is the cross-process tier. Implementations store their own copy of the bytes.
type SharedTier interface {
	// Get returns nil, nil when the key is missing or expired.
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e Entry) error
	DeleteMatching(ctx context.Context, pattern string) ([]string, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

// SQLiteTier stores entries in the cache database's cache_entries table.
type SQLiteTier struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteTier creates a shared tier over db. The cache schema must already be applied.
func NewSQLiteTier(db *sql.DB, now func() time.Time) *SQLiteTier {
	if now == nil {
		now = time.Now
	}
	return &SQLiteTier{db: db, now: now}
}

// Get returns the entry only if expires_at > now.
func (s *SQLiteTier) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		value     []byte
		expiresAt int64
		writtenAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at, written_at FROM cache_entries WHERE key = ? AND expires_at > ?",
		key, s.now().UnixNano(),
	).Scan(&value, &expiresAt, &writtenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}

	return &Entry{
		Key:       key,
		Value:     value,
		ExpiresAt: time.Unix(0, expiresAt),
		WrittenAt: time.Unix(0, writtenAt),
	}, nil
}

// Set upserts the entry.
func (s *SQLiteTier) Set(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at, written_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			written_at = excluded.written_at
	`, e.Key, e.Value, e.ExpiresAt.UnixNano(), e.WrittenAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", e.Key, err)
	}
	return nil
}

// DeleteMatching removes rows whose key matches the glob pattern and returns their keys.
func (s *SQLiteTier) DeleteMatching(ctx context.Context, pattern string) ([]string, error) {
	query := "DELETE FROM cache_entries WHERE key GLOB ? RETURNING key"
	if !hasGlobMeta(pattern) {
		query = "DELETE FROM cache_entries WHERE key = ? RETURNING key"
	}

	rows, err := s.db.QueryContext(ctx, query, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to invalidate %s: %w", pattern, err)
	}
	defer rows.Close()

	var removed []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return removed, fmt.Errorf("failed to scan invalidated key: %w", err)
		}
		removed = append(removed, key)
	}
	return removed, rows.Err()
}

// DeleteExpired removes every expired row.
func (s *SQLiteTier) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE expires_at <= ?", s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}
	return result.RowsAffected()
}
