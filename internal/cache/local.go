package cache

import (
	"sync"
	"time"
)

// Entry is one cached value. Value holds the encoded bytes; each tier keeps its own copy.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
	WrittenAt time.Time
}

// Expired reports whether the entry is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// LocalTier is the in-process tier. Expired entries are dropped lazily on read and by Sweep.
type LocalTier struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewLocalTier creates an empty local tier. A nil clock uses time.Now.
func NewLocalTier(now func() time.Time) *LocalTier {
	if now == nil {
		now = time.Now
	}
	return &LocalTier{
		entries: make(map[string]Entry),
		now:     now,
	}
}

// Get returns a fresh entry for key.
func (t *LocalTier) Get(key string) (Entry, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}

	if e.Expired(t.now()) {
		t.mu.Lock()
		// re-check under the write lock, a concurrent Set may have replaced it
		if cur, ok := t.entries[key]; ok && cur.Expired(t.now()) {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		return Entry{}, false
	}
	return e, true
}

// Set stores a copy of value under key.
func (t *LocalTier) Set(key string, value []byte, ttl time.Duration) {
	now := t.now()
	buf := make([]byte, len(value))
	copy(buf, value)

	t.mu.Lock()
	t.entries[key] = Entry{Key: key, Value: buf, ExpiresAt: now.Add(ttl), WrittenAt: now}
	t.mu.Unlock()
}

// DeleteMatching removes every key matching the glob pattern and returns the removed keys.
func (t *LocalTier) DeleteMatching(pattern string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !hasGlobMeta(pattern) {
		if _, ok := t.entries[pattern]; ok {
			delete(t.entries, pattern)
			return []string{pattern}
		}
		return nil
	}

	var removed []string
	for key := range t.entries {
		if matchGlob(pattern, key) {
			delete(t.entries, key)
			removed = append(removed, key)
		}
	}
	return removed
}

// DeleteExpired drops every expired entry.
func (t *LocalTier) DeleteExpired() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key, e := range t.entries {
		if e.Expired(now) {
			delete(t.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (t *LocalTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
