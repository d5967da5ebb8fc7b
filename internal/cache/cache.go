// Package cache is the two-tier response cache: an in-process tier in front of a shared
// SQLite tier. Values are msgpack-encoded, so callers always get their own copy back.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Options configures a Cache.
type Options struct {
	// LocalTTLCap bounds the local tier's TTL so it never outlives the shared tier.
	LocalTTLCap time.Duration
	Now         func() time.Time
}

// maxInvalidationLog bounds the invalidations remembered for versioned writes. A version
// older than the log can no longer be checked and its write is refused.
const maxInvalidationLog = 1024

type invalidation struct {
	seq     uint64
	pattern string
}

// Cache reads the local tier first, then the shared tier.
type Cache struct {
	local       *LocalTier
	shared      SharedTier
	localTTLCap time.Duration
	now         func() time.Time
	log         zerolog.Logger

	// gen orders versioned writes against Invalidate: writes hold it shared, Invalidate
	// holds it exclusively while recording and deleting.
	gen    sync.RWMutex
	seq    uint64
	recent []invalidation
	floor  uint64

	hooksMu sync.Mutex
	hooks   []func(pattern string)

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats counts lookups since start.
type Stats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	LocalEntries int   `json:"local_entries"`
}

// New creates a cache. shared may be nil, in which case the cache is local only.
func New(local *LocalTier, shared SharedTier, opts Options, log zerolog.Logger) *Cache {
	if opts.LocalTTLCap <= 0 {
		opts.LocalTTLCap = DefaultLocalTTLCap
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		local:       local,
		shared:      shared,
		localTTLCap: opts.LocalTTLCap,
		now:         opts.Now,
		log:         log.With().Str("component", "cache").Logger(),
	}
}

// Get decodes the cached value for key into dest. It reports false on a miss at both
// tiers; a miss is never turned into a fabricated value. Shared-tier read failures are
// logged and treated as a miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	if e, ok := c.local.Get(key); ok {
		if err := msgpack.Unmarshal(e.Value, dest); err != nil {
			return false, fmt.Errorf("failed to decode cached %s: %w", key, err)
		}
		c.hits.Add(1)
		return true, nil
	}

	if c.shared == nil {
		c.misses.Add(1)
		return false, nil
	}

	version := c.Version()
	e, err := c.shared.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Shared cache read failed, treating as miss")
		c.misses.Add(1)
		return false, nil
	}
	if e == nil {
		c.misses.Add(1)
		return false, nil
	}

	if err := msgpack.Unmarshal(e.Value, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached %s: %w", key, err)
	}

	if remaining := e.ExpiresAt.Sub(c.now()); remaining > 0 {
		c.gen.RLock()
		// an invalidation that landed during the shared read must not be undone locally
		if !c.staleLocked(key, version) {
			c.local.Set(key, e.Value, min(remaining, c.localTTLCap))
		}
		c.gen.RUnlock()
	}
	c.hits.Add(1)
	return true, nil
}

// Set stores value under key in both tiers. The local write always happens; a shared
// write failure is returned afterwards.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := c.encode(key, value, ttl)
	if err != nil {
		return err
	}
	return c.store(ctx, key, data, ttl)
}

// Version returns the current invalidation version. Capture it before fetching a value and
// pass it to SetIfUnchanged.
func (c *Cache) Version() uint64 {
	c.gen.RLock()
	defer c.gen.RUnlock()
	return c.seq
}

// SetIfUnchanged stores value only if no invalidation matching key has run since version.
// It reports whether the value was stored. A refused write is not an error.
func (c *Cache) SetIfUnchanged(ctx context.Context, key string, value interface{}, ttl time.Duration, version uint64) (bool, error) {
	data, err := c.encode(key, value, ttl)
	if err != nil {
		return false, err
	}

	c.gen.RLock()
	defer c.gen.RUnlock()
	if c.staleLocked(key, version) {
		c.log.Debug().Str("key", key).Msg("Dropping value fetched before an invalidation")
		return false, nil
	}
	return true, c.store(ctx, key, data, ttl)
}

// OnInvalidate registers fn to run after every Invalidate, outside the cache's locks.
func (c *Cache) OnInvalidate(fn func(pattern string)) {
	c.hooksMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.hooksMu.Unlock()
}

// staleLocked must be called with gen held.
func (c *Cache) staleLocked(key string, version uint64) bool {
	if version < c.floor {
		return true
	}
	for i := len(c.recent) - 1; i >= 0 && c.recent[i].seq > version; i-- {
		if Match(c.recent[i].pattern, key) {
			return true
		}
	}
	return false
}

func (c *Cache) encode(key string, value interface{}, ttl time.Duration) ([]byte, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", ttl)
	}
	data, err := msgpack.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return data, nil
}

func (c *Cache) store(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	localTTL := ttl
	if c.shared != nil {
		localTTL = min(ttl, c.localTTLCap)
	}
	c.local.Set(key, data, localTTL)

	if c.shared == nil {
		return nil
	}

	now := c.now()
	return c.shared.Set(ctx, Entry{
		Key:       key,
		Value:     data,
		ExpiresAt: now.Add(ttl),
		WrittenAt: now,
	})
}

// Invalidate synchronously removes every key matching pattern from both tiers and
// returns how many distinct keys were removed. Versioned writes of matching keys that began
// before the call are refused afterwards.
func (c *Cache) Invalidate(ctx context.Context, pattern string) (int, error) {
	n, err := c.invalidate(ctx, pattern)

	c.hooksMu.Lock()
	hooks := append([]func(string){}, c.hooks...)
	c.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(pattern)
	}
	return n, err
}

func (c *Cache) invalidate(ctx context.Context, pattern string) (int, error) {
	c.gen.Lock()
	defer c.gen.Unlock()

	c.seq++
	c.recent = append(c.recent, invalidation{seq: c.seq, pattern: pattern})
	if len(c.recent) > maxInvalidationLog {
		drop := len(c.recent) - maxInvalidationLog/2
		c.floor = c.recent[drop-1].seq
		c.recent = append([]invalidation(nil), c.recent[drop:]...)
	}

	removed := make(map[string]struct{})
	for _, key := range c.local.DeleteMatching(pattern) {
		removed[key] = struct{}{}
	}

	if c.shared != nil {
		keys, err := c.shared.DeleteMatching(ctx, pattern)
		for _, key := range keys {
			removed[key] = struct{}{}
		}
		if err != nil {
			return len(removed), err
		}
	}

	if len(removed) > 0 {
		c.log.Debug().Str("pattern", pattern).Int("removed", len(removed)).Msg("Cache invalidated")
	}
	return len(removed), nil
}

// InvalidateAll runs Invalidate for each pattern, stopping at the first error.
func (c *Cache) InvalidateAll(ctx context.Context, patterns ...string) error {
	for _, p := range patterns {
		if _, err := c.Invalidate(ctx, p); err != nil {
			return fmt.Errorf("invalidate %s: %w", p, err)
		}
	}
	return nil
}

// Sweep drops expired entries from both tiers.
func (c *Cache) Sweep(ctx context.Context) (local int, shared int64, err error) {
	local = c.local.DeleteExpired()
	if c.shared != nil {
		shared, err = c.shared.DeleteExpired(ctx)
	}
	return local, shared, err
}

// Stats returns lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		LocalEntries: c.local.Len(),
	}
}
