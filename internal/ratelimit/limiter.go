// Package ratelimit implements the multi-scope token-bucket limiter. Every request takes
// one token from its scope's bucket and one from the shared global bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/rs/zerolog"
)

// Limit is one bucket's settings.
type Limit struct {
	Capacity   float64 // Burst size, at least 1
	RefillRate float64 // Tokens per second, positive
}

func (l Limit) valid() bool {
	return l.Capacity >= 1 && l.RefillRate > 0
}

// Config configures a Limiter.
type Config struct {
	Global  Limit
	Default Limit // Used for scopes without an explicit limit
	Scopes  map[domain.Scope]Limit
	Now     func() time.Time
}

// BucketState is a point-in-time view of one bucket.
type BucketState struct {
	Scope      domain.Scope `json:"scope"`
	Capacity   float64      `json:"capacity"`
	RefillRate float64      `json:"refill_rate"`
	Tokens     float64      `json:"tokens"`
}

type bucket struct {
	mu         sync.Mutex
	scope      domain.Scope
	capacity   float64
	rate       float64
	tokens     float64
	lastRefill time.Time
}

// refill adds tokens based on elapsed time. Must be called with mu held.
func (b *bucket) refill(now time.Time) {
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.lastRefill = now
	}
}

// wait is how long until one whole token exists. Must be called with mu held.
func (b *bucket) wait() time.Duration {
	if b.tokens >= 1 {
		return 0
	}
	d := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
	if d <= 0 {
		d = time.Nanosecond
	}
	return d
}

func (b *bucket) misconfigured() bool {
	return b.capacity < 1 || b.rate <= 0
}

// Limiter is safe for concurrent use. Buckets are created lazily per scope.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[domain.Scope]*bucket
	limits   map[domain.Scope]Limit
	fallback Limit
	global   *bucket
	now      func() time.Time
	log      zerolog.Logger
}

// New creates a limiter. Invalid limits are accepted here and reported by Acquire.
func New(cfg Config, log zerolog.Logger) *Limiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limits := make(map[domain.Scope]Limit, len(cfg.Scopes))
	for scope, limit := range cfg.Scopes {
		limits[scope] = limit
	}

	now := cfg.Now()
	return &Limiter{
		buckets:  make(map[domain.Scope]*bucket),
		limits:   limits,
		fallback: cfg.Default,
		global:   newBucket(domain.ScopeGlobal, cfg.Global, now),
		now:      cfg.Now,
		log:      log.With().Str("component", "rate_limiter").Logger(),
	}
}

func newBucket(scope domain.Scope, limit Limit, now time.Time) *bucket {
	return &bucket{
		scope:      scope,
		capacity:   limit.Capacity,
		rate:       limit.RefillRate,
		tokens:     limit.Capacity,
		lastRefill: now,
	}
}

func (l *Limiter) bucketFor(scope domain.Scope) (*bucket, error) {
	if scope == domain.ScopeGlobal {
		return nil, l.check(l.global)
	}

	l.mu.Lock()
	b, ok := l.buckets[scope]
	if !ok {
		limit, found := l.limits[scope]
		if !found {
			limit = l.fallback
		}
		b = newBucket(scope, limit, l.now())
		l.buckets[scope] = b
	}
	l.mu.Unlock()

	if err := l.check(b); err != nil {
		return nil, err
	}
	return b, l.check(l.global)
}

func (l *Limiter) check(b *bucket) error {
	if b.misconfigured() {
		return fmt.Errorf("%w: scope %s has capacity %.2f and refill rate %.2f/s",
			domain.ErrRateLimiterMisconfigured, b.scope, b.capacity, b.rate)
	}
	return nil
}

// take consumes a token from b (may be nil) and the global bucket if both have one.
// Otherwise it returns the shortest wait among the buckets that are short.
// Locks are taken scope first, then global.
func (l *Limiter) take(b *bucket) (time.Duration, bool) {
	now := l.now()
	if b != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.refill(now)
	}
	l.global.mu.Lock()
	defer l.global.mu.Unlock()
	l.global.refill(now)

	var wait time.Duration
	if b != nil {
		wait = b.wait()
	}
	if gw := l.global.wait(); gw > 0 && (wait == 0 || gw < wait) {
		wait = gw
	}
	if wait > 0 {
		return wait, false
	}

	if b != nil {
		b.tokens--
	}
	l.global.tokens--
	return 0, true
}

// Acquire blocks until a token is available in both the scope bucket and the global
// bucket, then consumes one from each. It returns ctx.Err() if the context ends first
// and ErrRateLimiterMisconfigured, without waiting, if a bucket could never refill.
func (l *Limiter) Acquire(ctx context.Context, scope domain.Scope) error {
	b, err := l.bucketFor(scope)
	if err != nil {
		return err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, ok := l.take(b)
		if ok {
			return nil
		}

		l.log.Debug().Str("scope", string(scope)).Dur("wait", wait).Msg("Rate limited, waiting for token")

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryAcquire takes a token from both buckets without blocking.
func (l *Limiter) TryAcquire(scope domain.Scope) (bool, error) {
	b, err := l.bucketFor(scope)
	if err != nil {
		return false, err
	}
	_, ok := l.take(b)
	return ok, nil
}

// Snapshot returns the state of the global bucket and every scope bucket created so far.
func (l *Limiter) Snapshot() []BucketState {
	now := l.now()

	l.mu.Lock()
	all := make([]*bucket, 0, len(l.buckets)+1)
	for _, b := range l.buckets {
		all = append(all, b)
	}
	l.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].scope < all[j].scope })
	all = append([]*bucket{l.global}, all...)

	states := make([]BucketState, 0, len(all))
	for _, b := range all {
		b.mu.Lock()
		b.refill(now)
		states = append(states, BucketState{
			Scope:      b.scope,
			Capacity:   b.capacity,
			RefillRate: b.rate,
			Tokens:     b.tokens,
		})
		b.mu.Unlock()
	}
	return states
}
