// Package invoker is the single path for outbound brokerage calls: cache lookup,
// request coalescing, rate limiting, circuit breaking and retry with backoff.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/tradegate/internal/breaker"
	"github.com/aristath/tradegate/internal/cache"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Cache is the subset of the response cache the invoker needs. Results are written with
// the version captured before the upstream call, so a fetch overtaken by an invalidation
// never lands in the cache.
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Version() uint64
	SetIfUnchanged(ctx context.Context, key string, value interface{}, ttl time.Duration, version uint64) (bool, error)
	OnInvalidate(fn func(pattern string))
}

// Limiter admits requests per scope.
type Limiter interface {
	Acquire(ctx context.Context, scope domain.Scope) error
}

// Call describes one logical request.
type Call[T any] struct {
	Scope domain.Scope
	// CacheKey enables caching and coalescing of concurrent identical calls. Empty disables both.
	CacheKey string
	TTL      time.Duration
	// Mutating calls are never cached or coalesced. Without an IdempotencyKey an ambiguous
	// failure (timeout, dropped connection) is not retried.
	Mutating       bool
	IdempotencyKey string
	Operation      func(ctx context.Context) (T, error)
}

// Invoker is safe for concurrent use.
type Invoker struct {
	cache    Cache
	limiter  Limiter
	breakers *breaker.Registry
	policy   Policy
	group    singleflight.Group
	log      zerolog.Logger

	mu      sync.Mutex
	flights map[string]*flight // group key -> running leader
}

type flight struct {
	cacheKey string
}

// New creates an invoker. cache may be nil.
func New(c Cache, limiter Limiter, breakers *breaker.Registry, policy Policy, log zerolog.Logger) *Invoker {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	inv := &Invoker{
		cache:    c,
		limiter:  limiter,
		breakers: breakers,
		policy:   policy,
		flights:  make(map[string]*flight),
		log:      log.With().Str("component", "invoker").Logger(),
	}
	if c != nil {
		c.OnInvalidate(inv.forget)
	}
	return inv
}

// Policy returns the retry policy in use.
func (inv *Invoker) Policy() Policy {
	return inv.policy
}

// Invoke runs call. A cache hit returns without touching the limiter, breaker or network.
// On a miss, concurrent callers with the same CacheKey share one upstream call: the first
// becomes the leader and the rest wait for its result, each bounded by its own context.
// Followers receive the leader's value as-is and must not mutate it. Once a matching
// invalidation has run, new callers never join a call that started before it.
func Invoke[T any](ctx context.Context, inv *Invoker, call Call[T]) (T, error) {
	var zero T
	if call.Operation == nil {
		return zero, errors.New("invoker: nil operation")
	}

	cacheable := inv.cacheable(call.CacheKey, call.TTL, call.Mutating)
	if cacheable {
		if v, ok := lookup[T](ctx, inv, call.CacheKey); ok {
			return v, nil
		}
	}

	if call.CacheKey == "" || call.Mutating {
		return execute(ctx, inv, call, false, 0)
	}

	groupKey := string(call.Scope) + "|" + call.CacheKey
	ch := inv.group.DoChan(groupKey, func() (interface{}, error) {
		// The leader must not die with whichever caller happened to arrive first, but it
		// keeps a deadline: that caller's, or the policy's budget.
		leaderCtx, cancel := inv.leaderContext(ctx)
		defer cancel()
		version, done := inv.begin(groupKey, call.CacheKey)
		defer done()

		if cacheable {
			// a previous leader may have filled the cache while we queued for the key
			if v, ok := lookup[T](leaderCtx, inv, call.CacheKey); ok {
				return v, nil
			}
		}
		return execute(leaderCtx, inv, call, cacheable, version)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (inv *Invoker) leaderContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		return context.WithDeadline(detached, deadline)
	}
	return context.WithTimeout(detached, inv.policy.sharedBudget())
}

// begin registers the running leader for key and captures the cache version its result
// will be written against. done unregisters it.
func (inv *Invoker) begin(groupKey, cacheKey string) (version uint64, done func()) {
	f := &flight{cacheKey: cacheKey}

	inv.mu.Lock()
	inv.flights[groupKey] = f
	if inv.cache != nil {
		version = inv.cache.Version()
	}
	inv.mu.Unlock()

	return version, func() {
		inv.mu.Lock()
		if inv.flights[groupKey] == f {
			delete(inv.flights, groupKey)
		}
		inv.mu.Unlock()
	}
}

// forget detaches running calls whose key matches an invalidated pattern, so later callers
// start a fresh call instead of joining one that began before the invalidation.
func (inv *Invoker) forget(pattern string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for groupKey, f := range inv.flights {
		if cache.Match(pattern, f.cacheKey) {
			inv.group.Forget(groupKey)
			delete(inv.flights, groupKey)
		}
	}
}

func (inv *Invoker) cacheable(key string, ttl time.Duration, mutating bool) bool {
	return inv.cache != nil && key != "" && ttl > 0 && !mutating
}

func lookup[T any](ctx context.Context, inv *Invoker, key string) (T, bool) {
	var v T
	hit, err := inv.cache.Get(ctx, key, &v)
	if err != nil {
		inv.log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
		return v, false
	}
	return v, hit
}

// execute is the retry loop. Each attempt re-enters the limiter and the breaker.
func execute[T any](ctx context.Context, inv *Invoker, call Call[T], cacheable bool, version uint64) (T, error) {
	var zero T
	br := inv.breakers.Get(call.Scope)

	for attempt := 1; ; attempt++ {
		// queued time: cancellation here is the caller's, not the upstream's
		if err := inv.limiter.Acquire(ctx, call.Scope); err != nil {
			return zero, err
		}

		permit, err := br.Allow()
		if err != nil {
			return zero, err
		}

		v, err := runAttempt(ctx, inv.policy.AttemptTimeout, call)
		if err == nil {
			permit.Success()
			if cacheable {
				if _, err := inv.cache.SetIfUnchanged(ctx, call.CacheKey, v, call.TTL, version); err != nil {
					inv.log.Warn().Err(err).Str("key", call.CacheKey).Msg("Cache write failed")
				}
			}
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				// the deadline expired while waiting on the network
				permit.Failure()
				return zero, &domain.TransientError{Scope: call.Scope, Attempts: attempt, Err: ctxErr}
			}
			permit.Release()
			return zero, ctxErr
		}

		if Classify(err) != ClassTransient {
			permit.Release()
			return zero, err
		}
		permit.Failure()

		if call.Mutating && call.IdempotencyKey == "" && ambiguous(err) {
			inv.log.Warn().Err(err).Str("scope", string(call.Scope)).
				Msg("Ambiguous failure on non-idempotent call, not retrying")
			return zero, &domain.TransientError{Scope: call.Scope, Attempts: attempt, Err: err}
		}
		if attempt >= inv.policy.MaxAttempts {
			return zero, &domain.TransientError{Scope: call.Scope, Attempts: attempt, Err: err}
		}

		delay := inv.policy.delayFor(attempt, err)
		inv.log.Debug().
			Err(err).
			Str("scope", string(call.Scope)).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Transient failure, retrying")

		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, call Call[T]) (T, error) {
	if timeout <= 0 {
		return call.Operation(ctx)
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := call.Operation(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
	return v, err
}
