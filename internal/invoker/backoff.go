package invoker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/aristath/tradegate/internal/domain"
)

// Policy is the retry policy.
type Policy struct {
	MaxAttempts    int           // Total attempts including the first
	BaseDelay      time.Duration // Delay before the first retry
	MaxDelay       time.Duration // Cap for the exponential part
	AttemptTimeout time.Duration // Per-attempt deadline, zero disables
}

// defaultSharedBudget bounds a coalesced call with no caller deadline and no attempt timeout.
const defaultSharedBudget = time.Minute

// sharedBudget bounds a coalesced call whose first caller had no deadline.
func (p Policy) sharedBudget() time.Duration {
	if p.AttemptTimeout > 0 {
		return time.Duration(p.MaxAttempts) * (p.AttemptTimeout + p.MaxDelay)
	}
	return defaultSharedBudget
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		AttemptTimeout: 10 * time.Second,
	}
}

// Backoff returns the delay before retry number retry (1-based): BaseDelay * 2^(retry-1),
// capped at MaxDelay, with equal jitter so the result falls in [d/2, d].
func (p Policy) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := p.MaxDelay
	// 2^30 * any sane base already exceeds any sane cap
	if retry <= 30 {
		if exp := p.BaseDelay * time.Duration(1<<(retry-1)); exp > 0 && exp < p.MaxDelay {
			d = exp
		}
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half)+1))
}

// delayFor honours a server Retry-After when it asks for longer than the backoff.
func (p Policy) delayFor(retry int, err error) time.Duration {
	d := p.Backoff(retry)
	var te *domain.TransportError
	if errors.As(err, &te) && te.RetryAfter > d {
		d = te.RetryAfter
	}
	return d
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
