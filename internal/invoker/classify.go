package invoker

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/aristath/tradegate/internal/domain"
)

// Class is how the invoker treats a failed attempt.
type Class int

const (
	// ClassPermanent surfaces immediately and leaves the breaker untouched.
	ClassPermanent Class = iota
	// ClassTransient is retried and counts as a breaker failure.
	ClassTransient
	// ClassCanceled means the caller gave up.
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassCanceled:
		return "canceled"
	default:
		return "permanent"
	}
}

// Classify maps an attempt error onto a Class. Timeouts, 5xx, 429 and network failures
// are transient; 4xx, auth failures, validation errors and anything unrecognised are not.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var te *domain.TransportError
	if errors.As(err, &te) {
		if te.IsRetriable() {
			return ClassTransient
		}
		return ClassPermanent
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}

	if domain.IsRetriable(err) {
		return ClassTransient
	}
	return ClassPermanent
}

// MayHaveApplied reports whether a mutating call that failed with err may still have taken
// effect upstream. Only retry exhaustion on an ambiguous failure qualifies; rejections, open
// breakers and throttling are definite.
func MayHaveApplied(err error) bool {
	var te *domain.TransientError
	if errors.As(err, &te) {
		return ambiguous(te.Err)
	}
	return false
}

// ambiguous reports whether the upstream may have acted on a request that failed with err.
// Throttling and "unavailable" replies are definite rejections; anything else transient
// (timeouts, resets, gateway errors) might have been applied.
func ambiguous(err error) bool {
	var te *domain.TransportError
	if errors.As(err, &te) {
		return te.StatusCode != http.StatusTooManyRequests && te.StatusCode != http.StatusServiceUnavailable
	}
	return true
}
