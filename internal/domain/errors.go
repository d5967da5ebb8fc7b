package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RetriableError is implemented by errors that know whether another attempt may succeed.
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable. Unknown errors are not.
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

var (
	// ErrRateLimiterMisconfigured is returned immediately when a bucket could never admit a request.
	ErrRateLimiterMisconfigured = errors.New("rate limiter misconfigured")

	// ErrDuplicateSubmission marks an intent whose idempotency key already produced a record.
	// The pipeline resolves it by returning the original record.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrNotFound is returned by lookups that found nothing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when an order update would break the lifecycle.
	ErrInvalidTransition = errors.New("invalid order state transition")
)

// FieldError describes one rejected intent field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when an intent fails structural checks. Never retriable.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) IsRetriable() bool { return false }

// Add records a field failure.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// HasField reports whether the named field failed.
func (e *ValidationError) HasField(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// RiskRejectedError carries the assessment that denied an intent.
type RiskRejectedError struct {
	Assessment RiskAssessment
}

func (e *RiskRejectedError) Error() string {
	if e.Assessment.Detail != "" {
		return fmt.Sprintf("risk rejected: %s (%s)", e.Assessment.Reason, e.Assessment.Detail)
	}
	return fmt.Sprintf("risk rejected: %s", e.Assessment.Reason)
}

func (e *RiskRejectedError) IsRetriable() bool { return false }

// CircuitOpenError is returned without touching the network while a scope's breaker is open.
type CircuitOpenError struct {
	Scope      Scope
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for scope %s (retry in %s)", e.Scope, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) IsRetriable() bool { return false }

// TransientError is surfaced after the retry budget is exhausted.
type TransientError struct {
	Scope    Scope
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("scope %s: gave up after %d attempts: %v", e.Scope, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) IsRetriable() bool { return false }

// TransportError is a non-2xx reply from the brokerage.
type TransportError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *TransportError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("broker returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("broker returned %d: %s", e.StatusCode, e.Message)
}

// IsRetriable is true for throttling and server-side failures.
func (e *TransportError) IsRetriable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// NetworkError wraps a failure to reach the brokerage at all. The request may or may not
// have been received, so mutating callers treat it as ambiguous.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) IsRetriable() bool { return true }
