// Package breaker implements per-scope circuit breakers.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/aristath/tradegate/internal/domain"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // One trial request in flight or allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = StateClosed
	case "OPEN":
		*s = StateOpen
	case "HALF_OPEN":
		*s = StateHalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// Config holds configuration for a breaker.
type Config struct {
	FailureThreshold int           // Consecutive failures before opening
	FailureWindow    time.Duration // A streak older than this starts over, zero disables
	CoolDown         time.Duration // Time in OPEN before a trial is allowed
	Now              func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		CoolDown:         30 * time.Second,
	}
}

// StateChangeFunc is called after a transition, outside the breaker's lock.
type StateChangeFunc func(scope domain.Scope, from, to State, failures int)

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Scope               domain.Scope `json:"scope"`
	State               State        `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            *time.Time   `json:"opened_at,omitempty"`
	ProbeInFlight       bool         `json:"probe_in_flight"`
}

// Breaker guards one scope. Thread-safe for concurrent use.
type Breaker struct {
	scope domain.Scope
	cfg   Config
	hook  StateChangeFunc

	mu             sync.Mutex
	state          State
	failures       int
	firstFailureAt time.Time
	openedAt       time.Time
	probeInFlight  bool
	generation     uint64
}

// New creates a closed breaker for scope.
func New(scope domain.Scope, cfg Config, hook StateChangeFunc) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{scope: scope, cfg: cfg, hook: hook}
}

type transition struct {
	from, to State
	failures int
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.hook != nil {
		b.hook(b.scope, t.from, t.to, t.failures)
	}
}

// setState must be called with mu held.
func (b *Breaker) setState(to State) *transition {
	if b.state == to {
		return nil
	}
	t := &transition{from: b.state, to: to, failures: b.failures}
	b.state = to
	return t
}

// Allow asks to make one request. It fails fast with a *domain.CircuitOpenError while
// the breaker is open, and while a half-open trial is already in flight. Every returned
// permit must be finished with exactly one of Success, Failure or Release.
func (b *Breaker) Allow() (*Permit, error) {
	b.mu.Lock()

	var t *transition
	switch b.state {
	case StateOpen:
		elapsed := b.cfg.Now().Sub(b.openedAt)
		if elapsed < b.cfg.CoolDown {
			b.mu.Unlock()
			return nil, &domain.CircuitOpenError{Scope: b.scope, RetryAfter: b.cfg.CoolDown - elapsed}
		}
		t = b.setState(StateHalfOpen)
		fallthrough

	case StateHalfOpen:
		if b.probeInFlight {
			b.mu.Unlock()
			return nil, &domain.CircuitOpenError{Scope: b.scope}
		}
		b.probeInFlight = true
		p := &Permit{breaker: b, probe: true, generation: b.generation}
		b.mu.Unlock()
		b.notify(t)
		return p, nil
	}

	p := &Permit{breaker: b, generation: b.generation}
	b.mu.Unlock()
	return p, nil
}

func (b *Breaker) onSuccess(p *Permit) {
	b.mu.Lock()
	var t *transition
	if p.generation == b.generation {
		switch {
		case p.probe:
			b.probeInFlight = false
			b.failures = 0
			b.openedAt = time.Time{}
			t = b.setState(StateClosed)
		case b.state == StateClosed:
			b.failures = 0
		}
	}
	b.mu.Unlock()
	b.notify(t)
}

func (b *Breaker) onFailure(p *Permit) {
	b.mu.Lock()
	var t *transition
	if p.generation == b.generation {
		now := b.cfg.Now()
		switch {
		case p.probe:
			b.probeInFlight = false
			b.failures++
			b.openedAt = now
			t = b.setState(StateOpen)
		case b.state == StateClosed:
			if b.failures > 0 && b.cfg.FailureWindow > 0 && now.Sub(b.firstFailureAt) > b.cfg.FailureWindow {
				b.failures = 0
			}
			if b.failures == 0 {
				b.firstFailureAt = now
			}
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.openedAt = now
				t = b.setState(StateOpen)
			}
		}
	}
	b.mu.Unlock()
	b.notify(t)
}

func (b *Breaker) onRelease(p *Permit) {
	b.mu.Lock()
	if p.probe && p.generation == b.generation {
		b.probeInFlight = false
	}
	b.mu.Unlock()
}

// State returns the current state. An open breaker whose cool-down has elapsed still
// reports OPEN until the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's state for monitoring.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Scope:               b.scope,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		ProbeInFlight:       b.probeInFlight,
	}
	if !b.openedAt.IsZero() {
		openedAt := b.openedAt
		s.OpenedAt = &openedAt
	}
	return s
}

// Reset forces the breaker closed. Permits issued before the reset become neutral.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.generation++
	b.failures = 0
	b.firstFailureAt = time.Time{}
	b.openedAt = time.Time{}
	b.probeInFlight = false
	t := b.setState(StateClosed)
	b.mu.Unlock()
	b.notify(t)
}

// Permit is one admitted request.
type Permit struct {
	breaker    *Breaker
	probe      bool
	generation uint64
	once       sync.Once
}

// Probe reports whether this permit is the half-open trial.
func (p *Permit) Probe() bool {
	return p.probe
}

// Success reports that the request succeeded.
func (p *Permit) Success() {
	p.once.Do(func() { p.breaker.onSuccess(p) })
}

// Failure reports a transient failure that counts toward opening the breaker.
func (p *Permit) Failure() {
	p.once.Do(func() { p.breaker.onFailure(p) })
}

// Release finishes the permit without affecting breaker state.
func (p *Permit) Release() {
	p.once.Do(func() { p.breaker.onRelease(p) })
}
