package breaker

import (
	"sort"
	"sync"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/rs/zerolog"
)

// Registry holds one breaker per scope, created on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[domain.Scope]*Breaker
	cfg      Config
	hook     StateChangeFunc
	log      zerolog.Logger
}

// NewRegistry creates a registry. hook may be nil.
func NewRegistry(cfg Config, hook StateChangeFunc, log zerolog.Logger) *Registry {
	r := &Registry{
		breakers: make(map[domain.Scope]*Breaker),
		cfg:      cfg,
		log:      log.With().Str("component", "circuit_breaker").Logger(),
	}
	r.hook = func(scope domain.Scope, from, to State, failures int) {
		ev := r.log.Info()
		if to == StateOpen {
			ev = r.log.Warn()
		}
		ev.Str("scope", string(scope)).
			Str("from", from.String()).
			Str("to", to.String()).
			Int("failures", failures).
			Msg("Circuit breaker state changed")
		if hook != nil {
			hook(scope, from, to, failures)
		}
	}
	return r
}

// Get returns the breaker for scope.
func (r *Registry) Get(scope domain.Scope) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[scope]
	if !ok {
		b = New(scope, r.cfg, r.hook)
		r.breakers[scope] = b
	}
	return b
}

// States returns a snapshot of every breaker created so far, ordered by scope.
func (r *Registry) States() []Snapshot {
	r.mu.Lock()
	all := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		all = append(all, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(all))
	for _, b := range all {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Scope < snaps[j].Scope })
	return snaps
}

// Reset closes the breaker for scope. It reports false if none exists yet.
func (r *Registry) Reset(scope domain.Scope) bool {
	r.mu.Lock()
	b, ok := r.breakers[scope]
	r.mu.Unlock()
	if ok {
		b.Reset()
	}
	return ok
}
