package cache

import "time"

// TTL classes. These are added to time.Now() when storing to calculate expiry.
const (
	TTLQuote      = 10 * time.Second // Quotes move constantly
	TTLAccount    = 60 * time.Second // Account summary and positions
	TTLOrders     = 5 * time.Minute  // Order history
	TTLInstrument = 12 * time.Hour   // Instrument metadata rarely changes
	TTLPortfolio  = 5 * time.Second  // Derived snapshot, recomputed cheaply

	// DefaultLocalTTLCap bounds how long the local tier may serve an entry.
	DefaultLocalTTLCap = 5 * time.Second
)

// TTLs is the set of TTL classes in use, overridable from config.
type TTLs struct {
	Quote      time.Duration
	Account    time.Duration
	Orders     time.Duration
	Instrument time.Duration
	Portfolio  time.Duration
}

// DefaultTTLs returns the built-in classes.
func DefaultTTLs() TTLs {
	return TTLs{
		Quote:      TTLQuote,
		Account:    TTLAccount,
		Orders:     TTLOrders,
		Instrument: TTLInstrument,
		Portfolio:  TTLPortfolio,
	}
}
