// Package market serves read-side brokerage data (quotes, account summaries, instruments)
// through the invoker so every read is cached, coalesced, rate limited and breaker-gated.
package market

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/tradegate/internal/cache"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/aristath/tradegate/internal/invoker"
	"github.com/rs/zerolog"
)

// BrokerReader is the subset of the broker client the read services call.
type BrokerReader interface {
	GetQuote(ctx context.Context, symbol string) (domain.Quote, error)
	GetAccount(ctx context.Context, accountID string) (domain.AccountSummary, error)
	GetInstrument(ctx context.Context, symbol string) (domain.Instrument, error)
}

// QuoteService serves quotes under the quotes scope.
type QuoteService struct {
	broker BrokerReader
	inv    *invoker.Invoker
	ttl    cache.TTLs
	log    zerolog.Logger
}

// NewQuoteService creates a quote service.
func NewQuoteService(broker BrokerReader, inv *invoker.Invoker, ttl cache.TTLs, log zerolog.Logger) *QuoteService {
	return &QuoteService{
		broker: broker,
		inv:    inv,
		ttl:    ttl,
		log:    log.With().Str("service", "quotes").Logger(),
	}
}

// Quote returns the latest quote for symbol.
func (s *QuoteService) Quote(ctx context.Context, symbol string) (domain.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return domain.Quote{}, fmt.Errorf("symbol is required")
	}

	q, err := invoker.Invoke(ctx, s.inv, invoker.Call[domain.Quote]{
		Scope:    domain.ScopeQuotes,
		CacheKey: cache.QuoteKey(symbol),
		TTL:      s.ttl.Quote,
		Operation: func(ctx context.Context) (domain.Quote, error) {
			return s.broker.GetQuote(ctx, symbol)
		},
	})
	if err != nil {
		s.log.Debug().Err(err).Str("symbol", symbol).Msg("Quote unavailable")
		return domain.Quote{}, fmt.Errorf("quote %s: %w", symbol, err)
	}
	return q, nil
}

// Quotes fetches several symbols; missing quotes are left out of the result and the first
// error is returned alongside whatever succeeded.
func (s *QuoteService) Quotes(ctx context.Context, symbols []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote, len(symbols))
	var firstErr error
	for _, sym := range symbols {
		q, err := s.Quote(ctx, sym)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[strings.ToUpper(sym)] = q
	}
	return out, firstErr
}

// AccountService serves account cash summaries under the account scope.
type AccountService struct {
	broker BrokerReader
	inv    *invoker.Invoker
	ttl    cache.TTLs
}

// NewAccountService creates an account service.
func NewAccountService(broker BrokerReader, inv *invoker.Invoker, ttl cache.TTLs) *AccountService {
	return &AccountService{broker: broker, inv: inv, ttl: ttl}
}

// Summary returns the account's cash summary.
func (s *AccountService) Summary(ctx context.Context, accountID string) (domain.AccountSummary, error) {
	if accountID == "" {
		return domain.AccountSummary{}, fmt.Errorf("account id is required")
	}
	a, err := invoker.Invoke(ctx, s.inv, invoker.Call[domain.AccountSummary]{
		Scope:    domain.ScopeAccount,
		CacheKey: cache.AccountSummaryKey(accountID),
		TTL:      s.ttl.Account,
		Operation: func(ctx context.Context) (domain.AccountSummary, error) {
			return s.broker.GetAccount(ctx, accountID)
		},
	})
	if err != nil {
		return domain.AccountSummary{}, fmt.Errorf("account %s: %w", accountID, err)
	}
	return a, nil
}

// InstrumentService serves reference data under the reference scope.
type InstrumentService struct {
	broker BrokerReader
	inv    *invoker.Invoker
	ttl    cache.TTLs
}

// NewInstrumentService creates an instrument service.
func NewInstrumentService(broker BrokerReader, inv *invoker.Invoker, ttl cache.TTLs) *InstrumentService {
	return &InstrumentService{broker: broker, inv: inv, ttl: ttl}
}

// Instrument returns reference data for symbol. A 404 from the broker surfaces as
// domain.ErrNotFound.
func (s *InstrumentService) Instrument(ctx context.Context, symbol string) (domain.Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	in, err := invoker.Invoke(ctx, s.inv, invoker.Call[domain.Instrument]{
		Scope:    domain.ScopeReference,
		CacheKey: cache.InstrumentKey(symbol),
		TTL:      s.ttl.Instrument,
		Operation: func(ctx context.Context) (domain.Instrument, error) {
			return s.broker.GetInstrument(ctx, symbol)
		},
	})
	if err != nil {
		if isNotFound(err) {
			return domain.Instrument{}, fmt.Errorf("instrument %s: %w", symbol, domain.ErrNotFound)
		}
		return domain.Instrument{}, fmt.Errorf("instrument %s: %w", symbol, err)
	}
	return in, nil
}
