package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/tradegate/internal/config"
	"github.com/aristath/tradegate/internal/domain"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
)

// QuoteSource supplies the latest (usually cached) quote.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (domain.Quote, error)
}

// AccountSource supplies buying power and equity.
type AccountSource interface {
	Summary(ctx context.Context, accountID string) (domain.AccountSummary, error)
}

// InstrumentSource supplies reference data.
type InstrumentSource interface {
	Instrument(ctx context.Context, symbol string) (domain.Instrument, error)
}

// PositionSource exposes the tracker's holdings.
type PositionSource interface {
	Position(accountID, symbol string) (domain.Position, bool)
	Positions(accountID string) []domain.Position
}

// RiskChecker runs the pre-trade checks. Checks run in a fixed order and the first denial wins:
//
//	trading mode -> instrument -> quote -> buying power -> sell position -> position size
//
// Concentration is evaluated last and only ever adds a warning.
type RiskChecker struct {
	quotes      QuoteSource
	accounts    AccountSource
	instruments InstrumentSource
	positions   PositionSource
	tradingMode string
	limits      config.RiskConfig
	log         zerolog.Logger
}

// NewRiskChecker creates a risk checker. instruments and positions may be nil.
func NewRiskChecker(
	quotes QuoteSource,
	accounts AccountSource,
	instruments InstrumentSource,
	positions PositionSource,
	tradingMode string,
	limits config.RiskConfig,
	log zerolog.Logger,
) *RiskChecker {
	return &RiskChecker{
		quotes:      quotes,
		accounts:    accounts,
		instruments: instruments,
		positions:   positions,
		tradingMode: tradingMode,
		limits:      limits,
		log:         log.With().Str("service", "risk").Logger(),
	}
}

// Assess evaluates a validated intent. Denials come back as an assessment; the error is
// reserved for conditions the caller must see as-is: cancellation, an open circuit and a
// misconfigured limiter.
func (c *RiskChecker) Assess(ctx context.Context, intent domain.OrderIntent) (domain.RiskAssessment, error) {
	a := domain.RiskAssessment{Outcome: domain.RiskApprove}

	// HARD fail-safe: nothing leaves research mode
	if c.tradingMode != config.TradingModeLive {
		return deny(a, domain.ReasonTradingDisabled, fmt.Sprintf("trading mode is %q", c.tradingMode)), nil
	}

	if c.instruments != nil {
		in, err := c.instruments.Instrument(ctx, intent.Symbol)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return deny(a, domain.ReasonUnknownInstrument, intent.Symbol), nil
		case err != nil:
			if systemic(ctx, err) {
				return a, err
			}
			return deny(a, domain.ReasonInstrumentUnavailable, err.Error()), nil
		case !in.Tradable:
			return deny(a, domain.ReasonNotTradable, intent.Symbol), nil
		}
	}

	price, err := c.estimatePrice(ctx, intent, &a)
	if err != nil {
		if systemic(ctx, err) {
			return a, err
		}
		return deny(a, domain.ReasonQuoteUnavailable, err.Error()), nil
	}
	a.EstimatedPrice = price
	a.EstimatedCost = price.Mul(intent.Quantity)

	summary, err := c.accounts.Summary(ctx, intent.AccountID)
	if err != nil {
		if systemic(ctx, err) {
			return a, err
		}
		return deny(a, domain.ReasonAccountUnavailable, err.Error()), nil
	}
	a.BuyingPower = summary.BuyingPower

	if intent.Side == domain.SideBuy {
		a.BuyingPowerOK = a.EstimatedCost.LessThanOrEqual(summary.BuyingPower)
		if !a.BuyingPowerOK {
			return deny(a, domain.ReasonInsufficientBuyingPower,
				fmt.Sprintf("estimated cost %s exceeds buying power %s", a.EstimatedCost.StringFixed(2), summary.BuyingPower.StringFixed(2))), nil
		}
	} else {
		a.BuyingPowerOK = true
	}

	var held decimal.Decimal
	if c.positions != nil {
		if p, ok := c.positions.Position(intent.AccountID, intent.Symbol); ok {
			held = p.Quantity
		}
	}

	if intent.Side == domain.SideSell {
		if intent.Quantity.GreaterThan(held) {
			return deny(a, domain.ReasonInsufficientPosition,
				fmt.Sprintf("sell quantity %s exceeds position %s", intent.Quantity, held)), nil
		}
		return a, nil
	}

	equity := c.equity(summary)
	if equity.IsPositive() && c.limits.MaxPositionPct > 0 {
		maxValue := equity.Mul(decimal.NewFromFloat(c.limits.MaxPositionPct))
		heldValue := held.Mul(price)
		limit := maxValue.Sub(heldValue).Div(price).Floor()
		if limit.IsNegative() {
			limit = decimal.Zero
		}
		a.PositionSizeLimit = limit

		if heldValue.Add(a.EstimatedCost).GreaterThan(maxValue) {
			return deny(a, domain.ReasonPositionLimitExceeded,
				fmt.Sprintf("resulting position exceeds %.0f%% of equity %s", c.limits.MaxPositionPct*100, equity.StringFixed(2))), nil
		}
	} else {
		a.Warnings = append(a.Warnings, "position size limit skipped: equity unknown")
	}

	if hhi, ok := c.concentrationAfter(intent, price); ok && c.limits.ConcentrationWarnHHI > 0 && hhi > c.limits.ConcentrationWarnHHI {
		a.Warnings = append(a.Warnings, fmt.Sprintf("portfolio concentration %.2f above %.2f after this order", hhi, c.limits.ConcentrationWarnHHI))
	}

	return a, nil
}

// estimatePrice picks the per-share price the order is expected to trade at. Limit orders can
// fall back to their limit price when no quote is available.
func (c *RiskChecker) estimatePrice(ctx context.Context, intent domain.OrderIntent, a *domain.RiskAssessment) (decimal.Decimal, error) {
	q, qerr := c.quotes.Quote(ctx, intent.Symbol)

	if intent.Kind == domain.KindLimit && intent.LimitPrice != nil {
		if qerr != nil {
			if systemic(ctx, qerr) {
				return decimal.Zero, qerr
			}
			a.Warnings = append(a.Warnings, "quote unavailable, cost estimated at limit price")
		}
		return *intent.LimitPrice, nil
	}
	if qerr != nil {
		return decimal.Zero, qerr
	}

	var price decimal.Decimal
	if intent.Side == domain.SideBuy {
		price = q.BuyPrice()
		if intent.Kind == domain.KindStop && intent.StopPrice != nil && intent.StopPrice.GreaterThan(price) {
			price = *intent.StopPrice
		}
	} else {
		price = q.SellPrice()
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no usable price in quote for %s", intent.Symbol)
	}
	return price, nil
}

func (c *RiskChecker) equity(summary domain.AccountSummary) decimal.Decimal {
	if summary.Equity.IsPositive() {
		return summary.Equity
	}
	total := summary.Cash
	if c.positions != nil {
		for _, p := range c.positions.Positions(summary.AccountID) {
			total = total.Add(p.MarketValue())
		}
	}
	return total
}

// concentrationAfter is the Herfindahl index of position weights once the order fills.
func (c *RiskChecker) concentrationAfter(intent domain.OrderIntent, price decimal.Decimal) (float64, bool) {
	if c.positions == nil {
		return 0, false
	}

	orderValue, _ := intent.Quantity.Mul(price).Float64()
	values := make([]float64, 0)
	merged := false
	for _, p := range c.positions.Positions(intent.AccountID) {
		v, _ := p.MarketValue().Float64()
		if p.Symbol == intent.Symbol {
			v += orderValue
			merged = true
		}
		if v > 0 {
			values = append(values, v)
		}
	}
	if !merged {
		values = append(values, orderValue)
	}
	if len(values) < 2 {
		return 0, false
	}

	total := floats.Sum(values)
	if total <= 0 {
		return 0, false
	}
	floats.Scale(1/total, values)
	return floats.Dot(values, values), true
}

func deny(a domain.RiskAssessment, reason domain.RiskReason, detail string) domain.RiskAssessment {
	a.Outcome = domain.RiskDeny
	a.Reason = reason
	a.Detail = detail
	return a
}

// systemic reports errors that must reach the caller instead of becoming a denial.
func systemic(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var open *domain.CircuitOpenError
	return errors.As(err, &open) || errors.Is(err, domain.ErrRateLimiterMisconfigured)
}
