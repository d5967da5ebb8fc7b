package trading

import (
	"regexp"
	"strings"

	"github.com/aristath/tradegate/internal/domain"
)

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,14}$`)

// Validator performs structural checks on an intent. It never calls out.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns a normalized copy of intent (upper-case symbol, default time in force),
// or a *domain.ValidationError listing every failing field.
func (v *Validator) Validate(intent domain.OrderIntent) (domain.OrderIntent, error) {
	out := intent.Clone()
	out.Symbol = strings.ToUpper(strings.TrimSpace(out.Symbol))
	out.AccountID = strings.TrimSpace(out.AccountID)
	if out.TimeInForce == "" {
		out.TimeInForce = domain.TIFDay
	}

	verr := &domain.ValidationError{}

	if out.AccountID == "" {
		verr.Add("account_id", "is required")
	}
	if !symbolPattern.MatchString(out.Symbol) {
		verr.Add("symbol", "is malformed")
	}

	switch out.Side {
	case domain.SideBuy, domain.SideSell:
	default:
		verr.Add("side", "must be buy or sell")
	}

	if !out.Quantity.IsPositive() {
		verr.Add("quantity", "must be greater than zero")
	}

	switch out.TimeInForce {
	case domain.TIFDay, domain.TIFGTC, domain.TIFIOC, domain.TIFFOK:
	default:
		verr.Add("time_in_force", "is not supported")
	}

	switch out.Kind {
	case domain.KindMarket:
		if out.LimitPrice != nil {
			verr.Add("limit_price", "not allowed for market orders")
		}
		if out.StopPrice != nil {
			verr.Add("stop_price", "not allowed for market orders")
		}
	case domain.KindLimit:
		if out.LimitPrice == nil {
			verr.Add("limit_price", "is required for limit orders")
		} else if !out.LimitPrice.IsPositive() {
			verr.Add("limit_price", "must be greater than zero")
		}
		if out.StopPrice != nil {
			verr.Add("stop_price", "not allowed for limit orders")
		}
	case domain.KindStop:
		if out.StopPrice == nil {
			verr.Add("stop_price", "is required for stop orders")
		} else if !out.StopPrice.IsPositive() {
			verr.Add("stop_price", "must be greater than zero")
		}
		if out.LimitPrice != nil {
			verr.Add("limit_price", "not allowed for stop orders")
		}
	default:
		verr.Add("kind", "must be market, limit or stop")
	}

	if len(verr.Fields) > 0 {
		return domain.OrderIntent{}, verr
	}
	return out, nil
}
