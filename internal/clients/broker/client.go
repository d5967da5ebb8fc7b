package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/rs/zerolog"
)

// Broker command names understood by the transport.
const (
	CmdGetQuote       = "getQuote"
	CmdGetAccount     = "getAccountSummary"
	CmdGetInstrument  = "getInstrument"
	CmdGetPositions   = "getPositions"
	CmdPlaceOrder     = "placeOrder"
	CmdGetOrderStatus = "getOrderStatus"
)

// Client is a typed facade over a domain.Transport. It performs exactly one transport call
// per method; caching, limiting and retries are the invoker's business.
type Client struct {
	transport domain.Transport
	log       zerolog.Logger
}

// NewClient creates a broker client.
func NewClient(transport domain.Transport, log zerolog.Logger) *Client {
	return &Client{
		transport: transport,
		log:       log.With().Str("component", "broker-client").Logger(),
	}
}

// GetQuote fetches the latest quote for symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	var q domain.Quote
	err := c.call(ctx, domain.Request{
		Scope:   domain.ScopeQuotes,
		Command: CmdGetQuote,
		Params:  map[string]any{"symbol": strings.ToUpper(symbol)},
	}, &q)
	if err != nil {
		return domain.Quote{}, err
	}
	if q.Symbol == "" {
		q.Symbol = strings.ToUpper(symbol)
	}
	return q, nil
}

// GetAccount fetches the cash summary of an account.
func (c *Client) GetAccount(ctx context.Context, accountID string) (domain.AccountSummary, error) {
	var a domain.AccountSummary
	err := c.call(ctx, domain.Request{
		Scope:   domain.ScopeAccount,
		Command: CmdGetAccount,
		Params:  map[string]any{"account_id": accountID},
	}, &a)
	if err != nil {
		return domain.AccountSummary{}, err
	}
	if a.AccountID == "" {
		a.AccountID = accountID
	}
	return a, nil
}

// GetInstrument fetches reference data for symbol.
func (c *Client) GetInstrument(ctx context.Context, symbol string) (domain.Instrument, error) {
	var in domain.Instrument
	err := c.call(ctx, domain.Request{
		Scope:   domain.ScopeReference,
		Command: CmdGetInstrument,
		Params:  map[string]any{"symbol": strings.ToUpper(symbol)},
	}, &in)
	if err != nil {
		return domain.Instrument{}, err
	}
	return in, nil
}

// GetPositions fetches the broker's holdings for an account.
func (c *Client) GetPositions(ctx context.Context, accountID string) ([]domain.BrokerPosition, error) {
	var out struct {
		Positions []domain.BrokerPosition `json:"positions"`
	}
	err := c.call(ctx, domain.Request{
		Scope:   domain.ScopeAccount,
		Command: CmdGetPositions,
		Params:  map[string]any{"account_id": accountID},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Positions, nil
}

// PlaceOrder submits an intent. idempotencyKey is sent with every attempt so the broker can
// collapse retried submissions into one order.
func (c *Client) PlaceOrder(ctx context.Context, intent domain.OrderIntent, idempotencyKey string) (domain.OrderAck, error) {
	params := map[string]any{
		"account_id":      intent.AccountID,
		"symbol":          intent.Symbol,
		"side":            string(intent.Side),
		"quantity":        intent.Quantity.String(),
		"order_type":      string(intent.Kind),
		"time_in_force":   string(intent.TimeInForce),
		"client_order_id": idempotencyKey,
	}
	if intent.LimitPrice != nil {
		params["limit_price"] = intent.LimitPrice.String()
	}
	if intent.StopPrice != nil {
		params["stop_price"] = intent.StopPrice.String()
	}

	var ack domain.OrderAck
	err := c.call(ctx, domain.Request{
		Scope:          domain.ScopeOrders,
		Command:        CmdPlaceOrder,
		Params:         params,
		IdempotencyKey: idempotencyKey,
	}, &ack)
	if err != nil {
		return domain.OrderAck{}, err
	}
	if ack.OrderID == "" {
		return domain.OrderAck{}, fmt.Errorf("broker acknowledged order without an id")
	}
	if ack.Status == "" {
		ack.Status = domain.OrderConfirmed
	}
	if _, err := domain.ParseOrderState(string(ack.Status)); err != nil {
		return domain.OrderAck{}, err
	}
	return ack, nil
}

// GetOrderStatus polls one order.
func (c *Client) GetOrderStatus(ctx context.Context, accountID, orderID string) (domain.OrderStatusUpdate, error) {
	var u domain.OrderStatusUpdate
	err := c.call(ctx, domain.Request{
		Scope:   domain.ScopeAccount,
		Command: CmdGetOrderStatus,
		Params:  map[string]any{"account_id": accountID, "order_id": orderID},
	}, &u)
	if err != nil {
		return domain.OrderStatusUpdate{}, err
	}
	if u.OrderID == "" {
		u.OrderID = orderID
	}
	if _, err := domain.ParseOrderState(string(u.Status)); err != nil {
		return domain.OrderStatusUpdate{}, err
	}
	return u, nil
}

func (c *Client) call(ctx context.Context, req domain.Request, dest interface{}) error {
	resp, err := c.transport.Execute(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Body) == 0 {
		return fmt.Errorf("%s: empty response body", req.Command)
	}
	if err := json.Unmarshal(resp.Body, dest); err != nil {
		c.log.Error().Err(err).Str("command", req.Command).Msg("Failed to decode broker response")
		return fmt.Errorf("%s: failed to decode response: %w", req.Command, err)
	}
	return nil
}
