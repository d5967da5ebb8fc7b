package domain

import (
	"context"
	"encoding/json"
)

// Request is a protocol-neutral outbound call. The transport maps Command onto the
// brokerage's concrete endpoint and field names.
type Request struct {
	Scope          Scope          `json:"-"`
	Command        string         `json:"command"`
	Params         map[string]any `json:"params,omitempty"`
	IdempotencyKey string         `json:"-"`
}

// Response is the raw reply of a successful transport call.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// Transport performs one network call. It returns a *TransportError for non-2xx replies
// and a plain error for network failures.
type Transport interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// CredentialProvider supplies a valid access token. Token lifecycle is its own concern.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
}

// Ledger is the durable append-only store of order transitions.
type Ledger interface {
	Append(ctx context.Context, t OrderTransition) error
}

// DecisionSource yields already-formed order intents. It returns io.EOF when exhausted.
type DecisionSource interface {
	Next(ctx context.Context) (OrderIntent, error)
}
