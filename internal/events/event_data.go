package events

import (
	"encoding/json"

	"github.com/aristath/tradegate/internal/domain"
	"github.com/shopspring/decimal"
)

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// OrderSubmittedData contains data for OrderSubmitted events
type OrderSubmittedData struct {
	OrderID        string          `json:"order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	AccountID      string          `json:"account_id"`
	Symbol         string          `json:"symbol"`
	Side           domain.Side     `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	State          string          `json:"state"`
}

// EventType returns the event type for OrderSubmittedData
func (d *OrderSubmittedData) EventType() EventType {
	return OrderSubmitted
}

// OrderFilledData carries one execution. Position tracking is driven from it.
type OrderFilledData struct {
	Fill  domain.Fill       `json:"fill"`
	State domain.OrderState `json:"state"`
}

// EventType returns the event type for OrderFilledData
func (d *OrderFilledData) EventType() EventType {
	return OrderFilled
}

// OrderClosedData contains data for OrderCanceled and OrderRejected events
type OrderClosedData struct {
	Type      EventType `json:"-"`
	OrderID   string    `json:"order_id"`
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason,omitempty"`
}

// EventType returns the event type for OrderClosedData
func (d *OrderClosedData) EventType() EventType {
	if d.Type == "" {
		return OrderCanceled
	}
	return d.Type
}

// RiskDeniedData contains data for RiskDenied events
type RiskDeniedData struct {
	IntentID  string            `json:"intent_id"`
	AccountID string            `json:"account_id"`
	Symbol    string            `json:"symbol"`
	Reason    domain.RiskReason `json:"reason"`
	Detail    string            `json:"detail,omitempty"`
}

// EventType returns the event type for RiskDeniedData
func (d *RiskDeniedData) EventType() EventType {
	return RiskDenied
}

// CircuitStateData contains data for the three circuit transition events
type CircuitStateData struct {
	Scope               domain.Scope `json:"scope"`
	From                string       `json:"from"`
	To                  string       `json:"to"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
}

// EventType maps the target state onto its event
func (d *CircuitStateData) EventType() EventType {
	switch d.To {
	case "OPEN":
		return CircuitOpened
	case "HALF_OPEN":
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

// PositionsChangedData contains data for PositionsChanged events
type PositionsChangedData struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol,omitempty"`
	Source    string `json:"source"` // "fill" or "refresh"
}

// EventType returns the event type for PositionsChangedData
func (d *PositionsChangedData) EventType() EventType {
	return PositionsChanged
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

func newEventData(t EventType) EventData {
	switch t {
	case OrderSubmitted:
		return &OrderSubmittedData{}
	case OrderFilled:
		return &OrderFilledData{}
	case OrderCanceled, OrderRejected:
		return &OrderClosedData{Type: t}
	case RiskDenied:
		return &RiskDeniedData{}
	case CircuitOpened, CircuitHalfOpen, CircuitClosed:
		return &CircuitStateData{}
	case PositionsChanged:
		return &PositionsChangedData{}
	case ErrorOccurred:
		return &ErrorEventData{}
	}
	return nil
}

// convertMapToStruct converts a map[string]interface{} to a struct
func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonBytes, v)
}

// convertEventDataToMap converts typed EventData to map[string]interface{} for subscribers
// that only need the JSON view.
func convertEventDataToMap(data EventData) map[string]interface{} {
	if data == nil {
		return nil
	}

	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil
	}

	var result map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &result); err != nil {
		return nil
	}

	return result
}
