// Package events provides event management functionality.
package events

import "time"

// EventType represents different event types
type EventType string

const (
	// Order lifecycle
	OrderSubmitted EventType = "ORDER_SUBMITTED"
	OrderFilled    EventType = "ORDER_FILLED"
	OrderCanceled  EventType = "ORDER_CANCELED"
	OrderRejected  EventType = "ORDER_REJECTED"
	RiskDenied     EventType = "RISK_DENIED"

	// Circuit breaker transitions
	CircuitOpened   EventType = "CIRCUIT_OPENED"
	CircuitHalfOpen EventType = "CIRCUIT_HALF_OPEN"
	CircuitClosed   EventType = "CIRCUIT_CLOSED"

	PositionsChanged EventType = "POSITIONS_CHANGED"
	ErrorOccurred    EventType = "ERROR_OCCURRED"
)

// AllTypes lists every event type, used by stream subscribers.
var AllTypes = []EventType{
	OrderSubmitted,
	OrderFilled,
	OrderCanceled,
	OrderRejected,
	RiskDenied,
	CircuitOpened,
	CircuitHalfOpen,
	CircuitClosed,
	PositionsChanged,
	ErrorOccurred,
}

// Event represents a system event with typed data
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Module    string                 `json:"module"`

	typed EventData
}

// GetTypedData returns the typed payload the event was emitted with, or decodes Data
// for events that arrived as plain maps.
func (e *Event) GetTypedData() EventData {
	if e.typed != nil {
		return e.typed
	}
	if e.Data == nil {
		return nil
	}

	data := newEventData(e.Type)
	if data == nil {
		return nil
	}
	if err := convertMapToStruct(e.Data, data); err != nil {
		return nil
	}
	return data
}
