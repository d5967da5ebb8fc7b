package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), false},
		{"server error", &TransportError{StatusCode: http.StatusBadGateway}, true},
		{"throttled", &TransportError{StatusCode: http.StatusTooManyRequests}, true},
		{"unauthorized", &TransportError{StatusCode: http.StatusUnauthorized}, false},
		{"bad request", &TransportError{StatusCode: http.StatusBadRequest}, false},
		{"network", &NetworkError{Op: "dial", Err: errors.New("refused")}, true},
		{"wrapped network", fmt.Errorf("quote: %w", &NetworkError{Op: "read", Err: errors.New("reset")}), true},
		{"validation", &ValidationError{}, false},
		{"circuit open", &CircuitOpenError{Scope: ScopeQuotes}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetriable(tt.err))
		})
	}
}

func TestValidationError_Fields(t *testing.T) {
	v := &ValidationError{}
	v.Add("quantity", "must be positive")
	v.Add("symbol", "required")

	assert.True(t, v.HasField("quantity"))
	assert.False(t, v.HasField("side"))
	assert.Equal(t, "validation failed: quantity: must be positive; symbol: required", v.Error())
}

func TestTransientError_Unwrap(t *testing.T) {
	cause := &TransportError{StatusCode: 503}
	err := fmt.Errorf("submit: %w", &TransientError{Scope: ScopeOrders, Attempts: 3, Err: cause})

	var te *TransientError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, 3, te.Attempts)

	var tr *TransportError
	assert.True(t, errors.As(err, &tr))
	assert.Equal(t, 503, tr.StatusCode)
}
