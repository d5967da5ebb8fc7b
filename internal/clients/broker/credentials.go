package broker

import (
	"context"
	"errors"
)

// ErrNoCredentials is returned when no API key is configured.
var ErrNoCredentials = errors.New("broker credentials not configured")

// StaticCredentials serves a fixed token from configuration. Token refresh belongs to
// whoever issues the key.
type StaticCredentials struct {
	token string
}

// NewStaticCredentials creates a provider for token.
func NewStaticCredentials(token string) *StaticCredentials {
	return &StaticCredentials{token: token}
}

// Token returns the configured token.
func (c *StaticCredentials) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.token == "" {
		return "", ErrNoCredentials
	}
	return c.token, nil
}
