package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "quote:AAPL", QuoteKey("aapl"))
	assert.Equal(t, "instrument:BRK.B", InstrumentKey("brk.b"))
	assert.Equal(t, "account:a1:summary", AccountSummaryKey("a1"))
	assert.Equal(t, "position:a1:MSFT", PositionKey("a1", "msft"))
	assert.Equal(t, "positions:a1", PositionsKey("a1"))
	assert.Equal(t, "portfolio:a1", PortfolioKey("a1"))
	assert.Equal(t, "orders:a1:open", OrdersKey("a1", "open"))
}

func TestPatterns(t *testing.T) {
	assert.Equal(t, "account:a1:*", AccountPattern("a1"))
	assert.Equal(t, "orders:a1:*", OrdersPattern("a1"))
	assert.Equal(t, []string{"account:a1:*", "orders:a1:*", "portfolio:a1"}, AfterOrderPatterns("a1"))
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"account:a1:*", "account:a1:summary", true},
		{"account:a1:*", "account:a10:summary", false},
		{"quote:?", "quote:F", true},
		{"quote:?", "quote:GE", false},
		{"quote:[AB]*", "quote:BAC", true},
		{"quote:[AB]*", "quote:C", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"|"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, matchGlob(tt.pattern, tt.key))
		})
	}
}

func TestEscapeGlob(t *testing.T) {
	acct := "weird*acct?"
	pattern := AccountPattern(acct)

	assert.True(t, matchGlob(pattern, "account:weird*acct?:summary"))
	assert.False(t, matchGlob(pattern, "account:weirdXacctY:summary"))
	assert.Equal(t, "plain", EscapeGlob("plain"))
}
