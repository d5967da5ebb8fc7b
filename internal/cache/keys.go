package cache

import "strings"

// Key builders. Symbols are upper-cased so "aapl" and "AAPL" share an entry.

func QuoteKey(symbol string) string {
	return "quote:" + strings.ToUpper(symbol)
}

func InstrumentKey(symbol string) string {
	return "instrument:" + strings.ToUpper(symbol)
}

func AccountSummaryKey(account string) string {
	return "account:" + account + ":summary"
}

func PositionKey(account, symbol string) string {
	return "position:" + account + ":" + strings.ToUpper(symbol)
}

func PositionsKey(account string) string {
	return "positions:" + account
}

func PortfolioKey(account string) string {
	return "portfolio:" + account
}

func OrdersKey(account, suffix string) string {
	return "orders:" + account + ":" + suffix
}

// AccountPattern matches every account-scoped entry for account.
func AccountPattern(account string) string {
	return "account:" + EscapeGlob(account) + ":*"
}

// OrdersPattern matches every order-history entry for account.
func OrdersPattern(account string) string {
	return "orders:" + EscapeGlob(account) + ":*"
}

// PositionPattern matches every per-symbol position entry for account.
func PositionPattern(account string) string {
	return "position:" + EscapeGlob(account) + ":*"
}

// AfterOrderPatterns lists what an accepted order makes stale.
func AfterOrderPatterns(account string) []string {
	return []string{
		AccountPattern(account),
		OrdersPattern(account),
		EscapeGlob(PortfolioKey(account)),
	}
}

// AfterFillPatterns lists what a fill or position refresh makes stale.
func AfterFillPatterns(account string) []string {
	return []string{
		PositionPattern(account),
		EscapeGlob(PositionsKey(account)),
		EscapeGlob(PortfolioKey(account)),
		AccountPattern(account),
	}
}
