package symbols

import "strings"

// ToUnified converts a venue product id to the unified BASE/QUOTE symbol.
func ToUnified(exchange, id string) string {
	switch strings.ToLower(exchange) {
	case "coinbasepro", "coinbase":
		id = strings.ReplaceAll(id, "-", "/")
	}
	return strings.ToUpper(id)
}

// ToExchange converts a unified BASE/QUOTE symbol to the venue product id.
func ToExchange(exchange, symbol string) string {
	switch strings.ToLower(exchange) {
	case "coinbasepro", "coinbase":
		return strings.ToUpper(strings.ReplaceAll(symbol, "/", "-"))
	default:
		return symbol
	}
}
