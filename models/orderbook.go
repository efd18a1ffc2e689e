package models

// OrderbookEntry represents a single price level in the orderbook
type OrderbookEntry struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is the full view of one symbol's book handed to consumers.
// Bids are sorted by price descending and asks ascending.
type OrderBook struct {
	Symbol    string           `json:"symbol"`
	Bids      []OrderbookEntry `json:"bids"`
	Asks      []OrderbookEntry `json:"asks"`
	Timeframe int64            `json:"timeframe"`
	Datetime  string           `json:"datetime"`
	Nonce     *int64           `json:"nonce"`
}

// Clone returns a deep copy so readers never share ladders with the engine.
func (b OrderBook) Clone() OrderBook {
	out := b
	out.Bids = append([]OrderbookEntry(nil), b.Bids...)
	out.Asks = append([]OrderbookEntry(nil), b.Asks...)
	if b.Nonce != nil {
		n := *b.Nonce
		out.Nonce = &n
	}
	return out
}

// BookChange is a single l2update change: side, price and amount as sent by the venue.
type BookChange struct {
	Side   string
	Price  string
	Amount string
}

// BookUpdate is what the order book engine consumes. Snapshot updates carry
// the full ladders in Bids/Asks, deltas carry Changes.
type BookUpdate struct {
	Snapshot bool
	Bids     [][]string
	Asks     [][]string
	Changes  []BookChange
}
