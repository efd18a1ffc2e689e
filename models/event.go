package models

// Event labels pushed on the result queue.
const (
	LabelTicker       = "ticker"
	LabelTrades       = "trades"
	LabelOrderBook    = "order_book"
	LabelUnsubscribed = "unsubscribed"
)

// Event is one (label, payload) pair drained by the consumer.
//
// Payload types per label:
//
//	ticker        Ticker
//	trades        []Trade (one trade per match message)
//	order_book    map[string]OrderBook (symbol -> full book)
//	unsubscribed  int (channel id)
type Event struct {
	Label   string      `json:"label"`
	Payload interface{} `json:"payload"`
}

// Ticker is the normalized ticker shape.
type Ticker struct {
	Symbol      string  `json:"symbol"`
	Timestamp   int64   `json:"timestamp"`
	Datetime    string  `json:"datetime"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Bid         float64 `json:"bid"`
	Ask         float64 `json:"ask"`
	Open        float64 `json:"open"`
	Close       float64 `json:"close"`
	Last        float64 `json:"last"`
	Change      float64 `json:"change"`
	BaseVolume  float64 `json:"baseVolume"`
	QuoteVolume float64 `json:"quoteVolume"`
}

// Trade is the normalized public trade shape.
type Trade struct {
	ID        string  `json:"id"`
	Order     string  `json:"order"`
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Datetime  string  `json:"datetime"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Amount    float64 `json:"amount"`
	Cost      float64 `json:"cost"`
}
