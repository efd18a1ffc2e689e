package models

import "encoding/json"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// GENERAL ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CoinbaseReply is the envelope every inbound websocket message shares. The
// Type field selects which of the typed payloads below Raw decodes into.
type CoinbaseReply struct {
	Type      string          `json:"type"`
	ProductID string          `json:"product_id"`
	Raw       json.RawMessage `json:"-"`
}

// DecodeCoinbaseReply reads the envelope and keeps the raw bytes for the
// typed decode.
func DecodeCoinbaseReply(data []byte) (CoinbaseReply, error) {
	var r CoinbaseReply
	if err := json.Unmarshal(data, &r); err != nil {
		return CoinbaseReply{}, err
	}
	r.Raw = append(json.RawMessage(nil), data...)
	return r, nil
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////// ADMINISTRATIVE ///////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CoinbaseSubscriptionsResp confirms (or, with type "unsubscribe", drops)
// channels on a connection.
type CoinbaseSubscriptionsResp struct {
	Type     string        `json:"type"`
	Channels []ChannelSpec `json:"channels"`
}

// CoinbaseErrorResp is sent when the venue rejects a request.
type CoinbaseErrorResp struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// MARKET DATA ////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// CoinbaseTickerResp mirrors the "ticker" channel message.
type CoinbaseTickerResp struct {
	Type      string `json:"type"`
	Sequence  int64  `json:"sequence"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Open24h   string `json:"open_24h"`
	Volume24h string `json:"volume_24h"`
	Low24h    string `json:"low_24h"`
	High24h   string `json:"high_24h"`
	Volume30d string `json:"volume_30d"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Side      string `json:"side"`
	Time      string `json:"time"`
	TradeID   int64  `json:"trade_id"`
	LastSize  string `json:"last_size"`
}

// CoinbaseSnapshotResp is the first level2 message for a product.
type CoinbaseSnapshotResp struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
}

// CoinbaseL2UpdateResp carries incremental level2 changes as
// [side, price, size] triples.
type CoinbaseL2UpdateResp struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Time      string     `json:"time"`
	Changes   [][]string `json:"changes"`
}

// CoinbaseMatchResp is a "match"/"last_match" trade message.
type CoinbaseMatchResp struct {
	Type         string `json:"type"`
	TradeID      int64  `json:"trade_id"`
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	Side         string `json:"side"`
	Size         string `json:"size"`
	Price        string `json:"price"`
	ProductID    string `json:"product_id"`
	Sequence     int64  `json:"sequence"`
	Time         string `json:"time"`
}
