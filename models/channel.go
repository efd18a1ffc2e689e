package models

import "fmt"

// Realm partitions connections, channels and pending requests.
type Realm string

const (
	RealmPublic  Realm = "public"
	RealmPrivate Realm = "private"
)

// Realms lists every realm in enumeration order.
var Realms = []Realm{RealmPublic, RealmPrivate}

// ChannelName is the logical, venue independent channel type.
type ChannelName string

const (
	ChannelTicker    ChannelName = "ticker"
	ChannelTrades    ChannelName = "trades"
	ChannelOrderBook ChannelName = "order_book"
	ChannelOHLCV     ChannelName = "ohlcv"
)

// ConnID identifies one transport session.
type ConnID string

// ChannelSpec is one entry of the "channels" array of a subscribe request.
type ChannelSpec struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// Request is an outgoing subscribe or unsubscribe message.
type Request struct {
	Type     string        `json:"type"`
	Channels []ChannelSpec `json:"channels"`
}

// NewSubscribeRequest builds the one-product subscribe message for a venue channel.
func NewSubscribeRequest(exName, productID string) Request {
	return Request{
		Type:     "subscribe",
		Channels: []ChannelSpec{{Name: exName, ProductIDs: []string{productID}}},
	}
}

// Equal reports whether two requests would serialize to the same message.
func (r Request) Equal(o Request) bool {
	if r.Type != o.Type || len(r.Channels) != len(o.Channels) {
		return false
	}
	for i := range r.Channels {
		a, b := r.Channels[i], o.Channels[i]
		if a.Name != b.Name || len(a.ProductIDs) != len(b.ProductIDs) {
			return false
		}
		for j := range a.ProductIDs {
			if a.ProductIDs[j] != b.ProductIDs[j] {
				return false
			}
		}
	}
	return true
}

// ExChannelID is the venue side identity of a channel.
type ExChannelID struct {
	Name      string `json:"name"`
	ProductID string `json:"product_id"`
}

func (id ExChannelID) String() string {
	return fmt.Sprintf("%s:%s", id.Name, id.ProductID)
}

// Channel is a subscription confirmed by the venue.
type Channel struct {
	ID          int         `json:"channel_id"`
	Name        ChannelName `json:"name"`
	Symbol      string      `json:"symbol"`
	ExChannelID ExChannelID `json:"ex_channel_id"`
	Request     Request     `json:"request"`
}
