// Package coinbase implements the Coinbase Pro websocket feed adapter: the
// channel table, subscribe/unsubscribe request shapes and reply parsing.
package coinbase

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"cryptofeed/internal/channel"
	"cryptofeed/internal/symbols"
	"cryptofeed/logger"
	"cryptofeed/models"
	"cryptofeed/processor"
	"cryptofeed/reader"
)

const ExchangeName = "coinbasepro"

type channelInfo struct {
	exName string
	has    bool
	realm  models.Realm
}

// The venue has no authenticated streaming channels, so every supported
// channel lives in the public realm.
var channelTable = map[models.ChannelName]channelInfo{
	models.ChannelTicker:    {exName: "ticker", has: true, realm: models.RealmPublic},
	models.ChannelTrades:    {exName: "matches", has: true, realm: models.RealmPublic},
	models.ChannelOrderBook: {exName: "level2", has: true, realm: models.RealmPublic},
	models.ChannelOHLCV:     {exName: "", has: false, realm: models.RealmPublic},
}

var channelsByExName = func() map[string]models.ChannelName {
	out := make(map[string]models.ChannelName, len(channelTable))
	for name, info := range channelTable {
		if info.has {
			out[info.exName] = name
		}
	}
	return out
}()

// Has reports whether the venue supports the logical channel.
func Has(name models.ChannelName) bool {
	return channelTable[name].has
}

type Adapter struct {
	markets  *symbols.Markets
	registry *channel.Registry
	engine   *processor.BookEngine
	now      func() time.Time
	log      *logger.Entry
}

func NewAdapter(markets *symbols.Markets, registry *channel.Registry, engine *processor.BookEngine) *Adapter {
	return &Adapter{
		markets:  markets,
		registry: registry,
		engine:   engine,
		now:      time.Now,
		log:      logger.GetLogger().WithComponent("coinbase_adapter"),
	}
}

func (a *Adapter) Name() string { return ExchangeName }

func (a *Adapter) BuildSubscribe(name models.ChannelName, syms []string) ([]models.Request, models.Realm, error) {
	info, ok := channelTable[name]
	if !ok || !info.has {
		return nil, "", fmt.Errorf("%s %s: %w", ExchangeName, name, reader.ErrUnsupportedChannel)
	}
	reqs := make([]models.Request, 0, len(syms))
	for _, s := range syms {
		mk, ok := a.markets.BySymbol(s)
		if !ok {
			return nil, "", fmt.Errorf("%s: %w", s, reader.ErrUnknownMarket)
		}
		reqs = append(reqs, models.NewSubscribeRequest(info.exName, mk.ID))
	}
	return reqs, info.realm, nil
}

func (a *Adapter) BuildUnsubscribe(ch models.Channel) models.Request {
	return models.Request{
		Type: "unsubscribe",
		Channels: []models.ChannelSpec{{
			Name:       ch.ExChannelID.Name,
			ProductIDs: []string{ch.ExChannelID.ProductID},
		}},
	}
}

// ParseReply classifies one inbound message. Confirmations update the
// registry and yield no event; errors and unknown types end the read loop.
func (a *Adapter) ParseReply(conn models.ConnID, realm models.Realm, data []byte) (*models.Event, error) {
	reply, err := models.DecodeCoinbaseReply(data)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}

	switch reply.Type {
	case "subscriptions":
		return nil, a.parseSubscribed(conn, realm, reply)
	case "unsubscribe":
		return a.parseUnsubscribed(reply)
	case "error":
		return nil, a.parseError(reply)
	case "ticker", "snapshot", "l2update", "match", "matches", "last_match":
	default:
		return nil, fmt.Errorf("%w: type %q", reader.ErrUnknownResponse, reply.Type)
	}

	mk, ok := a.markets.ByID(reply.ProductID)
	if !ok {
		return nil, fmt.Errorf("%s reply for %q: %w", reply.Type, reply.ProductID, reader.ErrUnknownMarket)
	}

	switch reply.Type {
	case "ticker":
		return a.parseTicker(reply, mk)
	case "snapshot", "l2update":
		return a.parseOrderBook(reply, mk)
	default:
		return a.parseTrade(reply, mk)
	}
}

func (a *Adapter) symbolOf(id string) (string, bool) {
	mk, ok := a.markets.ByID(id)
	return mk.Symbol, ok
}

func (a *Adapter) parseSubscribed(conn models.ConnID, realm models.Realm, reply models.CoinbaseReply) error {
	var resp models.CoinbaseSubscriptionsResp
	if err := json.Unmarshal(reply.Raw, &resp); err != nil {
		return fmt.Errorf("decode subscriptions: %w", err)
	}
	if len(resp.Channels) == 0 {
		a.log.WithFields(logger.Fields{"connection": conn}).Warn("subscriptions reply without channels")
		return nil
	}

	// only the first channel entry is considered
	spec := resp.Channels[0]
	name, ok := channelsByExName[spec.Name]
	if !ok {
		a.log.WithFields(logger.Fields{"connection": conn, "channel": spec.Name}).Warn("confirmation for unknown channel")
		return nil
	}

	ch, ok := a.registry.ConfirmSubscription(conn, realm, spec.Name, name, spec.ProductIDs, a.symbolOf)
	if !ok {
		a.log.WithFields(logger.Fields{
			"connection":  conn,
			"channel":     spec.Name,
			"product_ids": spec.ProductIDs,
		}).Warn("confirmation names no new product")
		return nil
	}

	a.log.WithFields(logger.Fields{
		"connection": conn,
		"channel_id": ch.ID,
		"channel":    ch.Name,
		"symbol":     ch.Symbol,
	}).Info("subscription confirmed")
	return nil
}

func (a *Adapter) parseUnsubscribed(reply models.CoinbaseReply) (*models.Event, error) {
	var resp models.CoinbaseSubscriptionsResp
	if err := json.Unmarshal(reply.Raw, &resp); err != nil {
		return nil, fmt.Errorf("decode unsubscribe: %w", err)
	}
	for _, spec := range resp.Channels {
		for _, id := range spec.ProductIDs {
			ch, ok := a.registry.Unregister(models.ExChannelID{Name: spec.Name, ProductID: id})
			if !ok {
				continue
			}
			a.log.WithFields(logger.Fields{"channel_id": ch.ID, "symbol": ch.Symbol}).Info("channel unsubscribed")
			return &models.Event{Label: models.LabelUnsubscribed, Payload: ch.ID}, nil
		}
	}
	a.log.WithFields(logger.Fields{"channels": resp.Channels}).Warn("unsubscribe for unregistered channel")
	return nil, nil
}

func (a *Adapter) parseError(reply models.CoinbaseReply) error {
	var resp models.CoinbaseErrorResp
	if err := json.Unmarshal(reply.Raw, &resp); err != nil {
		return fmt.Errorf("decode error reply: %w", err)
	}
	return &reader.VenueError{Message: resp.Message, Reason: resp.Reason}
}

func (a *Adapter) parseTicker(reply models.CoinbaseReply, mk symbols.Market) (*models.Event, error) {
	var t models.CoinbaseTickerResp
	if err := json.Unmarshal(reply.Raw, &t); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}

	ts := a.timestamp(t.Time)
	last := toFloat(t.Price)
	open := toFloat(t.Open24h)
	out := models.Ticker{
		Symbol:     mk.Symbol,
		Timestamp:  ts,
		Datetime:   models.ISO8601(ts),
		High:       toFloat(t.High24h),
		Low:        toFloat(t.Low24h),
		Bid:        toFloat(t.BestBid),
		Ask:        toFloat(t.BestAsk),
		Open:       open,
		Close:      last,
		Last:       last,
		BaseVolume: toFloat(t.Volume24h),
	}
	if open != 0 {
		out.Change = last - open
	}
	return &models.Event{Label: models.LabelTicker, Payload: out}, nil
}

func (a *Adapter) parseTrade(reply models.CoinbaseReply, mk symbols.Market) (*models.Event, error) {
	var m models.CoinbaseMatchResp
	if err := json.Unmarshal(reply.Raw, &m); err != nil {
		return nil, fmt.Errorf("decode match: %w", err)
	}

	ts := a.timestamp(m.Time)
	price := toFloat(m.Price)
	amount := toFloat(m.Size)

	// the venue reports the maker side
	side := "buy"
	if m.Side == "buy" {
		side = "sell"
	}

	trade := models.Trade{
		ID:        strconv.FormatInt(m.TradeID, 10),
		Order:     m.TakerOrderID,
		Symbol:    mk.Symbol,
		Timestamp: ts,
		Datetime:  models.ISO8601(ts),
		Side:      side,
		Price:     price,
		Amount:    amount,
		Cost:      price * amount,
	}
	return &models.Event{Label: models.LabelTrades, Payload: []models.Trade{trade}}, nil
}

func (a *Adapter) parseOrderBook(reply models.CoinbaseReply, mk symbols.Market) (*models.Event, error) {
	var upd models.BookUpdate
	if reply.Type == "snapshot" {
		var s models.CoinbaseSnapshotResp
		if err := json.Unmarshal(reply.Raw, &s); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		upd = models.BookUpdate{Snapshot: true, Bids: s.Bids, Asks: s.Asks}
	} else {
		var d models.CoinbaseL2UpdateResp
		if err := json.Unmarshal(reply.Raw, &d); err != nil {
			return nil, fmt.Errorf("decode l2update: %w", err)
		}
		upd.Changes = make([]models.BookChange, 0, len(d.Changes))
		for _, c := range d.Changes {
			if len(c) < 3 {
				return nil, fmt.Errorf("%s change %v: %w", mk.Symbol, c, processor.ErrInvalidLevel)
			}
			upd.Changes = append(upd.Changes, models.BookChange{Side: c[0], Price: c[1], Amount: c[2]})
		}
	}

	label, books, err := a.engine.Apply(mk.Symbol, upd)
	if err != nil {
		return nil, err
	}
	return &models.Event{Label: label, Payload: books}, nil
}

func (a *Adapter) timestamp(s string) int64 {
	if ts, ok := models.ParseISO8601(s); ok {
		return ts
	}
	return a.now().UnixMilli()
}

func toFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
