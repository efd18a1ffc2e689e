package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"cryptofeed/logger"
)

// Market links a unified symbol to the venue's product id.
type Market struct {
	Symbol string `json:"symbol"`
	ID     string `json:"id"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Markets is a read-only symbol/id lookup table.
type Markets struct {
	bySymbol map[string]Market
	byID     map[string]Market
	ordered  []Market
}

// NewMarkets builds the lookup table. Base and quote are derived from the
// symbol when missing. Later duplicates replace earlier ones.
func NewMarkets(list []Market) *Markets {
	m := &Markets{
		bySymbol: make(map[string]Market, len(list)),
		byID:     make(map[string]Market, len(list)),
	}
	for _, mk := range list {
		if mk.Base == "" || mk.Quote == "" {
			if parts := strings.SplitN(mk.Symbol, "/", 2); len(parts) == 2 {
				mk.Base, mk.Quote = parts[0], parts[1]
			}
		}
		if _, ok := m.bySymbol[mk.Symbol]; !ok {
			m.ordered = append(m.ordered, mk)
		} else {
			for i := range m.ordered {
				if m.ordered[i].Symbol == mk.Symbol {
					m.ordered[i] = mk
				}
			}
		}
		m.bySymbol[mk.Symbol] = mk
		m.byID[mk.ID] = mk
	}
	return m
}

// FromIDs derives markets from venue ids using the exchange's symbol mapping.
func FromIDs(exchange string, ids []string) *Markets {
	list := make([]Market, 0, len(ids))
	for _, id := range ids {
		list = append(list, Market{Symbol: ToUnified(exchange, id), ID: id})
	}
	return NewMarkets(list)
}

// BySymbol resolves a unified symbol.
func (m *Markets) BySymbol(symbol string) (Market, bool) {
	mk, ok := m.bySymbol[symbol]
	return mk, ok
}

// ByID resolves a venue product id.
func (m *Markets) ByID(id string) (Market, bool) {
	mk, ok := m.byID[id]
	return mk, ok
}

// All returns the markets in load order.
func (m *Markets) All() []Market {
	return append([]Market(nil), m.ordered...)
}

// Len returns the number of known markets.
func (m *Markets) Len() int {
	return len(m.ordered)
}

type product struct {
	ID            string `json:"id"`
	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`
	Status        string `json:"status"`
}

// LoadProducts fetches the venue's product list from restURL + "/products".
// Products with a status other than "online" are skipped.
func LoadProducts(ctx context.Context, client *http.Client, exchange, restURL string) (*Markets, error) {
	log := logger.GetLogger().WithComponent("markets").WithFields(logger.Fields{"exchange": exchange})

	if client == nil {
		client = http.DefaultClient
	}
	url := strings.TrimRight(restURL, "/") + "/products"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build products request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch products: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch products: unexpected status %d", resp.StatusCode)
	}

	var products []product
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		return nil, fmt.Errorf("decode products: %w", err)
	}

	list := make([]Market, 0, len(products))
	for _, p := range products {
		if p.Status != "" && p.Status != "online" {
			log.WithFields(logger.Fields{"id": p.ID, "status": p.Status}).Debug("skipping offline product")
			continue
		}
		mk := Market{
			ID:    p.ID,
			Base:  strings.ToUpper(p.BaseCurrency),
			Quote: strings.ToUpper(p.QuoteCurrency),
		}
		if mk.Base != "" && mk.Quote != "" {
			mk.Symbol = mk.Base + "/" + mk.Quote
		} else {
			mk.Symbol = ToUnified(exchange, p.ID)
		}
		list = append(list, mk)
	}

	log.WithFields(logger.Fields{"count": len(list)}).Info("loaded markets")
	return NewMarkets(list), nil
}
