package processor

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"cryptofeed/logger"
	"cryptofeed/models"
)

// ErrInvalidLevel is returned when a price or amount cannot be parsed.
var ErrInvalidLevel = errors.New("invalid price level")

// BookEngine keeps one bid/ask ladder per symbol, built from a snapshot and
// kept current with deltas. Ladders are re-sorted after every update.
type BookEngine struct {
	mu    sync.Mutex
	books map[string]*models.OrderBook
	now   func() time.Time
	log   *logger.Log
}

// NewBookEngine creates an empty engine.
func NewBookEngine() *BookEngine {
	return &BookEngine{
		books: make(map[string]*models.OrderBook),
		now:   time.Now,
		log:   logger.GetLogger(),
	}
}

// SetClock replaces the clock used to stamp books.
func (e *BookEngine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

type level struct {
	bid    bool
	price  float64
	amount float64
}

// Apply applies a snapshot or delta to symbol's book and returns the
// order_book label with a single-entry map holding a copy of the full book.
// On a parse error the book is left untouched.
func (e *BookEngine) Apply(symbol string, upd models.BookUpdate) (string, map[string]models.OrderBook, error) {
	var (
		bids, asks []models.OrderbookEntry
		changes    []level
		err        error
	)
	if upd.Snapshot {
		if bids, err = parseLadder(upd.Bids); err != nil {
			return "", nil, fmt.Errorf("%s bids: %w", symbol, err)
		}
		if asks, err = parseLadder(upd.Asks); err != nil {
			return "", nil, fmt.Errorf("%s asks: %w", symbol, err)
		}
	} else {
		if changes, err = parseChanges(upd.Changes); err != nil {
			return "", nil, fmt.Errorf("%s changes: %w", symbol, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	book, ok := e.books[symbol]
	if !ok {
		if !upd.Snapshot {
			e.log.WithComponent("book_engine").WithFields(logger.Fields{"symbol": symbol}).
				Debug("delta before snapshot, starting from an empty book")
		}
		book = &models.OrderBook{Symbol: symbol}
		e.books[symbol] = book
	}

	if upd.Snapshot {
		book.Bids = bids
		book.Asks = asks
	} else {
		for _, c := range changes {
			if c.bid {
				book.Bids = applyLevel(book.Bids, c.price, c.amount)
			} else {
				book.Asks = applyLevel(book.Asks, c.price, c.amount)
			}
		}
	}

	ts := e.now().UnixMilli()
	book.Timeframe = ts
	book.Datetime = models.ISO8601(ts)
	book.Nonce = nil

	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price > book.Bids[j].Price })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price < book.Asks[j].Price })

	return models.LabelOrderBook, map[string]models.OrderBook{symbol: book.Clone()}, nil
}

// Book returns a copy of the current book for symbol.
func (e *BookEngine) Book(symbol string) (models.OrderBook, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	book, ok := e.books[symbol]
	if !ok {
		return models.OrderBook{}, false
	}
	return book.Clone(), true
}

// Symbols lists the symbols that currently have a book.
func (e *BookEngine) Symbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// applyLevel inserts, overwrites or (amount == 0) removes the level at price.
func applyLevel(side []models.OrderbookEntry, price, amount float64) []models.OrderbookEntry {
	for i := range side {
		if side[i].Price != price {
			continue
		}
		if amount == 0 {
			return append(side[:i], side[i+1:]...)
		}
		side[i].Amount = amount
		return side
	}
	if amount == 0 {
		return side
	}
	return append(side, models.OrderbookEntry{Price: price, Amount: amount})
}

// parseLadder converts a snapshot ladder. Zero amounts are dropped and a
// repeated price keeps its last amount.
func parseLadder(raw [][]string) ([]models.OrderbookEntry, error) {
	out := make([]models.OrderbookEntry, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidLevel, lvl)
		}
		price, amount, err := parseLevel(lvl[0], lvl[1])
		if err != nil {
			return nil, err
		}
		out = applyLevel(out, price, amount)
	}
	return out, nil
}

func parseChanges(raw []models.BookChange) ([]level, error) {
	out := make([]level, 0, len(raw))
	for _, c := range raw {
		price, amount, err := parseLevel(c.Price, c.Amount)
		if err != nil {
			return nil, err
		}
		out = append(out, level{bid: c.Side == "buy", price: price, amount: amount})
	}
	return out, nil
}

func parseLevel(p, a string) (float64, float64, error) {
	price, err := strconv.ParseFloat(p, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: price %q", ErrInvalidLevel, p)
	}
	amount, err := strconv.ParseFloat(a, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: amount %q", ErrInvalidLevel, a)
	}
	return price, amount, nil
}
