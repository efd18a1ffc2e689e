// Package writer hands feed events to downstream sinks: a Kafka topic for
// the raw event stream and an S3 archive of periodic order book snapshots.
package writer

import (
	"context"
	"sort"
	"sync"

	"cryptofeed/logger"
	"cryptofeed/models"
)

// Fanout copies every event of a source queue to each subscriber in
// registration order. A full subscriber holds back all of them, so the
// feed's backpressure reaches the read loops.
type Fanout struct {
	src <-chan models.Event

	mu      sync.Mutex
	names   []string
	outs    []chan models.Event
	started bool

	log *logger.Entry
}

func NewFanout(src <-chan models.Event) *Fanout {
	return &Fanout{
		src: src,
		log: logger.GetLogger().WithComponent("fanout"),
	}
}

// Subscribe registers a consumer. It must be called before Run; later calls
// return a closed channel.
func (f *Fanout) Subscribe(name string, buffer int) <-chan models.Event {
	if buffer < 1 {
		buffer = 1
	}
	out := make(chan models.Event, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		f.log.WithFields(logger.Fields{"subscriber": name}).Warn("subscribe after start ignored")
		close(out)
		return out
	}
	f.names = append(f.names, name)
	f.outs = append(f.outs, out)
	return out
}

// Run forwards events until the source closes or ctx is done, then closes
// every subscriber channel.
func (f *Fanout) Run(ctx context.Context) {
	f.mu.Lock()
	f.started = true
	outs := f.outs
	f.mu.Unlock()

	defer func() {
		for _, out := range outs {
			close(out)
		}
		f.log.WithFields(logger.Fields{"subscribers": len(outs)}).Debug("fanout stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.src:
			if !ok {
				return
			}
			for _, out := range outs {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Subscribers lists the registered consumer names.
func (f *Fanout) Subscribers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.names...)
}

// symbolsOf returns the unified symbols an event refers to, sorted.
func symbolsOf(ev models.Event) []string {
	switch p := ev.Payload.(type) {
	case map[string]models.OrderBook:
		out := make([]string, 0, len(p))
		for s := range p {
			out = append(out, s)
		}
		sort.Strings(out)
		return out
	case models.Ticker:
		return []string{p.Symbol}
	case []models.Trade:
		seen := make(map[string]struct{}, len(p))
		out := make([]string, 0, len(p))
		for _, t := range p {
			if _, ok := seen[t.Symbol]; ok {
				continue
			}
			seen[t.Symbol] = struct{}{}
			out = append(out, t.Symbol)
		}
		sort.Strings(out)
		return out
	}
	return nil
}
