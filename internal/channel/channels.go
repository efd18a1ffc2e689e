package channel

import (
	"context"
	"sync"

	"cryptofeed/internal/metrics"
	"cryptofeed/logger"
	"cryptofeed/models"
)

type ResultStats struct {
	Sent    int64
	Blocked int64
}

// Results is the single-consumer event queue fed by every read loop. With a
// buffer of 1 a producer blocks until the consumer drains the previous event.
type Results struct {
	C chan models.Event

	stats      ResultStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

// ResultCapacity is the size of the result queue. One slot means a slow
// consumer stalls every read loop.
const ResultCapacity = 1

func NewResults() *Results {
	log := logger.GetLogger()
	r := &Results{
		C:   make(chan models.Event, ResultCapacity),
		log: log,
	}

	log.WithComponent("results").WithFields(logger.Fields{
		"buffer_size": ResultCapacity,
	}).Info("result queue initialized")

	return r
}

// Close closes the queue. Callers must make sure no producer is still sending.
func (r *Results) Close() {
	r.closeOnce.Do(func() {
		close(r.C)
		r.log.WithComponent("results").Info("result queue closed")
	})
}

// Send blocks until the event is queued or ctx is done.
func (r *Results) Send(ctx context.Context, ev models.Event) bool {
	select {
	case r.C <- ev:
		r.sent(ev.Label)
		return true
	default:
	}

	r.statsMutex.Lock()
	r.stats.Blocked++
	r.statsMutex.Unlock()

	select {
	case r.C <- ev:
		r.sent(ev.Label)
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Results) sent(label string) {
	r.statsMutex.Lock()
	r.stats.Sent++
	r.statsMutex.Unlock()
	metrics.EventEmitted(label)
	logger.RecordEvent("event_"+label, 0)
}

func (r *Results) Len() int { return len(r.C) }

func (r *Results) Cap() int { return cap(r.C) }

func (r *Results) GetStats() ResultStats {
	r.statsMutex.RLock()
	defer r.statsMutex.RUnlock()
	return r.stats
}
