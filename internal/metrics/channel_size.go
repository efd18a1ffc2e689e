package metrics

import (
	"context"
	"time"

	"cryptofeed/logger"
)

// QueueSizer is implemented by buffered queues that report occupancy.
type QueueSizer interface {
	Len() int
	Cap() int
}

// StartQueueSizeMetrics emits occupancy of the named queue every interval
// until the context is cancelled. When interval <= 0, a one-second cadence is used.
func StartQueueSizeMetrics(ctx context.Context, name string, q QueueSizer, interval time.Duration) {
	if q == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, "queues", name+"_length", q.Len(), "gauge", logger.Fields{
					"queue":    name,
					"capacity": q.Cap(),
				})
			}
		}
	}()
}
