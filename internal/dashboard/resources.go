package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"cryptofeed/logger"
)

type hostSample struct {
	Timestamp   time.Time `json:"timestamp"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryUsed  uint64    `json:"memory_used"`
	MemoryTotal uint64    `json:"memory_total"`
	MemoryPct   float64   `json:"memory_percent"`
}

// hostSampler samples cpu and memory usage every interval while running.
type hostSampler struct {
	samples  *ring[hostSample]
	interval time.Duration

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Entry
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
)

func newHostSampler(limit int, interval time.Duration, log *logger.Log) *hostSampler {
	if interval <= 0 {
		interval = time.Second
	}
	return &hostSampler{
		samples:  newRing[hostSample](limit),
		interval: interval,
		log:      log.WithComponent("host_sampler"),
	}
}

func (s *hostSampler) start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.run(ctx)
	}()
}

func (s *hostSampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *hostSampler) snapshot() []hostSample {
	return s.samples.snapshot()
}

func (s *hostSampler) run(ctx context.Context) {
	for ctx.Err() == nil {
		// cpu.Percent blocks for the interval
		cpuSamples, err := cpuPercentFn(ctx, s.interval)
		if err != nil {
			s.log.WithError(err).Debug("failed to sample cpu usage")
			if !sleep(ctx, s.interval) {
				return
			}
			continue
		}

		memStats, err := memoryStatsFn(ctx)
		if err != nil {
			s.log.WithError(err).Debug("failed to sample memory usage")
			continue
		}

		sample := hostSample{
			Timestamp:   time.Now(),
			MemoryUsed:  memStats.Used,
			MemoryTotal: memStats.Total,
			MemoryPct:   memStats.UsedPercent,
		}
		if len(cpuSamples) > 0 {
			sample.CPUPercent = cpuSamples[0]
		}
		s.samples.push(sample)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
