package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type componentStat struct {
	warns  int64
	errors int64
}

type eventStat struct {
	messages int64
	bytes    int64
}

var (
	components sync.Map // map[string]*componentStat
	events     sync.Map // map[string]*eventStat
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// RecordEvent counts one message of the given kind, e.g. an inbound frame
// or an event pushed to the result queue.
func RecordEvent(name string, size int) {
	v, _ := events.LoadOrStore(name, &eventStat{})
	es := v.(*eventStat)
	atomic.AddInt64(&es.messages, 1)
	atomic.AddInt64(&es.bytes, int64(size))
}

// EventCount returns how many messages were recorded under name.
func EventCount(name string) int64 {
	v, ok := events.Load(name)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(&v.(*eventStat).messages)
}

// StartReport begins periodic logging of runtime and message statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats != nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}

	eventData := map[string]map[string]int64{}
	events.Range(func(k, v any) bool {
		es := v.(*eventStat)
		eventData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&es.messages),
			"bytes":    atomic.LoadInt64(&es.bytes),
		}
		return true
	})
	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		componentData[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&cs.warns),
			"errors": atomic.LoadInt64(&cs.errors),
		}
		return true
	})

	goroutines := runtime.NumGoroutine()
	log.WithComponent("report").WithFields(Fields{
		"goroutines":  goroutines,
		"cpu_percent": cpuPct,
		"memory_mb":   int64(memMB),
		"events":      eventData,
		"components":  componentData,
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(goroutines))},
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
	}
	names := make([]string, 0, len(eventData))
	for name := range eventData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("EventMessages"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Event"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(eventData[name]["messages"])),
		})
	}

	publishMetrics(ctx, data)
}
