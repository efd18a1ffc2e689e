package metrics

import (
	"sync"
	"time"

	"cryptofeed/logger"
)

// Metric is one EmitMetric call as seen by handlers. Fields are the caller's
// fields only; the logger's metric/value/metric_type keys are not included.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

type MetricHandler func(Metric)

// MetricHandlerID identifies a registration. Zero is never issued.
type MetricHandlerID uint64

type registeredHandler struct {
	id MetricHandlerID
	fn MetricHandler
}

// handlers is replaced, never mutated, so dispatch can range over a
// snapshot without holding the lock.
var handlers struct {
	mu     sync.Mutex
	lastID MetricHandlerID
	list   []registeredHandler
}

func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}
	handlers.mu.Lock()
	defer handlers.mu.Unlock()

	handlers.lastID++
	next := make([]registeredHandler, len(handlers.list), len(handlers.list)+1)
	copy(next, handlers.list)
	handlers.list = append(next, registeredHandler{id: handlers.lastID, fn: handler})
	return handlers.lastID
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	handlers.mu.Lock()
	defer handlers.mu.Unlock()

	next := make([]registeredHandler, 0, len(handlers.list))
	for _, h := range handlers.list {
		if h.id != id {
			next = append(next, h)
		}
	}
	handlers.list = next
}

func handlerSnapshot() []registeredHandler {
	handlers.mu.Lock()
	defer handlers.mu.Unlock()
	return handlers.list
}

// EmitMetric logs the metric, publishes it to CloudWatch when enabled and
// passes it to every handler in registration order. An empty name is a no-op.
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	// LogMetric adds its own keys to the map it gets
	log.WithComponent(component).LogMetric(component, name, value, metricType, copyFields(fields))

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    copyFields(fields),
	}
	for _, h := range handlerSnapshot() {
		h.fn(m)
	}
}

func copyFields(fields logger.Fields) logger.Fields {
	out := make(logger.Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
