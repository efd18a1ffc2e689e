// Registers:
//
//	#cryptofeed_connections_opened_total
//	#cryptofeed_rate_limit_waits_total
//	#cryptofeed_rate_limit_wait_seconds_total
//	#cryptofeed_channels_confirmed_total
//	#cryptofeed_pending_requests
//	#cryptofeed_open_connections
//	#cryptofeed_events_total
//	#cryptofeed_read_loop_failures_total
//	#go_* and process_* system metrics
//
// Exposes them on <address>/metrics using Prometheus HTTP handler
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cryptofeed/logger"
)

var (
	once     sync.Once
	initOnce sync.Once
	registry *prometheus.Registry

	connectionsOpened *prometheus.CounterVec
	rateLimitWaits    *prometheus.CounterVec
	rateLimitSeconds  *prometheus.CounterVec
	channelsConfirmed *prometheus.CounterVec
	pendingRequests   *prometheus.GaugeVec
	openConnections   *prometheus.GaugeVec
	events            *prometheus.CounterVec
	readLoopFailures  *prometheus.CounterVec
)

func register() {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()

		connectionsOpened = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptofeed_connections_opened_total",
				Help: "Number of websocket connections opened",
			},
			[]string{"realm"},
		)
		rateLimitWaits = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptofeed_rate_limit_waits_total",
				Help: "Number of times a connection open had to wait for the next window",
			},
			[]string{"realm"},
		)
		rateLimitSeconds = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptofeed_rate_limit_wait_seconds_total",
				Help: "Time spent waiting on the connection open limit",
			},
			[]string{"realm"},
		)
		channelsConfirmed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptofeed_channels_confirmed_total",
				Help: "Number of subscriptions confirmed by the venue",
			},
			[]string{"realm", "channel"},
		)
		pendingRequests = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cryptofeed_pending_requests",
				Help: "Subscribe requests sent but not yet confirmed",
			},
			[]string{"realm"},
		)
		openConnections = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cryptofeed_open_connections",
				Help: "Connections with a running read loop",
			},
			[]string{"realm"},
		)
		events = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptofeed_events_total",
				Help: "Events pushed to the result queue",
			},
			[]string{"label"},
		)
		readLoopFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptofeed_read_loop_failures_total",
				Help: "Read loops terminated by an error",
			},
			[]string{"realm"},
		)

		registry.MustRegister(
			connectionsOpened,
			rateLimitWaits,
			rateLimitSeconds,
			channelsConfirmed,
			pendingRequests,
			openConnections,
			events,
			readLoopFailures,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

func init() {
	register()
}

// Init starts the /metrics endpoint on address. Only the first call has an effect.
func Init(address string) {
	once.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		go func() {
			log := logger.GetLogger().WithComponent("metrics")
			log.WithFields(logger.Fields{"address": address}).Info("metrics server listening")
			if err := http.ListenAndServe(address, mux); err != nil {
				log.WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// Handler exposes the registry for embedding in another server.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ConnectionOpened(realm string) {
	connectionsOpened.WithLabelValues(realm).Inc()
	openConnections.WithLabelValues(realm).Inc()
	EmitMetric(nil, "multiplexer", "connections_opened", 1, "counter", logger.Fields{"realm": realm})
}

func ConnectionClosed(realm string) {
	openConnections.WithLabelValues(realm).Dec()
}

// RateLimitWaited records one blocking wait on the connection open window.
func RateLimitWaited(realm string, d time.Duration) {
	rateLimitWaits.WithLabelValues(realm).Inc()
	rateLimitSeconds.WithLabelValues(realm).Add(d.Seconds())
}

func ChannelConfirmed(realm, channel string) {
	channelsConfirmed.WithLabelValues(realm, channel).Inc()
	EmitMetric(nil, "registry", "channels_confirmed", 1, "counter", logger.Fields{"realm": realm, "channel": channel})
}

func SetPending(realm string, n int) {
	pendingRequests.WithLabelValues(realm).Set(float64(n))
}

func EventEmitted(label string) {
	events.WithLabelValues(label).Inc()
}

func ReadLoopFailed(realm string) {
	readLoopFailures.WithLabelValues(realm).Inc()
}
