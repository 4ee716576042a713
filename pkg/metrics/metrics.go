// Package metrics exposes agentd's Prometheus gauges and counters and
// a ticker-driven Collector that polls the data and canonization
// services for them, the way the teacher's pkg/metrics.Collector polls
// its manager.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentd_process_queue_depth",
			Help: "Number of transactions currently queued for canonization",
		},
	)

	LatestBlockHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentd_latest_block_height",
			Help: "Height of the latest canonized block",
		},
	)

	CanonizationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_canonization_cycles_total",
			Help: "Total number of canonization ticks processed",
		},
	)

	BlocksMadeTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_blocks_made_total",
			Help: "Total number of blocks successfully canonized",
		},
	)

	CanonizationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_canonization_failures_total",
			Help: "Total number of canonization ticks that aborted before producing a block",
		},
	)

	ProtocolSessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentd_protocol_sessions_total",
			Help: "Total number of protocol sessions accepted",
		},
	)

	ProtocolRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentd_protocol_request_duration_seconds",
			Help:    "Protocol request handling duration in seconds by method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	DataServiceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentd_dataservice_requests_total",
			Help: "Total number of data-service requests dispatched by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(LatestBlockHeight)
	prometheus.MustRegister(CanonizationCyclesTotal)
	prometheus.MustRegister(BlocksMadeTotal)
	prometheus.MustRegister(CanonizationFailuresTotal)
	prometheus.MustRegister(ProtocolSessionsTotal)
	prometheus.MustRegister(ProtocolRequestDuration)
	prometheus.MustRegister(DataServiceRequestsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and records it to a histogram on
// completion.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
