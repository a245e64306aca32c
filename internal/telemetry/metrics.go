package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_items_enqueued_total",
		Help: "Work items enqueued by type",
	}, []string{"type"})
	ItemsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_items_processed_total",
		Help: "Work items settled by processor, type and outcome",
	}, []string{"processor", "type", "outcome"})
	ExternalCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_external_calls_total",
		Help: "Calls to external APIs by result",
	}, []string{"api", "result"})
	BatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geo_batch_duration_seconds",
		Help:    "Wall-clock duration of one processor batch",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"processor"})
	LockContention = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geo_lock_contention_total",
		Help: "Batches skipped because another run held the processor lock",
	}, []string{"processor"})
	ItemsReset = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geo_items_reset_total",
		Help: "Stuck items moved back to pending",
	})
	QueueGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geo_items",
		Help: "Work items by type and status",
	}, []string{"type", "status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsEnqueued,
			ItemsProcessed,
			ExternalCalls,
			BatchDuration,
			LockContention,
			ItemsReset,
			QueueGauge,
		)
	})
}

// SetQueue replaces the queue gauge with counts[type][status].
func SetQueue(counts map[string]map[string]int64) {
	QueueGauge.Reset()
	for typ, byStatus := range counts {
		for status, n := range byStatus {
			QueueGauge.WithLabelValues(typ, status).Set(float64(n))
		}
	}
}
