// Package metrics registers the CORE's Prometheus collectors. Grounded on
// the teacher's cmd/server/main.go setupMetrics (a dedicated registry plus
// the Go collector) and flowd-org-flowd's internal/metrics package (named
// latency timers and outcome-labeled counters for store/delivery
// operations), generalized to the CORE's delivery/store/queue surface
// named in §10.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the set of collectors the CORE registers. Construct one
// per Orchestrator instance and pass it to DeliveryEngine/PersistentStore.
type Registry struct {
	reg *prometheus.Registry

	DeliveryAttemptsTotal *prometheus.CounterVec
	DeliveryBackoffSeconds prometheus.Histogram
	QueueDepth             prometheus.Gauge
	DeadLetterTotal        prometheus.Counter
	StoreEvictionsTotal    *prometheus.CounterVec
	BreakerStateChanges    *prometheus.CounterVec
}

// New builds and registers the CORE's metrics against a fresh registry,
// mirroring the teacher's setupMetrics "fresh registry + Go collector"
// pattern.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	r := &Registry{
		reg: reg,
		DeliveryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bgagent_delivery_attempts_total",
			Help: "Outbound delivery attempts by path and outcome.",
		}, []string{"path", "outcome"}),
		DeliveryBackoffSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bgagent_delivery_backoff_seconds",
			Help:    "Computed backoff delay before a retry attempt.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bgagent_queue_depth",
			Help: "Current count of pending queue items.",
		}),
		DeadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bgagent_dead_letter_total",
			Help: "Total queue items moved to dead-letter.",
		}),
		StoreEvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bgagent_store_evictions_total",
			Help: "Rows evicted from a bounded store table, by table.",
		}, []string{"table"}),
		BreakerStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bgagent_breaker_state_changes_total",
			Help: "Circuit breaker transitions, by resulting state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		r.DeliveryAttemptsTotal,
		r.DeliveryBackoffSeconds,
		r.QueueDepth,
		r.DeadLetterTotal,
		r.StoreEvictionsTotal,
		r.BreakerStateChanges,
	)
	return r
}

// Gatherer exposes the underlying registry for an embedding host's
// /metrics endpoint (e.g. via promhttp.HandlerFor).
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
