package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CacheReadCounter counts cache reads by strategy and outcome
	// (hit, empty, stale, loaded, absent).
	CacheReadCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_cache_read_total",
		Help: "Total number of cache reads by strategy and outcome",
	}, []string{"strategy", "outcome"})
	// CacheLoadCounter tracks the number of loads from the durable store.
	CacheLoadCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_cache_load_total",
		Help: "Total number of loads from the durable store",
	})
	// InvalidateCounter tracks the number of invalidations.
	InvalidateCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_cache_invalidate_total",
		Help: "Total number of cache invalidations",
	})
	// LockRetryCounter counts mutex-strategy waits on a busy rebuild lock.
	LockRetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_cache_lock_retry_total",
		Help: "Total number of retries on a busy rebuild lock",
	})
	// RebuildCounter counts logical-expiry rebuilds by outcome
	// (scheduled, rejected, done, failed).
	RebuildCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_cache_rebuild_total",
		Help: "Total number of logical expiry rebuilds by outcome",
	}, []string{"outcome"})
	// ReadLatency observes cache read latency per strategy.
	ReadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "seckill_cache_read_seconds",
		Help:    "Latency of cache reads",
		Buckets: prometheus.DefBuckets,
	}, []string{"strategy"})
	// AdmissionCounter counts admission decisions by status.
	AdmissionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_admission_total",
		Help: "Total number of flash-sale admission decisions by status",
	}, []string{"status"})
	// OrderCounter counts worker outcomes (created, duplicate, sold_out, busy, failed).
	OrderCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "seckill_order_total",
		Help: "Total number of processed order tasks by outcome",
	}, []string{"outcome"})
	// QueueGauge reports the number of admitted tasks waiting for the worker.
	QueueGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "seckill_order_queue",
		Help: "Current number of queued order tasks",
	})
	// DriftCounter counts cache entries found to disagree with the store.
	DriftCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "seckill_cache_drift_total",
		Help: "Total number of cache entries that disagreed with the store",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers every collector on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		CacheReadCounter,
		CacheLoadCounter,
		InvalidateCounter,
		LockRetryCounter,
		RebuildCounter,
		ReadLatency,
		AdmissionCounter,
		OrderCounter,
		QueueGauge,
		DriftCounter,
	)
}
