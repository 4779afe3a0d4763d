package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flocksync"

var (
	once sync.Once

	queueOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "operations_total",
			Help:      "Replayed queue operations by outcome.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Queued operations by status.",
		},
		[]string{"status"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by result.",
		},
		[]string{"result"},
	)

	cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Evicted cache entries by reason.",
		},
		[]string{"reason"},
	)

	syncCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by result.",
		},
		[]string{"result"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	realtimeReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reconnects_total",
			Help:      "Realtime reconnect attempts.",
		},
	)

	realtimeTransport = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "transport",
			Help:      "Active realtime transport (1 = active).",
		},
		[]string{"transport"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			queueOutcomes,
			queueDepth,
			cacheLookups,
			cacheEvictions,
			syncCycles,
			syncDuration,
			realtimeReconnects,
			realtimeTransport,
		)
	})
}

// IncQueueOutcome counts a replay outcome: completed, retried or failed.
func IncQueueOutcome(outcome string) {
	queueOutcomes.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the number of operations in a status.
func SetQueueDepth(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

// IncCacheLookup counts a cache hit or miss.
func IncCacheLookup(hit bool) {
	if hit {
		cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	cacheLookups.WithLabelValues("miss").Inc()
}

// AddCacheEvictions counts removed entries by reason (expired, lru, invalidated).
func AddCacheEvictions(reason string, n int) {
	if n <= 0 {
		return
	}
	cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// ObserveSyncCycle records one finished sync cycle.
func ObserveSyncCycle(result string, seconds float64) {
	syncCycles.WithLabelValues(result).Inc()
	syncDuration.Observe(seconds)
}

// IncRealtimeReconnect counts a reconnect attempt.
func IncRealtimeReconnect() {
	realtimeReconnects.Inc()
}

// SetRealtimeTransport marks transport as the active one.
func SetRealtimeTransport(transport string) {
	realtimeTransport.Reset()
	if transport != "" {
		realtimeTransport.WithLabelValues(transport).Set(1)
	}
}
