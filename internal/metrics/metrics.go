package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lookups by outcome (hit, miss, stale, offline, queued, bypass)
	Requests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occ_requests_total",
			Help: "Total number of intercepted requests by outcome",
		},
		[]string{"strategy", "outcome"},
	)

	NetworkFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "occ_network_fetch_duration_seconds",
			Help:    "Duration of upstream fetches",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)

	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occ_store_writes_total",
			Help: "Cache store writes by result",
		},
		[]string{"result"}, // stored, refreshed, failed
	)

	Evictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occ_evictions_total",
			Help: "Entries removed from the cache store",
		},
		[]string{"reason"},
	)

	StoreEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "occ_store_entries",
			Help: "Entries currently indexed",
		},
	)

	StoreBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "occ_store_bytes",
			Help: "Bytes currently indexed",
		},
	)

	SyncQueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "occ_sync_queue_length",
			Help: "Pending background sync tasks",
		},
	)

	SyncReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "occ_sync_replays_total",
			Help: "Background sync replay attempts by result",
		},
		[]string{"result"}, // completed, retry, exhausted, offline
	)

	ActiveGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "occ_active_generation",
			Help: "Generation currently serving requests",
		},
	)

	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "occ_online",
			Help: "1 when the upstream network is reachable",
		},
	)

	DroppedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "occ_dropped_events_total",
			Help: "Events dropped because a subscriber was too slow",
		},
	)
)

// RecordRequest records the outcome of an intercepted request
func RecordRequest(strategy, outcome string) {
	Requests.WithLabelValues(strategy, outcome).Inc()
}

// TimeNetworkFetch returns a function that observes the fetch duration under result
func TimeNetworkFetch() func(result string) {
	timer := prometheus.NewTimer(nil)
	return func(result string) {
		NetworkFetchDuration.WithLabelValues(result).Observe(timer.ObserveDuration().Seconds())
	}
}

// RecordStoreWrite records a store write result
func RecordStoreWrite(result string) {
	StoreWrites.WithLabelValues(result).Inc()
}

// RecordEviction records an eviction
func RecordEviction(reason string) {
	Evictions.WithLabelValues(reason).Inc()
}

// UpdateStoreSize updates the store gauges
func UpdateStoreSize(entries int, bytes int64) {
	StoreEntries.Set(float64(entries))
	StoreBytes.Set(float64(bytes))
}

// RecordSyncReplay records a replay attempt
func RecordSyncReplay(result string) {
	SyncReplays.WithLabelValues(result).Inc()
}

// SetOnline updates the connectivity gauge
func SetOnline(online bool) {
	if online {
		Online.Set(1)
	} else {
		Online.Set(0)
	}
}
