// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vidrelay"

var (
	// CacheOperationsTotal tracks cache store operations.
	// Labels:
	//   - operation: lookup, put, remove
	//   - status: hit, miss, stale, success, error
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Total number of cache operations",
		},
		[]string{"operation", "status"},
	)

	// SingleflightRequestsTotal tracks singleflight behavior.
	// Labels:
	//   - result: initiated (new execution), shared (reused result)
	SingleflightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "singleflight_requests_total",
			Help:      "Total number of singleflight requests",
		},
		[]string{"result"},
	)

	// FetchesTotal tracks fetcher invocations.
	// Labels:
	//   - platform: instagram, tiktok, youtube
	//   - outcome: success, transient, permanent, timeout, storage
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Total number of fetcher invocations",
		},
		[]string{"platform", "outcome"},
	)

	// FetchDuration tracks how long fetcher invocations take.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of fetcher invocations",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"platform"},
	)

	// SweepRemovalsTotal tracks entries removed by the retention sweeper.
	// Labels:
	//   - reason: expired, capacity, orphan, scratch
	SweepRemovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removals_total",
			Help:      "Total number of cache entries removed by the sweeper",
		},
		[]string{"reason"},
	)

	// CacheBytes reports the total size of indexed files after the last sweep.
	CacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Total size of cached files in bytes",
		},
	)

	// CacheEntries reports the number of indexed entries after the last sweep.
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Number of cache entries",
		},
	)
)

// Cache operation status constants.
const (
	CacheStatusHit     = "hit"
	CacheStatusMiss    = "miss"
	CacheStatusStale   = "stale"
	CacheStatusSuccess = "success"
	CacheStatusError   = "error"
)

// Cache operation type constants.
const (
	CacheOpLookup = "lookup"
	CacheOpPut    = "put"
	CacheOpRemove = "remove"
)

// Fetch outcome constants.
const (
	FetchOutcomeSuccess   = "success"
	FetchOutcomeTransient = "transient"
	FetchOutcomePermanent = "permanent"
	FetchOutcomeTimeout   = "timeout"
	FetchOutcomeStorage   = "storage"
)

// Sweep removal reason constants.
const (
	SweepReasonExpired  = "expired"
	SweepReasonCapacity = "capacity"
	SweepReasonOrphan   = "orphan"
	SweepReasonScratch  = "scratch"
)

// Singleflight result constants.
const (
	SingleflightInitiated = "initiated"
	SingleflightShared    = "shared"
)
