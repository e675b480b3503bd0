package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Device Resource Cache Metrics
	StreamsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devcore_streams_created_total",
		Help: "The total number of native streams created, by owner (device, logical)",
	}, []string{"owner"})

	StreamFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devcore_stream_priority_fallbacks_total",
		Help: "Stream creations that fell back from high-priority non-blocking mode to the default mode",
	})

	HandlesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devcore_library_handles_created_total",
		Help: "The total number of library handles created, by library (blas, dnn) and owner",
	}, []string{"library", "owner"})

	StreamSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devcore_stream_switches_total",
		Help: "The total number of logical stream switches",
	})

	// Cross-Stream Synchronization Metrics
	WaitMarkersOutstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devcore_wait_markers_outstanding",
		Help: "Wait markers recorded and not yet reclaimed",
	})

	WaitMarkersReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devcore_wait_markers_reclaimed_total",
		Help: "Wait markers destroyed after completion or reset",
	})

	// Pinned Memory Metrics
	PinnedBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devcore_pinned_blocks",
		Help: "Pinned blocks currently owned by the pool",
	})

	PinnedPoolBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "devcore_pinned_pool_bytes",
		Help: "Bytes of pinned host memory owned by the pool",
	})

	PinnedAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devcore_pinned_allocations_total",
		Help: "The total number of pinned allocations, by kind (pooled, standalone)",
	}, []string{"kind"})

	PinnedAllocatedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devcore_pinned_allocated_bytes_total",
		Help: "Bytes handed out by the pinned allocator, by kind (pooled, standalone)",
	}, []string{"kind"})

	PinnedAbandonedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devcore_pinned_abandoned_bytes_total",
		Help: "Unused block tail bytes skipped when the allocator advanced to the next block",
	})

	// Error Metrics
	FatalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devcore_fatal_errors_total",
		Help: "Fatal escalations by error domain (cuda, blas, dnn, internal)",
	}, []string{"domain"})

	BLASErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "devcore_blas_errors_total",
		Help: "Non-fatal BLAS failures reported to callers",
	})

	// HTTP Metrics
	EndpointResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "devcore_endpoint_responses_total",
		Help: "Responses of the devcore HTTP endpoints",
	}, []string{"endpoint", "status_code"})

	EndpointDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "devcore_endpoint_duration_seconds",
		Help:    "Time spent serving the devcore HTTP endpoints, device queries included",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	}, []string{"endpoint"})

	// Self Test Metrics
	SelfTestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "devcore_selftest_duration_seconds",
		Help:    "Duration of device self test runs",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)
