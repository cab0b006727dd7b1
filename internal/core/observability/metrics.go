package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	fetchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_outcomes_total",
			Help: "Fetch pipeline terminal outcomes.",
		},
		[]string{"outcome"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream provider calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"endpoint"},
	)

	upstreamRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_retries_total",
			Help: "Upstream call retries by endpoint.",
		},
		[]string{"endpoint"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache serves and misses by source.",
		},
		[]string{"source"},
	)

	budgetRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "budget_rejections_total",
			Help: "Fetch requests rejected by the rolling budget.",
		},
		[]string{"reason"},
	)

	persistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "persist_failures_total",
			Help: "Best-effort persistence operations that failed.",
		},
	)

	storeOpSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_op_duration_seconds",
			Help:    "Duration of result/attempt store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op", "ok"},
	)

	dedupSharedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dedup_shared_total",
			Help: "Fetch responses served from a shared in-flight execution.",
		},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_build_info",
			Help: "Build information for the binary.",
		},
		[]string{"version"},
	)
)

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func IncFetchOutcome(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	fetchOutcomesTotal.WithLabelValues(outcome).Inc()
}

func ObserveUpstreamLatency(endpoint string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(endpoint).Observe(durationSeconds)
}

func IncUpstreamRetry(endpoint string) {
	upstreamRetriesTotal.WithLabelValues(endpoint).Inc()
}

// source is one of memory|store|guard, or miss
func IncCacheResult(source string) {
	cacheResults.WithLabelValues(source).Inc()
}

func IncBudgetRejection(reason string) {
	budgetRejectionsTotal.WithLabelValues(reason).Inc()
}

func IncPersistFailure() {
	persistFailuresTotal.Inc()
}

func ObserveStoreOp(op string, err error, durationSeconds float64) {
	storeOpSeconds.WithLabelValues(op, strconv.FormatBool(err == nil)).Observe(durationSeconds)
}

func IncDedupShared() {
	dedupSharedTotal.Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
