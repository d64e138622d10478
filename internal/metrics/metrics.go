// Package metrics provides Prometheus metrics for the crawlgate control
// plane.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts completed crawl requests by endpoint and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_requests_total",
			Help: "Total number of crawl requests processed",
		},
		[]string{"endpoint", "status"},
	)

	// RequestDuration tracks request duration by endpoint.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlgate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~205s
		},
		[]string{"endpoint"},
	)

	// PoolInstancesByTier shows the current instance count per tier.
	PoolInstancesByTier = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlgate_pool_instances",
			Help: "Current browser instances by tier",
		},
		[]string{"tier"},
	)

	// PoolAcquisitionsTotal counts acquisitions by tier hit.
	PoolAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_pool_acquisitions_total",
			Help: "Total pool acquisitions by tier hit",
		},
		[]string{"tier_hit"},
	)

	// PoolMemoryRefusalsTotal counts acquisitions refused under memory pressure.
	PoolMemoryRefusalsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgate_pool_memory_refusals_total",
			Help: "Total acquisitions refused due to memory pressure",
		},
	)

	// JanitorEvictionsTotal counts janitor evictions by tier.
	JanitorEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_janitor_evictions_total",
			Help: "Total instances evicted by the janitor, by tier",
		},
		[]string{"tier"},
	)

	// DispatcherQueueDepth shows the current dispatcher waiter queue length.
	DispatcherQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgate_dispatcher_queue_depth",
			Help: "Current dispatcher waiter queue depth",
		},
	)

	// DispatcherInflight shows the current number of admitted requests.
	DispatcherInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgate_dispatcher_inflight",
			Help: "Current number of dispatcher-admitted requests",
		},
	)

	// DispatcherRejectionsTotal counts hard-wait-timeout rejections.
	DispatcherRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlgate_dispatcher_rejections_total",
			Help: "Total requests rejected after exceeding the dispatcher hard wait timeout",
		},
	)

	// RateLimiterBackoffsTotal counts detected rate-limit responses by domain.
	RateLimiterBackoffsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_ratelimiter_backoffs_total",
			Help: "Total detected rate-limit responses by domain",
		},
		[]string{"domain"},
	)

	// JobsTotal counts jobs by kind and terminal status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_jobs_total",
			Help: "Total jobs reaching a terminal status, by kind and status",
		},
		[]string{"kind", "status"},
	)

	// WebhookDeliveriesTotal counts webhook delivery outcomes.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlgate_webhook_deliveries_total",
			Help: "Total webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// MemoryUsageBytes shows current process memory usage.
	MemoryUsageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgate_memory_usage_bytes",
			Help: "Current memory usage in bytes (alloc)",
		},
	)

	// MemorySysBytes shows system memory obtained.
	MemorySysBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgate_memory_sys_bytes",
			Help: "Total memory obtained from system",
		},
	)

	// GoroutineCount shows current goroutine count.
	GoroutineCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlgate_goroutines",
			Help: "Current number of goroutines",
		},
	)

	// BuildInfo provides build information as labels.
	BuildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlgate_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		PoolInstancesByTier,
		PoolAcquisitionsTotal,
		PoolMemoryRefusalsTotal,
		JanitorEvictionsTotal,
		DispatcherQueueDepth,
		DispatcherInflight,
		DispatcherRejectionsTotal,
		RateLimiterBackoffsTotal,
		JobsTotal,
		WebhookDeliveriesTotal,
		MemoryUsageBytes,
		MemorySysBytes,
		GoroutineCount,
		BuildInfo,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// StartMemoryCollector starts a goroutine that periodically updates
// memory/goroutine metrics until stopCh is closed.
func StartMemoryCollector(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			updateMemoryMetrics()
		case <-stopCh:
			return
		}
	}
}

func updateMemoryMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	MemoryUsageBytes.Set(float64(m.Alloc))
	MemorySysBytes.Set(float64(m.Sys))
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// RecordRequest records metrics for a completed crawl request.
func RecordRequest(endpoint, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordPoolAcquisition records a pool acquisition by tier hit.
func RecordPoolAcquisition(tierHit string) {
	PoolAcquisitionsTotal.WithLabelValues(tierHit).Inc()
}

// RecordJanitorEviction records a janitor eviction by tier.
func RecordJanitorEviction(tier string) {
	JanitorEvictionsTotal.WithLabelValues(tier).Inc()
}

// RecordRateLimiterBackoff records a detected rate-limit response.
func RecordRateLimiterBackoff(domain string) {
	RateLimiterBackoffsTotal.WithLabelValues(domain).Inc()
}

// RecordJobTerminal records a job reaching a terminal status.
func RecordJobTerminal(kind, status string) {
	JobsTotal.WithLabelValues(kind, status).Inc()
}

// RecordWebhookDelivery records a webhook delivery outcome.
func RecordWebhookDelivery(outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// UpdatePoolInstances sets the current instance count for one tier.
func UpdatePoolInstances(tier string, count int) {
	PoolInstancesByTier.WithLabelValues(tier).Set(float64(count))
}

// UpdateDispatcherGauges sets the current queue depth/inflight gauges.
func UpdateDispatcherGauges(queueDepth, inflight int) {
	DispatcherQueueDepth.Set(float64(queueDepth))
	DispatcherInflight.Set(float64(inflight))
}
