// Package metrics exposes the proxy's Prometheus collectors: request
// counters and duration histograms by bucket/status/cache outcome, cache
// hit ratio, coalescing-group occupancy, and per-origin circuit-breaker
// state gauges, per the exposition contract in SPEC_FULL.md §8.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "requests_total",
		Help: "Total inbound requests processed, labeled by bucket, response status, and cache outcome.",
	}, []string{"bucket", "status", "cache"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "request_duration_seconds",
		Help:    "End-to-end request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"bucket"})

	CacheHitRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Cumulative cache hit ratio per bucket since process start, recomputed on every recorded hit or miss.",
	}, []string{"bucket"})

	CoalescingGroupsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coalescing_groups_active",
		Help: "Number of in-flight origin-fetch coalescing groups.",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state per origin: 0=closed, 1=half_open, 2=open.",
	}, []string{"bucket"})

	OriginRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "origin_requests_total",
		Help: "Total requests dispatched to an S3 origin, labeled by bucket and outcome.",
	}, []string{"bucket", "outcome"})

	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_rejections_total",
		Help: "Total requests rejected by the token-bucket rate limiter.",
	}, []string{"bucket"})

	AuthzDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "authz_decisions_total",
		Help: "Total authorization decisions, labeled by bucket and outcome (allow/deny).",
	}, []string{"bucket", "decision"})
)

// BreakerState gauge values, matching CircuitBreakerState's documented scale.
const (
	BreakerStateClosed   = 0
	BreakerStateHalfOpen = 1
	BreakerStateOpen     = 2
)

// cacheCounters tracks hit/miss totals per bucket so CacheHitRatio can be
// recomputed cheaply without scanning the histogram vectors.
var cacheCounters sync.Map

type bucketCounts struct {
	hits   int64
	misses int64
}

// RecordRequest records one terminated request's outcome.
func RecordRequest(bucket, status, cacheStatus string, duration time.Duration) {
	RequestsTotal.WithLabelValues(bucket, status, cacheStatus).Inc()
	RequestDuration.WithLabelValues(bucket).Observe(duration.Seconds())
}

// RecordCacheOutcome updates the cumulative hit ratio for bucket.
func RecordCacheOutcome(bucket string, hit bool) {
	v, _ := cacheCounters.LoadOrStore(bucket, &bucketCounts{})
	counts := v.(*bucketCounts)
	if hit {
		atomic.AddInt64(&counts.hits, 1)
	} else {
		atomic.AddInt64(&counts.misses, 1)
	}
	hits := atomic.LoadInt64(&counts.hits)
	misses := atomic.LoadInt64(&counts.misses)
	total := hits + misses
	if total == 0 {
		return
	}
	CacheHitRatio.WithLabelValues(bucket).Set(float64(hits) / float64(total))
}

func IncCoalescingGroups() { CoalescingGroupsActive.Inc() }
func DecCoalescingGroups() { CoalescingGroupsActive.Dec() }

// SetCircuitBreakerState records the breaker's current state for bucket
// using the BreakerState* scale.
func SetCircuitBreakerState(bucket string, state float64) {
	CircuitBreakerState.WithLabelValues(bucket).Set(state)
}

// RecordOriginRequest records one origin dispatch outcome: "success",
// "retry", or "failure".
func RecordOriginRequest(bucket, outcome string) {
	OriginRequestsTotal.WithLabelValues(bucket, outcome).Inc()
}

func RecordRateLimitRejection(bucket string) {
	RateLimitRejectionsTotal.WithLabelValues(bucket).Inc()
}

func RecordAuthzDecision(bucket, decision string) {
	AuthzDecisionsTotal.WithLabelValues(bucket, decision).Inc()
}

// Timer measures elapsed wall time for a single request and records it
// against RequestDuration/RequestsTotal on completion.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) RecordRequest(bucket, status, cacheStatus string) {
	RecordRequest(bucket, status, cacheStatus, t.Elapsed())
}
