// Package metrics implements the gateway's observability surface:
// Prometheus collectors for request volume, cache behavior, shield
// decisions, rate limiting, and circuit breaker trips, plus a reset
// operation for test/ops use exposed via POST /metrics/reset.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles the gateway's metrics into one registry so the
// server can snapshot and reset them as a unit.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec
	RequestsByStatus     *prometheus.CounterVec
	RequestsByEndpoint   *prometheus.CounterVec
	CacheHits            *prometheus.CounterVec
	CacheMisses          *prometheus.CounterVec
	PIIDetections        prometheus.Counter
	PIIBlocks            prometheus.Counter
	InjectionDetections  prometheus.Counter
	InjectionBlocks      prometheus.Counter
	RateLimitRejections  prometheus.Counter
	CircuitBreakerTrips  *prometheus.CounterVec
	ActiveRequests       prometheus.Gauge
	ResponseTimeSeconds  *prometheus.HistogramVec

	mu sync.Mutex
}

// New constructs a Collector registered against a fresh, private
// prometheus.Registry (not the global default, so repeated construction
// in tests never panics on duplicate registration).
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_requests_total",
			Help: "Total chat completion requests received.",
		}, []string{"model"}),

		RequestsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_requests_by_status_total",
			Help: "Requests completed, by final HTTP status code.",
		}, []string{"status"}),

		RequestsByEndpoint: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_requests_by_endpoint_total",
			Help: "Requests received, by endpoint path.",
		}, []string{"endpoint"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_cache_hits_total",
			Help: "Cache hits, by cache layer (exact, semantic).",
		}, []string{"layer"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_cache_misses_total",
			Help: "Cache misses, by cache layer (exact, semantic).",
		}, []string{"layer"}),

		PIIDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_gateway_pii_detections_total",
			Help: "Requests in which the PII shield found at least one span.",
		}),

		PIIBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_gateway_pii_blocks_total",
			Help: "Requests rejected outright by the PII shield's block policy.",
		}),

		InjectionDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_gateway_injection_detections_total",
			Help: "Requests that matched at least one injection rule.",
		}),

		InjectionBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_gateway_injection_blocks_total",
			Help: "Requests rejected because their injection risk score crossed the block threshold.",
		}),

		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llm_gateway_rate_limit_rejections_total",
			Help: "Requests rejected by the sliding-window rate limiter.",
		}),

		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_gateway_circuit_breaker_trips_total",
			Help: "Times a provider's circuit breaker transitioned to open.",
		}, []string{"provider"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llm_gateway_active_requests",
			Help: "In-flight chat completion requests.",
		}),

		ResponseTimeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_gateway_response_time_seconds",
			Help:    "End-to-end pipeline latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	c.registry.MustRegister(
		c.RequestsTotal,
		c.RequestsByStatus,
		c.RequestsByEndpoint,
		c.CacheHits,
		c.CacheMisses,
		c.PIIDetections,
		c.PIIBlocks,
		c.InjectionDetections,
		c.InjectionBlocks,
		c.RateLimitRejections,
		c.CircuitBreakerTrips,
		c.ActiveRequests,
		c.ResponseTimeSeconds,
	)

	return c
}

// Registry exposes the underlying prometheus.Registry for the
// /metrics/prometheus HTTP handler to serve via promhttp.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest increments total/endpoint/status counters and the
// latency histogram in one call, the shape the pipeline needs at the
// end of a request regardless of which path it took.
func (c *Collector) RecordRequest(model, endpoint, status string, elapsed time.Duration) {
	c.RequestsTotal.WithLabelValues(model).Inc()
	c.RequestsByEndpoint.WithLabelValues(endpoint).Inc()
	c.RequestsByStatus.WithLabelValues(status).Inc()
	c.ResponseTimeSeconds.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// RecordCacheHit/RecordCacheMiss record exact/semantic cache outcomes.
func (c *Collector) RecordCacheHit(layer string)  { c.CacheHits.WithLabelValues(layer).Inc() }
func (c *Collector) RecordCacheMiss(layer string) { c.CacheMisses.WithLabelValues(layer).Inc() }

// RecordPII records a shield decision: detected is true whenever any
// span matched, blocked is true only when the policy rejected the
// request outright.
func (c *Collector) RecordPII(detected, blocked bool) {
	if detected {
		c.PIIDetections.Inc()
	}
	if blocked {
		c.PIIBlocks.Inc()
	}
}

// RecordInjection mirrors RecordPII for the injection detector.
func (c *Collector) RecordInjection(detected, blocked bool) {
	if detected {
		c.InjectionDetections.Inc()
	}
	if blocked {
		c.InjectionBlocks.Inc()
	}
}

// RecordRateLimitRejection increments the rejection counter.
func (c *Collector) RecordRateLimitRejection() {
	c.RateLimitRejections.Inc()
}

// RecordBreakerTrip increments the per-provider trip counter.
func (c *Collector) RecordBreakerTrip(provider string) {
	c.CircuitBreakerTrips.WithLabelValues(provider).Inc()
}

// IncActiveRequests/DecActiveRequests track in-flight request count; the
// pipeline defers the Dec call immediately after Inc.
func (c *Collector) IncActiveRequests() { c.ActiveRequests.Inc() }
func (c *Collector) DecActiveRequests() { c.ActiveRequests.Dec() }

// HistogramSnapshot summarizes response_time_seconds as p50/p95/p99. The
// percentiles are read off the histogram's cumulative bucket counts
// rather than a separate sample reservoir, since client_golang's
// HistogramVec already maintains that distribution; this is an
// approximation bounded by the configured bucket boundaries
// (prometheus.DefBuckets), not exact sample interpolation.
type HistogramSnapshot struct {
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count uint64  `json:"count"`
}

// Snapshot is the `GET /metrics` JSON body: every named counter
// collapsed to a single total, the two counter maps broken out by
// label, the active-requests gauge, and the latency histogram's
// percentiles.
type Snapshot struct {
	Counters            map[string]float64 `json:"counters"`
	RequestsByStatus    map[string]float64 `json:"requests_by_status"`
	RequestsByEndpoint  map[string]float64 `json:"requests_by_endpoint"`
	ActiveRequests      float64            `json:"active_requests"`
	ResponseTimeSeconds HistogramSnapshot  `json:"response_time_seconds"`
}

// Snapshot gathers the current registry into the JSON snapshot shape.
// Gather (rather than reading the struct fields directly) is used so a
// concurrent Reset swap is observed atomically as either the old or new
// registry, never a mix.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()

	families, err := reg.Gather()
	if err != nil {
		return Snapshot{Counters: map[string]float64{}, RequestsByStatus: map[string]float64{}, RequestsByEndpoint: map[string]float64{}}
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		byName[f.GetName()] = f
	}

	return Snapshot{
		Counters: map[string]float64{
			"requests_total":        sumCounter(byName["llm_gateway_requests_total"]),
			"cache_hits":            sumCounter(byName["llm_gateway_cache_hits_total"]),
			"cache_misses":          sumCounter(byName["llm_gateway_cache_misses_total"]),
			"pii_detections":        sumCounter(byName["llm_gateway_pii_detections_total"]),
			"pii_blocks":            sumCounter(byName["llm_gateway_pii_blocks_total"]),
			"injection_detections":  sumCounter(byName["llm_gateway_injection_detections_total"]),
			"injection_blocks":      sumCounter(byName["llm_gateway_injection_blocks_total"]),
			"rate_limit_rejections": sumCounter(byName["llm_gateway_rate_limit_rejections_total"]),
			"circuit_breaker_trips": sumCounter(byName["llm_gateway_circuit_breaker_trips_total"]),
		},
		RequestsByStatus:    labelBreakdown(byName["llm_gateway_requests_by_status_total"], "status"),
		RequestsByEndpoint:  labelBreakdown(byName["llm_gateway_requests_by_endpoint_total"], "endpoint"),
		ActiveRequests:      gaugeValue(byName["llm_gateway_active_requests"]),
		ResponseTimeSeconds: histogramSnapshot(byName["llm_gateway_response_time_seconds"]),
	}
}

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

// labelBreakdown sums counter values sharing the same value of label
// across every series in f, producing the requests_by_status /
// requests_by_endpoint maps.
func labelBreakdown(f *dto.MetricFamily, label string) map[string]float64 {
	out := make(map[string]float64)
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		key := ""
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label {
				key = lp.GetValue()
			}
		}
		out[key] += m.GetCounter().GetValue()
	}
	return out
}

// histogramSnapshot merges every labeled series of a HistogramVec (they
// share the same bucket boundaries) into one CDF and reads p50/p95/p99
// off it.
func histogramSnapshot(f *dto.MetricFamily) HistogramSnapshot {
	if f == nil {
		return HistogramSnapshot{}
	}

	merged := map[float64]uint64{}
	var count uint64
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		count += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			merged[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if count == 0 {
		return HistogramSnapshot{}
	}

	bounds := make([]float64, 0, len(merged))
	for b := range merged {
		bounds = append(bounds, b)
	}
	sort.Float64s(bounds)

	percentile := func(p float64) float64 {
		target := uint64(math.Ceil(p * float64(count)))
		for _, b := range bounds {
			if merged[b] >= target {
				return b
			}
		}
		if len(bounds) > 0 {
			return bounds[len(bounds)-1]
		}
		return 0
	}

	return HistogramSnapshot{
		P50:   percentile(0.50),
		P95:   percentile(0.95),
		P99:   percentile(0.99),
		Count: count,
	}
}

// Reset recreates every collector from scratch, discarding all counts.
// Used by POST /metrics/reset; guarded by mu so a concurrent scrape
// can't observe a registry mid-swap.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fresh := New()
	c.registry = fresh.registry
	c.RequestsTotal = fresh.RequestsTotal
	c.RequestsByStatus = fresh.RequestsByStatus
	c.RequestsByEndpoint = fresh.RequestsByEndpoint
	c.CacheHits = fresh.CacheHits
	c.CacheMisses = fresh.CacheMisses
	c.PIIDetections = fresh.PIIDetections
	c.PIIBlocks = fresh.PIIBlocks
	c.InjectionDetections = fresh.InjectionDetections
	c.InjectionBlocks = fresh.InjectionBlocks
	c.RateLimitRejections = fresh.RateLimitRejections
	c.CircuitBreakerTrips = fresh.CircuitBreakerTrips
	c.ActiveRequests = fresh.ActiveRequests
	c.ResponseTimeSeconds = fresh.ResponseTimeSeconds
}
