// Package metrics exposes Prometheus collectors for template collection fetches.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "fhir_templates"
	subsystem = "provider"
)

var (
	latencyBucketsMilliseconds = []float64{1, 4, 16, 64, 256, 1024, 4096, 16384}

	// CacheLookups counts collection cache lookups by provider and result (hit or miss).
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_lookups_total",
			Help:      "Template collection cache lookups. Broken down by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// FetchFailures counts failed fetches by provider and error category.
	FetchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetch_failures_total",
			Help:      "Failed template collection fetches. Broken down by provider and error category.",
		},
		[]string{"provider", "category"},
	)

	// DownloadRetries counts repeated object or layer downloads.
	DownloadRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "download_retries_total",
			Help:      "Retried object and layer downloads. Broken down by provider.",
		},
		[]string{"provider"},
	)

	// FetchLatency observes uncached fetch durations in milliseconds.
	FetchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fetch_latency_milliseconds",
			Help:      "Latency in milliseconds of uncached template collection fetches.",
			Buckets:   latencyBucketsMilliseconds,
		},
		[]string{"provider"},
	)
)

var register sync.Once

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	register.Do(func() {
		prometheus.MustRegister(CacheLookups, FetchFailures, DownloadRetries, FetchLatency)
	})
}

// CacheHit records a cache lookup result.
func CacheHit(provider string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheLookups.WithLabelValues(provider, result).Inc()
}

// MeasureFetch observes the time since start.
func MeasureFetch(provider string, start time.Time) {
	FetchLatency.WithLabelValues(provider).Observe(float64(time.Since(start).Nanoseconds()) / float64(time.Millisecond))
}
