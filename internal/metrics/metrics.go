// Package metrics exposes Prometheus metrics for fetches, provider calls,
// artwork selection and the local media cache.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a
// no-op, so components can run without instrumentation.
type Metrics struct {
	FetchResults       *prometheus.CounterVec
	ProviderCalls      *prometheus.CounterVec
	ProviderLatency    *prometheus.HistogramVec
	SelectionDownloads prometheus.Counter
	SelectionEvictions prometheus.Counter
	SelectionFailures  prometheus.Counter
	CacheFiles         prometheus.Gauge
	CacheBytes         prometheus.Gauge
	GCRemoved          prometheus.Counter
	registry           *prometheus.Registry
}

// New creates the metrics and registers them on registry, or on a fresh
// registry when nil.
func New(registry *prometheus.Registry) (*Metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register enricher metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.FetchResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enricher_fetch_results_total",
		Help: "Completed fetches by data source (cache, api, none).",
	}, []string{"source"})

	m.ProviderCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enricher_provider_calls_total",
		Help: "Provider calls by provider and outcome.",
	}, []string{"provider", "outcome"})

	m.ProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enricher_provider_call_duration_seconds",
		Help:    "Duration of provider calls in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"provider"})

	m.SelectionDownloads = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enricher_selection_downloads_total",
		Help: "Artwork files downloaded for new selections.",
	})

	m.SelectionEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enricher_selection_evictions_total",
		Help: "Previously selected artwork released.",
	})

	m.SelectionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enricher_selection_failures_total",
		Help: "Winners dropped because their download failed.",
	})

	m.CacheFiles = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enricher_cache_files",
		Help: "Files tracked in the local media cache.",
	})

	m.CacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "enricher_cache_size_bytes",
		Help: "Bytes tracked in the local media cache.",
	})

	m.GCRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enricher_gc_removed_files_total",
		Help: "Files removed by cache garbage collection.",
	})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordFetch(source string) {
	if m == nil {
		return
	}
	m.FetchResults.WithLabelValues(source).Inc()
}

// RecordProviderCall counts a call and observes how long it took.
func (m *Metrics) RecordProviderCall(provider, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordSelection(downloaded, evicted, failed int) {
	if m == nil {
		return
	}
	m.SelectionDownloads.Add(float64(downloaded))
	m.SelectionEvictions.Add(float64(evicted))
	m.SelectionFailures.Add(float64(failed))
}

func (m *Metrics) SetCacheUsage(files int, bytes int64) {
	if m == nil {
		return
	}
	m.CacheFiles.Set(float64(files))
	m.CacheBytes.Set(float64(bytes))
}

func (m *Metrics) RecordGC(removed int) {
	if m == nil {
		return
	}
	m.GCRemoved.Add(float64(removed))
}

// Collect implements the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.FetchResults.Collect(ch)
	m.ProviderCalls.Collect(ch)
	m.ProviderLatency.Collect(ch)
	ch <- m.SelectionDownloads
	ch <- m.SelectionEvictions
	ch <- m.SelectionFailures
	ch <- m.CacheFiles
	ch <- m.CacheBytes
	ch <- m.GCRemoved
}

// Describe implements the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.FetchResults.Describe(ch)
	m.ProviderCalls.Describe(ch)
	m.ProviderLatency.Describe(ch)
	ch <- m.SelectionDownloads.Desc()
	ch <- m.SelectionEvictions.Desc()
	ch <- m.SelectionFailures.Desc()
	ch <- m.CacheFiles.Desc()
	ch <- m.CacheBytes.Desc()
	ch <- m.GCRemoved.Desc()
}
