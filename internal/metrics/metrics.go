// Package metrics holds the prometheus collectors recorded during a run.
//
// pakfetch is a one-shot command, so nothing is served over HTTP; the
// registry can instead be dumped in the node-exporter textfile format with
// WriteTextfile. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Shard fetch outcomes.
const (
	ResultDownloaded = "downloaded"
	ResultCached     = "cached"
	ResultFailed     = "failed"
)

// Metrics is a set of collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ShardFetches      *prometheus.CounterVec
	ShardBytes        prometheus.Counter
	ShardRetries      prometheus.Counter
	ShardEvictions    *prometheus.CounterVec
	ShardFetchTime    prometheus.Histogram
	ResolveIterations prometheus.Gauge
	FilesExtracted    prometheus.Counter
	RunDuration       *prometheus.GaugeVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ShardFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pakfetch_shard_fetches_total",
		}, []string{"result"}),
		ShardBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pakfetch_shard_downloaded_bytes_total",
		}),
		ShardRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pakfetch_shard_retries_total",
		}),
		ShardEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pakfetch_shard_evictions_total",
		}, []string{"reason"}),
		ShardFetchTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pakfetch_shard_fetch_seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ResolveIterations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pakfetch_resolve_iterations",
		}),
		FilesExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pakfetch_files_extracted_total",
		}),
		RunDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pakfetch_stage_duration_seconds",
		}, []string{"stage"}),
	}

	m.registry.MustRegister(
		m.ShardFetches,
		m.ShardBytes,
		m.ShardRetries,
		m.ShardEvictions,
		m.ShardFetchTime,
		m.ResolveIterations,
		m.FilesExtracted,
		m.RunDuration,
	)
	return m
}

// Registry returns the registry holding all collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ShardFetched records the outcome of one shard fetch.
func (m *Metrics) ShardFetched(result string, size int64, d time.Duration) {
	if m == nil {
		return
	}
	m.ShardFetches.WithLabelValues(result).Inc()
	if result == ResultDownloaded {
		m.ShardBytes.Add(float64(size))
		m.ShardFetchTime.Observe(d.Seconds())
	}
}

// ShardRetried records one retry of a shard download.
func (m *Metrics) ShardRetried() {
	if m == nil {
		return
	}
	m.ShardRetries.Inc()
}

// ShardEvicted records the eviction of an invalid cached shard.
func (m *Metrics) ShardEvicted(reason string) {
	if m == nil {
		return
	}
	m.ShardEvictions.WithLabelValues(reason).Inc()
}

// Resolved records the number of discovery rounds used.
func (m *Metrics) Resolved(iterations int) {
	if m == nil {
		return
	}
	m.ResolveIterations.Set(float64(iterations))
}

// Extracted records extracted files.
func (m *Metrics) Extracted(n int) {
	if m == nil {
		return
	}
	m.FilesExtracted.Add(float64(n))
}

// StageDone records the time spent in a pipeline stage.
func (m *Metrics) StageDone(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunDuration.WithLabelValues(stage).Set(d.Seconds())
}

// WriteTextfile writes all metrics to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
