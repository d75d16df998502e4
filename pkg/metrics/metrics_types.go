// Package metrics exposes the store's Prometheus instrumentation: write
// and read throughput, nursery occupancy, per-level file counts, merge
// activity, and fold result counts. Nothing here binds an HTTP listener
// (that would violate the store's no-network-exposure scope) — callers
// get the underlying prometheus.Registerer from Registry.Registerer and
// expose it however their embedding program likes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric this store instruments.
type Registry struct {
	WritesTotal    *prometheus.CounterVec
	WriteDuration  *prometheus.HistogramVec
	BytesWritten   prometheus.Counter
	BytesRead      prometheus.Counter
	ReadsTotal     *prometheus.CounterVec
	ReadDuration   *prometheus.HistogramVec

	NurserySizeBytes  prometheus.Gauge
	NurseryEntryCount prometheus.Gauge

	LevelFileCount *prometheus.GaugeVec
	LevelSizeBytes *prometheus.GaugeVec

	MergesTotal    *prometheus.CounterVec
	MergeDuration  *prometheus.HistogramVec
	MergeDebtQuanta *prometheus.GaugeVec

	FoldsActive      prometheus.Gauge
	FoldResultsTotal prometheus.Counter

	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with every metric registered
// against its own prometheus.Registry (so a test, or a second Engine in
// the same process, never collides with another's metric names).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}
	r.initEngineMetrics()
	return r
}

// Registerer returns the underlying Prometheus registerer so an embedding
// application can expose it on its own metrics endpoint.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Gatherer returns the underlying Prometheus gatherer, useful for tests
// that want to assert on collected metric families directly.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
