package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initEngineMetrics() {
	r.WritesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurserykv_writes_total",
			Help: "Total number of put/delete/transact operations accepted by the nursery",
		},
		[]string{"operation", "status"},
	)

	r.WriteDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nurserykv_write_duration_seconds",
			Help:    "Write operation duration in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"operation"},
	)

	r.BytesWritten = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "nurserykv_bytes_written_total",
			Help: "Total bytes written to the nursery log",
		},
	)

	r.BytesRead = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "nurserykv_bytes_read_total",
			Help: "Total bytes read from sorted files across all levels",
		},
	)

	r.ReadsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurserykv_reads_total",
			Help: "Total number of get lookups, labeled by whether the key was found",
		},
		[]string{"status"},
	)

	r.ReadDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nurserykv_read_duration_seconds",
			Help:    "Read lookup duration in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"source"},
	)

	r.NurserySizeBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "nurserykv_nursery_size_bytes",
			Help: "Current estimated byte size of the in-memory nursery",
		},
	)

	r.NurseryEntryCount = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "nurserykv_nursery_entries",
			Help: "Current number of live entries in the in-memory nursery",
		},
	)

	r.LevelFileCount = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nurserykv_level_files",
			Help: "Number of sorted files currently held by a level",
		},
		[]string{"level"},
	)

	r.LevelSizeBytes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nurserykv_level_size_bytes",
			Help: "Total byte size of sorted files currently held by a level",
		},
		[]string{"level"},
	)

	r.MergesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "nurserykv_merges_total",
			Help: "Total number of completed merge steps, labeled by level",
		},
		[]string{"level"},
	)

	r.MergeDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nurserykv_merge_duration_seconds",
			Help:    "Merge step duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"level"},
	)

	r.MergeDebtQuanta = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nurserykv_merge_debt_quanta",
			Help: "Unpaid merge work quanta owed by a level",
		},
		[]string{"level"},
	)

	r.FoldsActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "nurserykv_folds_active",
			Help: "Number of fold operations currently in progress",
		},
	)

	r.FoldResultsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "nurserykv_fold_results_total",
			Help: "Total number of key/value results delivered to fold callers",
		},
	)
}
