package metrics

import (
	"strconv"
	"time"
)

// RecordWrite records a put/delete/transact operation.
func (r *Registry) RecordWrite(operation, status string, duration time.Duration, bytes int) {
	r.WritesTotal.WithLabelValues(operation, status).Inc()
	r.WriteDuration.WithLabelValues(operation).Observe(duration.Seconds())
	r.BytesWritten.Add(float64(bytes))
}

// RecordRead records a get lookup.
func (r *Registry) RecordRead(source, status string, duration time.Duration, bytes int) {
	r.ReadsTotal.WithLabelValues(status).Inc()
	r.ReadDuration.WithLabelValues(source).Observe(duration.Seconds())
	r.BytesRead.Add(float64(bytes))
}

// SetNurserySize updates the nursery occupancy gauges.
func (r *Registry) SetNurserySize(bytes int64, entries int) {
	r.NurserySizeBytes.Set(float64(bytes))
	r.NurseryEntryCount.Set(float64(entries))
}

// SetLevelStats updates the per-level file count and byte size gauges.
func (r *Registry) SetLevelStats(level, fileCount int, sizeBytes int64) {
	label := strconv.Itoa(level)
	r.LevelFileCount.WithLabelValues(label).Set(float64(fileCount))
	r.LevelSizeBytes.WithLabelValues(label).Set(float64(sizeBytes))
}

// RecordMerge records one completed merge step for a level.
func (r *Registry) RecordMerge(level int, duration time.Duration) {
	label := strconv.Itoa(level)
	r.MergesTotal.WithLabelValues(label).Inc()
	r.MergeDuration.WithLabelValues(label).Observe(duration.Seconds())
}

// SetMergeDebt updates the unpaid-merge-debt gauge for a level.
func (r *Registry) SetMergeDebt(level int, quanta int) {
	r.MergeDebtQuanta.WithLabelValues(strconv.Itoa(level)).Set(float64(quanta))
}

// FoldStarted and FoldFinished track fold concurrency.
func (r *Registry) FoldStarted() {
	r.FoldsActive.Inc()
}

func (r *Registry) FoldFinished() {
	r.FoldsActive.Dec()
}

// RecordFoldResult increments the total results delivered across all
// folds.
func (r *Registry) RecordFoldResult() {
	r.FoldResultsTotal.Inc()
}
