// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Save attempt metrics
	saveAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchflow_save_attempts_total",
			Help: "Total number of save attempts by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	saveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sketchflow_save_duration_seconds",
			Help:    "Save attempt duration in seconds, including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	saveRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sketchflow_save_retries_total",
			Help: "Total transport retries performed by save attempts",
		},
	)

	conflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchflow_save_conflicts_total",
			Help: "Total save conflicts by resolution",
		},
		[]string{"resolution"},
	)

	// Cache metrics
	cacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sketchflow_cache_entries",
			Help: "Number of entries in the snapshot cache",
		},
	)

	cacheDirtyEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sketchflow_cache_dirty_entries",
			Help: "Number of dirty entries in the snapshot cache",
		},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchflow_cache_evictions_total",
			Help: "Total cache entries removed by reason",
		},
		[]string{"reason"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchflow_cache_lookups_total",
			Help: "Total cache lookups by result",
		},
		[]string{"result"},
	)

	// Fallback store metrics
	fallbackWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchflow_fallback_writes_total",
			Help: "Total writes to the local durable fallback store",
		},
		[]string{"status"},
	)

	// Bus and session metrics
	busEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sketchflow_bus_events_total",
			Help: "Total invalidation bus events by kind",
		},
		[]string{"kind"},
	)

	openTabs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sketchflow_session_open_tabs",
			Help: "Number of open tabs in the workspace session",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSaveAttempt records a finished save attempt.
func RecordSaveAttempt(kind, status string, duration time.Duration) {
	saveAttemptsTotal.WithLabelValues(kind, status).Inc()
	saveDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordSaveRetry records a transport retry inside a save attempt.
func RecordSaveRetry() {
	saveRetriesTotal.Inc()
}

// RecordConflict records how a conflict was resolved.
func RecordConflict(resolution string) {
	conflictsTotal.WithLabelValues(resolution).Inc()
}

// SetCacheSize sets the cache entry gauges.
func SetCacheSize(entries, dirty int) {
	cacheEntries.Set(float64(entries))
	cacheDirtyEntries.Set(float64(dirty))
}

// RecordEviction records cache removals.
func RecordEviction(reason string, count int) {
	if count <= 0 {
		return
	}
	cacheEvictionsTotal.WithLabelValues(reason).Add(float64(count))
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordFallbackWrite records a write to the local durable store.
func RecordFallbackWrite(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	fallbackWritesTotal.WithLabelValues(status).Inc()
}

// RecordBusEvent records a published invalidation event.
func RecordBusEvent(kind string) {
	busEventsTotal.WithLabelValues(kind).Inc()
}

// SetOpenTabs sets the open tab gauge.
func SetOpenTabs(count int) {
	openTabs.Set(float64(count))
}
