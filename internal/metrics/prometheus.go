package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordering_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)

	StageRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordering_stage_runs_total",
			Help: "Total pipeline stage runs",
		},
		[]string{"stage", "status"},
	)

	RowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordering_rows_written_total",
			Help: "Rows upserted per table",
		},
		[]string{"table"},
	)

	LinesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordering_invoice_lines_skipped_total",
			Help: "Malformed invoice lines skipped during normalization",
		},
	)

	Anomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordering_anomalies_total",
			Help: "Data-quality anomalies flagged on normalized facts",
		},
		[]string{"flag"},
	)

	PatternConfidence = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ordering_pattern_confidence",
			Help:    "Confidence of detected delivery schedules",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"method"},
	)

	SchedulesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ordering_schedules_removed_total",
			Help: "Stale delivery schedules deleted",
		},
	)

	ForecastsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordering_forecasts_generated_total",
			Help: "Forecast rows generated",
		},
		[]string{"method"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordering_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordering_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	CacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordering_cache_errors_total",
			Help: "Cache operations that failed or were short-circuited",
		},
		[]string{"cache_type", "op"},
	)

	ScheduledRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ordering_scheduled_runs_total",
			Help: "Scheduled full-pipeline runs per user",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(StageDuration)
		prometheus.MustRegister(StageRuns)
		prometheus.MustRegister(RowsWritten)
		prometheus.MustRegister(LinesSkipped)
		prometheus.MustRegister(Anomalies)
		prometheus.MustRegister(PatternConfidence)
		prometheus.MustRegister(SchedulesRemoved)
		prometheus.MustRegister(ForecastsGenerated)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(CacheErrors)
		prometheus.MustRegister(ScheduledRuns)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
