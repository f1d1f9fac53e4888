// Package metrics exposes Prometheus collectors for the ingest pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	downloadsTotal        *prometheus.CounterVec
	downloadRetriesTotal  *prometheus.CounterVec
	downloadBytesTotal    prometheus.Counter
	conversionsTotal      *prometheus.CounterVec
	conversionRowsTotal   *prometheus.CounterVec
	uploadsTotal          *prometheus.CounterVec
	tasksTotal            *prometheus.CounterVec
	taskDurationSeconds   *prometheus.HistogramVec
	pipelineActiveWorkers prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvingest_downloads_total",
				Help: "Archive downloads, labeled by table and outcome.",
			},
			[]string{"table", "outcome"},
		)

		downloadRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvingest_download_retries_total",
				Help: "Download retry attempts, labeled by HTTP status code.",
			},
			[]string{"code"},
		)

		downloadBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pvingest_download_bytes_total",
				Help: "Total bytes written to raw archives.",
			},
		)

		conversionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvingest_conversions_total",
				Help: "Archive-to-parquet conversions, labeled by table and outcome.",
			},
			[]string{"table", "outcome"},
		)

		conversionRowsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvingest_conversion_rows_total",
				Help: "Rows seen during conversion, labeled by table and disposition.",
			},
			[]string{"table", "disposition"},
		)

		uploadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvingest_uploads_total",
				Help: "GCS object uploads, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pvingest_tasks_total",
				Help: "Pipeline tasks finished, labeled by status.",
			},
			[]string{"status"},
		)

		taskDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pvingest_task_duration_seconds",
				Help:    "Histogram of task wall-clock durations.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"task"},
		)

		pipelineActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pvingest_active_workers",
				Help: "Number of workers currently executing a task.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDownload increments the download counter for one table.
func ObserveDownload(table, outcome string, bytesWritten int64) {
	Init()
	downloadsTotal.WithLabelValues(table, outcome).Inc()
	if bytesWritten > 0 {
		downloadBytesTotal.Add(float64(bytesWritten))
	}
}

// ObserveDownloadRetry records one retried attempt by HTTP status.
// Use code 0 for transport-level failures.
func ObserveDownloadRetry(code int) {
	Init()
	downloadRetriesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ObserveConversion increments the conversion counter for one table.
func ObserveConversion(table, outcome string) {
	Init()
	conversionsTotal.WithLabelValues(table, outcome).Inc()
}

// ObserveConversionRows records written and skipped row counts.
func ObserveConversionRows(table string, written, skipped int64) {
	Init()
	if written > 0 {
		conversionRowsTotal.WithLabelValues(table, "written").Add(float64(written))
	}
	if skipped > 0 {
		conversionRowsTotal.WithLabelValues(table, "skipped").Add(float64(skipped))
	}
}

// ObserveUpload increments the upload counter.
func ObserveUpload(kind, outcome string) {
	Init()
	uploadsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveTask records a finished task and its duration.
func ObserveTask(task, status string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
	taskDurationSeconds.WithLabelValues(task).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	pipelineActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	pipelineActiveWorkers.Dec()
}
