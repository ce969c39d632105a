package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ingestion metrics
var (
	IngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "image_compressor_ingested_total",
			Help: "Total number of files accepted into the collection",
		},
	)

	IngestRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_compressor_ingest_rejected_total",
			Help: "Total number of files rejected at ingestion",
		},
		[]string{"reason"}, // "validation", "read"
	)
)

// Compression metrics
var (
	CompressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_compressor_compressions_total",
			Help: "Total number of compression runs by outcome",
		},
		[]string{"status"}, // "done", "error", "discarded"
	)

	CompressionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "image_compressor_compression_duration_seconds",
			Help:    "Time spent compressing one image",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	BytesSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "image_compressor_bytes_saved_total",
			Help: "Total bytes saved by compression",
		},
	)

	BatchRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "image_compressor_batch_runs_total",
			Help: "Total number of compress-all runs",
		},
	)

	BatchRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "image_compressor_batch_running",
			Help: "Whether a compress-all run is in progress (1 = running)",
		},
	)
)

// Resource metrics
var (
	LiveReferences = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "image_compressor_live_references",
			Help: "Number of live transient references",
		},
	)

	ExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_compressor_exports_total",
			Help: "Total number of export save actions by outcome",
		},
		[]string{"status"}, // "success", "error"
	)
)
