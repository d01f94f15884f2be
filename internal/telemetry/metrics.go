package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesPublished = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_batches_published_total", Help: "Batches published to the main topic"})
	RowsPublished    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_rows_published_total", Help: "CSV rows published to the main topic"})
	BatchesApplied   = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_batches_applied_total", Help: "Batches upserted successfully"})
	RowsUpserted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_rows_upserted_total", Help: "Rows created or updated by the applier"})
	BatchRetries     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_batch_retries_total", Help: "Batches routed to or requeued on the retry topic"})
	BatchesPoisoned  = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_batches_poisoned_total", Help: "Batches moved to the poison topic"})
	ActionsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_actions_completed_total", Help: "Bulk actions that reached a terminal state"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "bulk_rate_limit_rejects_total", Help: "Upload requests rejected by the rate limiter"})
	MainStreamDepth  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_main_stream_depth", Help: "Entries held in the main topic stream"})
	RetryStreamDepth = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bulk_retry_stream_depth", Help: "Entries held in the retry topic stream"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesPublished,
			RowsPublished,
			BatchesApplied,
			RowsUpserted,
			BatchRetries,
			BatchesPoisoned,
			ActionsCompleted,
			RateLimitRejects,
			MainStreamDepth,
			RetryStreamDepth,
		)
	})
	return promhttp.Handler()
}
