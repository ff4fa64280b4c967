// Package metrics provides Prometheus metrics for the metering pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for meterd.
type Collector struct {
	// Stream metrics
	EventsPublished   prometheus.Counter
	EventsDropped     prometheus.Counter
	BatchesDelivered  *prometheus.CounterVec
	BatchRedeliveries *prometheus.CounterVec
	BatchesAbandoned  *prometheus.CounterVec

	// Aggregator metrics
	EventsProcessed      prometheus.Counter
	EventsMalformed      prometheus.Counter
	BatchesDeduplicated  prometheus.Counter
	CounterWriteFailures prometheus.Counter
	FlushDuration        prometheus.Histogram

	// Rollup writer metrics
	RollupChunks        prometheus.Counter
	RollupChunkFailures prometheus.Counter
	RollupItemFallbacks prometheus.Counter
	RollupItemsWritten  prometheus.Counter
	RollupItemsLost     prometheus.Counter

	// Query metrics
	QueriesTotal    *prometheus.CounterVec
	QueriesDegraded prometheus.Counter

	// Janitor metrics
	RollupsExpired prometheus.Counter
}

// New creates a collector with all metrics registered on the default
// registry.
func New() *Collector {
	return &Collector{
		EventsPublished: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "events_published_total",
				Help:      "Usage events accepted onto the stream",
			},
		),
		EventsDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "events_dropped_total",
				Help:      "Usage events dropped because a partition buffer was full",
			},
		),
		BatchesDelivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "batches_delivered_total",
				Help:      "Stream batches delivered to the aggregator",
			},
			[]string{"partition"},
		),
		BatchRedeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "batch_redeliveries_total",
				Help:      "Stream batches redelivered after a processing failure",
			},
			[]string{"partition"},
		),
		BatchesAbandoned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "batches_abandoned_total",
				Help:      "Stream batches dropped after exhausting redelivery attempts",
			},
			[]string{"partition"},
		),

		EventsProcessed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "events_processed_total",
				Help:      "Usage events folded into aggregates",
			},
		),
		EventsMalformed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "events_malformed_total",
				Help:      "Stream records skipped because they failed to decode",
			},
		),
		BatchesDeduplicated: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "batches_deduplicated_total",
				Help:      "Redelivered batches skipped because they were already processed",
			},
		),
		CounterWriteFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "counter_write_failures_total",
				Help:      "Counter store updates abandoned after retries",
			},
		),
		FlushDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "meterd",
				Name:      "flush_duration_seconds",
				Help:      "Durable flush duration per batch",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),

		RollupChunks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "rollup_chunks_total",
				Help:      "Rollup store batch calls issued",
			},
		),
		RollupChunkFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "rollup_chunk_failures_total",
				Help:      "Rollup batch calls that failed and fell back to per-item writes",
			},
		),
		RollupItemFallbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "rollup_item_fallbacks_total",
				Help:      "Single-item rollup writes issued after a chunk failure",
			},
		),
		RollupItemsWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "rollup_items_written_total",
				Help:      "Hourly aggregates upserted into the rollup store",
			},
		),
		RollupItemsLost: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "rollup_items_lost_total",
				Help:      "Hourly aggregates lost after chunk and per-item writes failed",
			},
		),

		QueriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "queries_total",
				Help:      "Usage queries served",
			},
			[]string{"period", "status"},
		),
		QueriesDegraded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "queries_degraded_total",
				Help:      "Usage queries served from durable data only",
			},
		),

		RollupsExpired: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: "meterd",
				Name:      "rollups_expired_total",
				Help:      "Expired rollup rows removed by the janitor",
			},
		),
	}
}
