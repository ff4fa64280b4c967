// Package app wires the domain to the stores: batch aggregation, the
// durable rollup writer, usage queries, and event submission.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/pkg/resilience"
	"github.com/artpar/meterd/ports"
)

// RollupWriter persists hourly aggregates under the rollup store's
// per-call item limit.
//
// Aggregates are chunked to at most ports.MaxBatchItems per call. A chunk
// that fails as a whole falls back to per-item writes so one bad item
// cannot lose the rest of the chunk. Items still failing after retries are
// abandoned and counted, not allowed to block the batch.
type RollupWriter struct {
	store   ports.RollupStore
	clock   ports.Clock
	retry   *resilience.Executor
	logger  zerolog.Logger
	metrics *metrics.Collector
}

// NewRollupWriter creates a rollup writer. The metrics collector may be nil.
func NewRollupWriter(store ports.RollupStore, clk ports.Clock, retry *resilience.Executor, logger zerolog.Logger, m *metrics.Collector) *RollupWriter {
	return &RollupWriter{
		store:   store,
		clock:   clk,
		retry:   retry,
		logger:  logger.With().Str("component", "rollup_writer").Logger(),
		metrics: m,
	}
}

// WriteResult reports the outcome of one flush.
type WriteResult struct {
	Written int
	Lost    int
}

// Write upserts all aggregates, chunk by chunk. It returns an error only
// when nothing could be written at all, which signals the transport to
// redeliver the batch; partial success is reported in the result instead
// so already-written chunks are not double counted by a redelivery.
func (w *RollupWriter) Write(ctx context.Context, aggs []*usage.HourlyAggregate) (WriteResult, error) {
	var result WriteResult
	if len(aggs) == 0 {
		return result, nil
	}

	expiresAt := w.clock.Now().Add(usage.RollupTTL)

	for start := 0; start < len(aggs); start += ports.MaxBatchItems {
		end := start + ports.MaxBatchItems
		if end > len(aggs) {
			end = len(aggs)
		}
		chunk := aggs[start:end]

		if w.metrics != nil {
			w.metrics.RollupChunks.Inc()
		}
		err := w.retry.Do(ctx, func() error {
			return w.store.PutBatch(ctx, chunk, expiresAt)
		})
		if err == nil {
			result.Written += len(chunk)
			continue
		}

		if w.metrics != nil {
			w.metrics.RollupChunkFailures.Inc()
		}
		w.logger.Warn().Err(err).
			Int("items", len(chunk)).
			Msg("rollup chunk write failed, falling back to per-item writes")

		written, lost := w.writeIndividually(ctx, chunk, expiresAt)
		result.Written += written
		result.Lost += lost
	}

	if w.metrics != nil {
		w.metrics.RollupItemsWritten.Add(float64(result.Written))
		w.metrics.RollupItemsLost.Add(float64(result.Lost))
	}

	if result.Written == 0 {
		return result, fmt.Errorf("rollup write: all %d items failed", len(aggs))
	}
	return result, nil
}

func (w *RollupWriter) writeIndividually(ctx context.Context, chunk []*usage.HourlyAggregate, expiresAt time.Time) (written, lost int) {
	for _, agg := range chunk {
		if w.metrics != nil {
			w.metrics.RollupItemFallbacks.Inc()
		}
		err := w.retry.Do(ctx, func() error {
			return w.store.Put(ctx, agg, expiresAt)
		})
		if err != nil {
			lost++
			w.logger.Error().Err(err).
				Str("customer_id", agg.CustomerID).
				Str("date_hour", agg.DateHour).
				Int64("requests", agg.Requests).
				Msg("rollup item abandoned after retries")
			continue
		}
		written++
	}
	return written, lost
}
