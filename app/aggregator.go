package app

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/pkg/resilience"
	"github.com/artpar/meterd/ports"
)

// Aggregator consumes stream batches and applies both sides of the
// pipeline: real-time counter updates per event, and a folded hourly
// aggregate flush into the durable rollup store.
//
// Batch processing is idempotent for the durable side: a batch id already
// recorded in the rollup store is acknowledged without reprocessing, so
// redeliveries cannot double count rollups. Counter updates are applied
// per event and are advisory; a redelivered batch may inflate them, which
// the real-time view tolerates.
type Aggregator struct {
	counters ports.CounterStore
	rollups  ports.RollupStore
	writer   *RollupWriter
	clock    ports.Clock
	retry    *resilience.Executor
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// NewAggregator creates an aggregator. The metrics collector may be nil.
func NewAggregator(counters ports.CounterStore, rollups ports.RollupStore, writer *RollupWriter, clk ports.Clock, retry *resilience.Executor, logger zerolog.Logger, m *metrics.Collector) *Aggregator {
	return &Aggregator{
		counters: counters,
		rollups:  rollups,
		writer:   writer,
		clock:    clk,
		retry:    retry,
		logger:   logger.With().Str("component", "aggregator").Logger(),
		metrics:  m,
	}
}

// HandleBatch is the ports.BatchHandler for the event stream. A non-nil
// return requests redelivery of the whole batch; it is returned only when
// the durable flush lost everything.
func (a *Aggregator) HandleBatch(ctx context.Context, batch ports.Batch) error {
	logger := a.logger.With().
		Str("batch_id", batch.ID).
		Int("partition", batch.Partition).
		Int("attempt", batch.Attempt).
		Logger()

	processed, err := a.rollups.WasProcessed(ctx, batch.ID)
	if err != nil {
		// Dedup is best effort; additive merges plus the batch id check on
		// the redelivery path bound the damage of a missed lookup.
		logger.Warn().Err(err).Msg("batch dedup lookup failed, processing anyway")
	}
	if processed {
		if a.metrics != nil {
			a.metrics.BatchesDeduplicated.Inc()
		}
		logger.Info().Msg("skipping already-processed batch")
		return nil
	}

	events := a.decode(batch, logger)
	if len(events) == 0 {
		logger.Warn().Int("records", len(batch.Records)).Msg("batch contained no decodable events")
		return a.mark(ctx, batch.ID, logger)
	}

	a.updateCounters(ctx, events, logger)

	start := a.clock.Now()
	aggs := usage.Flatten(usage.Fold(events))
	result, err := a.writer.Write(ctx, aggs)
	if a.metrics != nil {
		a.metrics.FlushDuration.Observe(a.clock.Now().Sub(start).Seconds())
	}
	if err != nil {
		logger.Error().Err(err).Int("aggregates", len(aggs)).Msg("durable flush failed, requesting redelivery")
		return err
	}
	if result.Lost > 0 {
		logger.Warn().
			Int("written", result.Written).
			Int("lost", result.Lost).
			Msg("durable flush lost items")
	}

	return a.mark(ctx, batch.ID, logger)
}

func (a *Aggregator) decode(batch ports.Batch, logger zerolog.Logger) []usage.Event {
	events := make([]usage.Event, 0, len(batch.Records))
	for i, record := range batch.Records {
		e, err := usage.Decode(record)
		if err != nil {
			if a.metrics != nil {
				a.metrics.EventsMalformed.Inc()
			}
			logger.Warn().Err(err).Int("record", i).Msg("skipping malformed record")
			continue
		}
		events = append(events, e)
	}
	if a.metrics != nil {
		a.metrics.EventsProcessed.Add(float64(len(events)))
	}
	return events
}

// updateCounters applies real-time side effects event by event. Counter
// failures never fail the batch; the real-time view is a cache and the
// durable flush still carries the data.
func (a *Aggregator) updateCounters(ctx context.Context, events []usage.Event, logger zerolog.Logger) {
	for _, e := range events {
		e := e
		err := a.retry.Do(ctx, func() error {
			return a.counters.RecordEvent(ctx, e)
		})
		if err != nil {
			if a.metrics != nil {
				a.metrics.CounterWriteFailures.Inc()
			}
			logger.Warn().Err(err).
				Str("customer_id", e.CustomerID).
				Str("event_id", e.ID).
				Msg("counter update abandoned after retries")
		}
	}
}

// mark records the batch id after the flush. A mark failure is logged and
// swallowed: redelivering a flushed batch risks double counting under the
// additive merge, while a missed marker only costs a wasted dedup lookup.
func (a *Aggregator) mark(ctx context.Context, batchID string, logger zerolog.Logger) error {
	already, err := a.rollups.MarkProcessed(ctx, batchID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to record batch id")
		return nil
	}
	if already {
		logger.Debug().Msg("batch id was already recorded")
	}
	return nil
}
