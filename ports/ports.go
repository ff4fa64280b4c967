// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/meterd/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Store Ports
// -----------------------------------------------------------------------------

// ErrUnavailable marks a store error as transient. Callers retry with
// bounded backoff and then degrade instead of failing the batch.
var ErrUnavailable = errors.New("store unavailable")

// CounterStore is the real-time counter view: fast, TTL-bounded, advisory.
// It is a cache, never a source of truth - losing it costs freshness only.
// Counter mutations are atomic per operation; there is no grouping across
// operations.
type CounterStore interface {
	// RecordEvent applies all real-time side effects of one event:
	// per-key hour counter, daily and monthly totals, latency sample
	// (bounded to the last 1000), and the per-endpoint error counter for
	// statuses >= 400.
	RecordEvent(ctx context.Context, e usage.Event) error

	// HourCounts returns per-apiKey request counts for one hour bucket.
	HourCounts(ctx context.Context, customerID, dateHour string) (map[string]int64, error)

	// DayCounts returns per-apiKey request counts for every hour bucket of
	// one date, keyed by hour of day.
	DayCounts(ctx context.Context, customerID, date string) (map[int]map[string]int64, error)

	// MonthlyTotal returns the running request total for a month bucket.
	// A missing key reads as zero.
	MonthlyTotal(ctx context.Context, customerID, month string) (int64, error)

	// HourLatencies returns the latency samples recorded for one hour bucket.
	HourLatencies(ctx context.Context, customerID, dateHour string) ([]int64, error)

	// DayLatencies returns latency samples across all hour buckets of a date.
	DayLatencies(ctx context.Context, customerID, date string) ([]int64, error)

	// ErrorCounts returns per-endpoint error counts for one hour bucket.
	ErrorCounts(ctx context.Context, customerID, dateHour string) (map[string]int64, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// RollupStore is the durable hourly-aggregate view: the source of truth for
// anything beyond the current hour. Writes merge additively into existing
// rows so concurrent writers for the same key stay correct.
type RollupStore interface {
	// PutBatch upserts a pre-chunked set of aggregates. Implementations
	// reject chunks larger than MaxBatchItems. A failed chunk fails as a
	// whole; the caller falls back to per-item Put.
	PutBatch(ctx context.Context, aggs []*usage.HourlyAggregate, expiresAt time.Time) error

	// Put upserts a single aggregate.
	Put(ctx context.Context, agg *usage.HourlyAggregate, expiresAt time.Time) error

	// WasProcessed reports whether a stream batch id has been recorded.
	// Redelivered batches that were already applied are skipped.
	WasProcessed(ctx context.Context, batchID string) (bool, error)

	// MarkProcessed records a stream batch id after its aggregates are
	// flushed, returning true if the batch was already recorded.
	MarkProcessed(ctx context.Context, batchID string) (bool, error)

	// QueryMonth returns all hourly rollups of a customer for one month.
	QueryMonth(ctx context.Context, customerID, month string) ([]*usage.HourlyAggregate, error)

	// QueryDay returns all hourly rollups of a customer for one date.
	QueryDay(ctx context.Context, customerID, date string) ([]*usage.HourlyAggregate, error)

	// Cleanup deletes rollups and batch markers that expired before the
	// given time, returning the number of rows removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// MaxBatchItems is the hard per-call item limit of the rollup store.
const MaxBatchItems = 25

// -----------------------------------------------------------------------------
// Stream Ports
// -----------------------------------------------------------------------------

// Batch is one bounded group of stream records delivered together.
// Records are opaque encoded events; decoding failures are per-record.
type Batch struct {
	// ID identifies the delivery group. Redeliveries of the same batch
	// carry the same ID, which is what makes durable writes idempotent.
	ID string

	// Partition is the stream partition the batch was read from.
	Partition int

	// Attempt counts deliveries of this batch, starting at 1.
	Attempt int

	// Records are the encoded events, in partition order.
	Records [][]byte
}

// BatchHandler processes one delivered batch. A non-nil error triggers
// redelivery of the whole batch, so processing must be safe to repeat.
type BatchHandler func(ctx context.Context, batch Batch) error

// EventStream is the producer side of the delivery channel. Publish is
// non-blocking for callers: submission is fire-and-forget by contract.
type EventStream interface {
	Publish(ctx context.Context, e usage.Event) error
}

// StreamConsumer drives batch delivery. Events sharing a partition key
// (customerId) are delivered in order to a single handler invocation at a
// time; there is no ordering across partitions. Delivery is at-least-once.
type StreamConsumer interface {
	// Consume runs the delivery loop until ctx is cancelled.
	Consume(ctx context.Context, handler BatchHandler) error
}
