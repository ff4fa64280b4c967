// Package stream provides the in-process partitioned event stream.
//
// It is the local stand-in for a managed partitioned log: events are
// partitioned by customerId so one customer's events stay ordered, batches
// are bounded by size and wait time, and a batch whose handler fails is
// redelivered with the same batch id (at-least-once delivery).
package stream

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// Config bounds the stream's batching and redelivery behavior.
type Config struct {
	Partitions  int
	BufferSize  int           // per-partition buffer; full buffer drops (fire-and-forget)
	BatchSize   int           // max records per delivered batch
	MaxWait     time.Duration // max time a partial batch waits before delivery
	MaxAttempts int           // deliveries per batch before it is abandoned
	RetryDelay  time.Duration // pause between redeliveries
}

func (c *Config) setDefaults() {
	if c.Partitions <= 0 {
		c.Partitions = 4
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
}

// Stream is an in-process implementation of ports.EventStream and
// ports.StreamConsumer.
type Stream struct {
	cfg        Config
	ids        ports.IDGenerator
	logger     zerolog.Logger
	metrics    *metrics.Collector
	partitions []chan []byte

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// New creates a stream. The metrics collector may be nil.
func New(cfg Config, ids ports.IDGenerator, logger zerolog.Logger, m *metrics.Collector) *Stream {
	cfg.setDefaults()

	partitions := make([]chan []byte, cfg.Partitions)
	for i := range partitions {
		partitions[i] = make(chan []byte, cfg.BufferSize)
	}

	return &Stream{
		cfg:        cfg,
		ids:        ids,
		logger:     logger.With().Str("component", "stream").Logger(),
		metrics:    m,
		partitions: partitions,
	}
}

// partitionFor hashes the partition key so one customer's events land on
// one partition, preserving their relative order.
func (s *Stream) partitionFor(customerID string) int {
	h := fnv.New32a()
	h.Write([]byte(customerID))
	return int(h.Sum32() % uint32(len(s.partitions)))
}

// Publish enqueues an event. It never blocks: when the partition buffer is
// full the event is dropped and counted, honoring the fire-and-forget
// submission contract.
func (s *Stream) Publish(ctx context.Context, e usage.Event) error {
	data, err := usage.Encode(e)
	if err != nil {
		return fmt.Errorf("stream: encode event: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("stream: closed")
	}

	p := s.partitionFor(e.CustomerID)
	select {
	case s.partitions[p] <- data:
		if s.metrics != nil {
			s.metrics.EventsPublished.Inc()
		}
		return nil
	default:
		if s.metrics != nil {
			s.metrics.EventsDropped.Inc()
		}
		s.logger.Warn().Int("partition", p).Str("customer_id", e.CustomerID).Msg("partition buffer full, event dropped")
		return fmt.Errorf("stream: partition %d buffer full", p)
	}
}

// Consume runs one consumer goroutine per partition until ctx is cancelled
// or the stream is closed and every partition has been drained.
func (s *Stream) Consume(ctx context.Context, handler ports.BatchHandler) error {
	var wg sync.WaitGroup
	for p := range s.partitions {
		wg.Add(1)
		go func(partition int) {
			defer wg.Done()
			s.consumePartition(ctx, partition, handler)
		}(p)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Stream) consumePartition(ctx context.Context, partition int, handler ports.BatchHandler) {
	ch := s.partitions[partition]
	for {
		records, ok := s.nextBatch(ctx, ch)
		if !ok {
			return
		}
		s.deliver(ctx, partition, records, handler)
	}
}

// nextBatch blocks for the first record, then fills the batch until it is
// full, MaxWait elapses, or the partition channel is closed (drain).
func (s *Stream) nextBatch(ctx context.Context, ch <-chan []byte) ([][]byte, bool) {
	var first []byte
	var ok bool
	select {
	case <-ctx.Done():
		return nil, false
	case first, ok = <-ch:
		if !ok {
			return nil, false // closed and drained
		}
	}

	records := [][]byte{first}
	deadline := time.NewTimer(s.cfg.MaxWait)
	defer deadline.Stop()

	for len(records) < s.cfg.BatchSize {
		select {
		case <-ctx.Done():
			// Forced stop: the partial batch gets one best-effort
			// delivery attempt under the cancelled context.
			return records, true
		case <-deadline.C:
			return records, true
		case rec, ok := <-ch:
			if !ok {
				return records, true
			}
			records = append(records, rec)
		}
	}
	return records, true
}

// deliver invokes the handler, redelivering the same batch (same id) with a
// bounded number of attempts. Commit is implicit: a batch is gone from the
// partition only after the handler succeeds or attempts are exhausted.
func (s *Stream) deliver(ctx context.Context, partition int, records [][]byte, handler ports.BatchHandler) {
	batch := ports.Batch{
		ID:        s.ids.New(),
		Partition: partition,
		Records:   records,
	}
	label := fmt.Sprintf("%d", partition)

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		batch.Attempt = attempt
		if s.metrics != nil {
			if attempt == 1 {
				s.metrics.BatchesDelivered.WithLabelValues(label).Inc()
			} else {
				s.metrics.BatchRedeliveries.WithLabelValues(label).Inc()
			}
		}

		err := handler(ctx, batch)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			s.logger.Warn().Str("batch_id", batch.ID).Msg("shutdown during batch delivery")
			return
		}

		s.logger.Error().Err(err).
			Str("batch_id", batch.ID).
			Int("partition", partition).
			Int("attempt", attempt).
			Int("records", len(records)).
			Msg("batch processing failed")

		if attempt < s.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RetryDelay):
			}
		}
	}

	if s.metrics != nil {
		s.metrics.BatchesAbandoned.WithLabelValues(label).Inc()
	}
	s.logger.Error().
		Str("batch_id", batch.ID).
		Int("partition", partition).
		Int("records", len(records)).
		Msg("batch abandoned after exhausting redelivery attempts")
}

// Close stops intake and closes the partition channels so running
// consumers deliver what is buffered and then exit. Graceful shutdown is
// Close first, cancel the consumer context only after the drain window.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		for _, ch := range s.partitions {
			close(ch)
		}
	})
}

var (
	_ ports.EventStream    = (*Stream)(nil)
	_ ports.StreamConsumer = (*Stream)(nil)
)
