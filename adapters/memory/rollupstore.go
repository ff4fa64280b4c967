package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// RollupStore is an in-memory implementation of ports.RollupStore with
// additive upsert semantics, mirroring the durable store's merge behavior.
type RollupStore struct {
	mu        sync.RWMutex
	rollups   map[usage.HourKey]*usage.HourlyAggregate
	expiries  map[usage.HourKey]time.Time
	processed map[string]struct{}

	// failBatches makes the next n PutBatch calls fail as a whole.
	failBatches int
	// failPuts makes the next n Put calls fail.
	failPuts int

	putBatchCalls int
	putCalls      int
	queryCalls    int
}

// NewRollupStore creates an empty in-memory rollup store.
func NewRollupStore() *RollupStore {
	return &RollupStore{
		rollups:   make(map[usage.HourKey]*usage.HourlyAggregate),
		expiries:  make(map[usage.HourKey]time.Time),
		processed: make(map[string]struct{}),
	}
}

// FailNextBatches makes the next n PutBatch calls fail.
func (s *RollupStore) FailNextBatches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failBatches = n
}

// FailNextPuts makes the next n Put calls fail.
func (s *RollupStore) FailNextPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = n
}

// PutBatchCalls returns how many PutBatch calls were made.
func (s *RollupStore) PutBatchCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.putBatchCalls
}

// PutCalls returns how many single-item Put calls were made.
func (s *RollupStore) PutCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.putCalls
}

// QueryCalls returns how many query operations were made.
func (s *RollupStore) QueryCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryCalls
}

// Get returns the stored aggregate for a key, nil when absent.
func (s *RollupStore) Get(key usage.HourKey) *usage.HourlyAggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.rollups[key]
	if !ok {
		return nil
	}
	return cloneAggregate(agg)
}

func (s *RollupStore) mergeLocked(agg *usage.HourlyAggregate, expiresAt time.Time) {
	key := usage.HourKey{CustomerID: agg.CustomerID, DateHour: agg.DateHour}
	existing, ok := s.rollups[key]
	if !ok {
		s.rollups[key] = cloneAggregate(agg)
		s.expiries[key] = expiresAt
		return
	}
	existing.Merge(agg)
	s.expiries[key] = expiresAt
}

// PutBatch upserts a chunk of aggregates additively.
func (s *RollupStore) PutBatch(ctx context.Context, aggs []*usage.HourlyAggregate, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putBatchCalls++

	if len(aggs) > ports.MaxBatchItems {
		return fmt.Errorf("memory rollup store: batch of %d exceeds %d items", len(aggs), ports.MaxBatchItems)
	}
	if s.failBatches > 0 {
		s.failBatches--
		return fmt.Errorf("memory rollup store: injected batch failure: %w", ports.ErrUnavailable)
	}

	for _, agg := range aggs {
		s.mergeLocked(agg, expiresAt)
	}
	return nil
}

// Put upserts a single aggregate additively.
func (s *RollupStore) Put(ctx context.Context, agg *usage.HourlyAggregate, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++

	if s.failPuts > 0 {
		s.failPuts--
		return fmt.Errorf("memory rollup store: injected put failure: %w", ports.ErrUnavailable)
	}

	s.mergeLocked(agg, expiresAt)
	return nil
}

// WasProcessed reports whether a batch id has been recorded.
func (s *RollupStore) WasProcessed(ctx context.Context, batchID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[batchID]
	return ok, nil
}

// MarkProcessed records a batch id, reporting prior processing.
func (s *RollupStore) MarkProcessed(ctx context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.processed[batchID]; ok {
		return true, nil
	}
	s.processed[batchID] = struct{}{}
	return false, nil
}

// QueryMonth returns rollups whose hour bucket falls in the month.
func (s *RollupStore) QueryMonth(ctx context.Context, customerID, month string) ([]*usage.HourlyAggregate, error) {
	return s.query(customerID, month)
}

// QueryDay returns rollups whose hour bucket falls on the date.
func (s *RollupStore) QueryDay(ctx context.Context, customerID, date string) ([]*usage.HourlyAggregate, error) {
	return s.query(customerID, date)
}

func (s *RollupStore) query(customerID, prefix string) ([]*usage.HourlyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryCalls++

	var out []*usage.HourlyAggregate
	for key, agg := range s.rollups {
		if key.CustomerID == customerID && strings.HasPrefix(key.DateHour, prefix) {
			out = append(out, cloneAggregate(agg))
		}
	}
	return out, nil
}

// Cleanup removes expired rollups.
func (s *RollupStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, expiry := range s.expiries {
		if expiry.Before(olderThan) {
			delete(s.rollups, key)
			delete(s.expiries, key)
			removed++
		}
	}
	return removed, nil
}

func cloneAggregate(agg *usage.HourlyAggregate) *usage.HourlyAggregate {
	out := usage.NewHourlyAggregate(usage.HourKey{CustomerID: agg.CustomerID, DateHour: agg.DateHour})
	out.Merge(agg)
	return out
}

var _ ports.RollupStore = (*RollupStore)(nil)
