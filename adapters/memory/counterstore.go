// Package memory provides in-memory implementations of the store and
// stream ports, used in tests and for single-process deployments.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

const maxLatencySamples = 1000

// CounterStore is an in-memory implementation of ports.CounterStore.
// TTLs are not enforced; the real-time view is advisory and tests control
// its contents directly.
type CounterStore struct {
	mu sync.RWMutex

	// hourCounts[customer][dateHour][apiKey] = requests
	hourCounts map[string]map[string]map[string]int64
	// dayTotals[customer][date] = requests
	dayTotals map[string]map[string]int64
	// monthTotals[customer][month] = requests
	monthTotals map[string]map[string]int64
	// latencies[customer][dateHour] = newest-first samples, bounded
	latencies map[string]map[string][]int64
	// errorCounts[customer][dateHour][endpoint] = errors
	errorCounts map[string]map[string]map[string]int64

	// failures injects transient errors: each operation consumes one
	// while the count is positive.
	failures int
	// down makes every operation fail until cleared.
	down bool

	recordCalls int
	readCalls   int
}

// NewCounterStore creates an empty in-memory counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{
		hourCounts:  make(map[string]map[string]map[string]int64),
		dayTotals:   make(map[string]map[string]int64),
		monthTotals: make(map[string]map[string]int64),
		latencies:   make(map[string]map[string][]int64),
		errorCounts: make(map[string]map[string]map[string]int64),
	}
}

// FailNext makes the next n operations return a transient error.
func (s *CounterStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// SetDown toggles total unavailability.
func (s *CounterStore) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// RecordCalls returns how many RecordEvent calls were made.
func (s *CounterStore) RecordCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordCalls
}

// ReadCalls returns how many read operations were made.
func (s *CounterStore) ReadCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readCalls
}

func (s *CounterStore) checkLocked() error {
	if s.down {
		return fmt.Errorf("memory counter store: %w", ports.ErrUnavailable)
	}
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("memory counter store: injected failure: %w", ports.ErrUnavailable)
	}
	return nil
}

// RecordEvent applies all counter side effects of one event.
func (s *CounterStore) RecordEvent(ctx context.Context, e usage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordCalls++
	if err := s.checkLocked(); err != nil {
		return err
	}

	dateHour := usage.HourOf(e.Timestamp)
	date := usage.DayOf(e.Timestamp)
	month := usage.MonthOf(e.Timestamp)

	hours, ok := s.hourCounts[e.CustomerID]
	if !ok {
		hours = make(map[string]map[string]int64)
		s.hourCounts[e.CustomerID] = hours
	}
	if hours[dateHour] == nil {
		hours[dateHour] = make(map[string]int64)
	}
	hours[dateHour][e.APIKeyID]++

	if s.dayTotals[e.CustomerID] == nil {
		s.dayTotals[e.CustomerID] = make(map[string]int64)
	}
	s.dayTotals[e.CustomerID][date]++

	if s.monthTotals[e.CustomerID] == nil {
		s.monthTotals[e.CustomerID] = make(map[string]int64)
	}
	s.monthTotals[e.CustomerID][month]++

	if s.latencies[e.CustomerID] == nil {
		s.latencies[e.CustomerID] = make(map[string][]int64)
	}
	samples := append([]int64{e.ResponseTimeMs}, s.latencies[e.CustomerID][dateHour]...)
	if len(samples) > maxLatencySamples {
		samples = samples[:maxLatencySamples]
	}
	s.latencies[e.CustomerID][dateHour] = samples

	if e.IsError() {
		if s.errorCounts[e.CustomerID] == nil {
			s.errorCounts[e.CustomerID] = make(map[string]map[string]int64)
		}
		if s.errorCounts[e.CustomerID][dateHour] == nil {
			s.errorCounts[e.CustomerID][dateHour] = make(map[string]int64)
		}
		s.errorCounts[e.CustomerID][dateHour][e.Endpoint]++
	}

	return nil
}

// HourCounts returns per-apiKey counts for one hour bucket.
func (s *CounterStore) HourCounts(ctx context.Context, customerID, dateHour string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	out := make(map[string]int64)
	for k, v := range s.hourCounts[customerID][dateHour] {
		out[k] = v
	}
	return out, nil
}

// DayCounts returns per-apiKey counts for every hour of one date.
func (s *CounterStore) DayCounts(ctx context.Context, customerID, date string) (map[int]map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	out := make(map[int]map[string]int64)
	for dateHour, byKey := range s.hourCounts[customerID] {
		if usage.DayOfHour(dateHour) != date {
			continue
		}
		hour, err := strconv.Atoi(dateHour[len(dateHour)-2:])
		if err != nil {
			continue
		}
		counts := make(map[string]int64, len(byKey))
		for k, v := range byKey {
			counts[k] = v
		}
		out[hour] = counts
	}
	return out, nil
}

// MonthlyTotal returns the month counter, zero when absent.
func (s *CounterStore) MonthlyTotal(ctx context.Context, customerID, month string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if err := s.checkLocked(); err != nil {
		return 0, err
	}
	return s.monthTotals[customerID][month], nil
}

// HourLatencies returns the samples for one hour bucket.
func (s *CounterStore) HourLatencies(ctx context.Context, customerID, dateHour string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if err := s.checkLocked(); err != nil {
		return nil, err
	}
	return append([]int64(nil), s.latencies[customerID][dateHour]...), nil
}

// DayLatencies returns samples across all hours of one date.
func (s *CounterStore) DayLatencies(ctx context.Context, customerID, date string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	var out []int64
	for dateHour, samples := range s.latencies[customerID] {
		if usage.DayOfHour(dateHour) == date {
			out = append(out, samples...)
		}
	}
	return out, nil
}

// ErrorCounts returns per-endpoint error counts for one hour bucket.
func (s *CounterStore) ErrorCounts(ctx context.Context, customerID, dateHour string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readCalls++
	if err := s.checkLocked(); err != nil {
		return nil, err
	}

	out := make(map[string]int64)
	for k, v := range s.errorCounts[customerID][dateHour] {
		out[k] = v
	}
	return out, nil
}

// Ping reports availability.
func (s *CounterStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked()
}

var _ ports.CounterStore = (*CounterStore)(nil)
