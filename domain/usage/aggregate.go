package usage

import (
	"sort"
	"time"
)

// MaxTopEndpoints bounds the per-hour endpoint ranking.
const MaxTopEndpoints = 10

// RollupTTL is how long durable hourly aggregates are retained.
const RollupTTL = 90 * 24 * time.Hour

// HourKey identifies one durable rollup: partition key CustomerID,
// sort key DateHour ("YYYY-MM-DD:HH", UTC).
type HourKey struct {
	CustomerID string
	DateHour   string
}

// KeyOf returns the rollup key for an event.
func KeyOf(e Event) HourKey {
	return HourKey{CustomerID: e.CustomerID, DateHour: HourOf(e.Timestamp)}
}

// HourlyAggregate is the per-(customer, hour) summary derived from events.
// Counters are additive so two aggregates for the same key can be merged
// commutatively - the property the durable upsert relies on under
// concurrent writers.
type HourlyAggregate struct {
	CustomerID          string
	DateHour            string
	Requests            int64
	Errors              int64
	TotalResponseTimeMs int64
	APIKeys             map[string]struct{}
	Endpoints           map[string]int64
}

// NewHourlyAggregate creates an empty aggregate for a key.
func NewHourlyAggregate(key HourKey) *HourlyAggregate {
	return &HourlyAggregate{
		CustomerID: key.CustomerID,
		DateHour:   key.DateHour,
		APIKeys:    make(map[string]struct{}),
		Endpoints:  make(map[string]int64),
	}
}

// Add folds one event into the aggregate.
func (a *HourlyAggregate) Add(e Event) {
	a.Requests++
	if e.IsError() {
		a.Errors++
	}
	a.TotalResponseTimeMs += e.ResponseTimeMs
	if e.APIKeyID != "" {
		a.APIKeys[e.APIKeyID] = struct{}{}
	}
	a.Endpoints[e.EndpointKey()]++
}

// Merge combines another aggregate for the same key into this one.
func (a *HourlyAggregate) Merge(other *HourlyAggregate) {
	a.Requests += other.Requests
	a.Errors += other.Errors
	a.TotalResponseTimeMs += other.TotalResponseTimeMs
	for k := range other.APIKeys {
		a.APIKeys[k] = struct{}{}
	}
	for k, n := range other.Endpoints {
		a.Endpoints[k] += n
	}
}

// UniqueAPIKeys returns the cardinality of keys seen this hour.
func (a *HourlyAggregate) UniqueAPIKeys() int {
	return len(a.APIKeys)
}

// MeanLatencyMs returns the rounded mean response time, 0 for no requests.
func (a *HourlyAggregate) MeanLatencyMs() int64 {
	if a.Requests == 0 {
		return 0
	}
	return int64(float64(a.TotalResponseTimeMs)/float64(a.Requests) + 0.5)
}

// EndpointCount is one entry of an endpoint ranking.
type EndpointCount struct {
	Endpoint string
	Count    int64
}

// TopEndpoints returns up to n endpoints ranked by request count.
// Ties break lexicographically so the ranking is deterministic.
func (a *HourlyAggregate) TopEndpoints(n int) []EndpointCount {
	return RankEndpoints(a.Endpoints, n)
}

// RankEndpoints sorts a frequency map into a bounded ranking.
func RankEndpoints(counts map[string]int64, n int) []EndpointCount {
	ranked := make([]EndpointCount, 0, len(counts))
	for endpoint, count := range counts {
		ranked = append(ranked, EndpointCount{Endpoint: endpoint, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Endpoint < ranked[j].Endpoint
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// Fold aggregates a batch of events by (customer, hour).
// This is a PURE function: it produces the delta map the flush step applies
// to the stores and touches nothing else.
func Fold(events []Event) map[HourKey]*HourlyAggregate {
	out := make(map[HourKey]*HourlyAggregate)
	for _, e := range events {
		key := KeyOf(e)
		agg, ok := out[key]
		if !ok {
			agg = NewHourlyAggregate(key)
			out[key] = agg
		}
		agg.Add(e)
	}
	return out
}

// Flatten orders a fold result deterministically for writing.
func Flatten(aggs map[HourKey]*HourlyAggregate) []*HourlyAggregate {
	out := make([]*HourlyAggregate, 0, len(aggs))
	for _, agg := range aggs {
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CustomerID != out[j].CustomerID {
			return out[i].CustomerID < out[j].CustomerID
		}
		return out[i].DateHour < out[j].DateHour
	})
	return out
}
