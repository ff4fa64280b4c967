package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/clock"
	"github.com/artpar/meterd/adapters/memory"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

func newAggregator(counters *memory.CounterStore, rollups ports.RollupStore) *app.Aggregator {
	clk := clock.NewFake(testTime)
	retry := fastRetry()
	writer := app.NewRollupWriter(rollups, clk, retry, zerolog.Nop(), nil)
	return app.NewAggregator(counters, rollups, writer, clk, retry, zerolog.Nop(), nil)
}

func encodeEvent(t *testing.T, id string, status int, latency int64) []byte {
	t.Helper()
	e := usage.NewEvent(id, "acme", "key-1", "GET", "/v1/deadlines", status, latency, testTime)
	data, err := usage.Encode(e)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return data
}

// testBatch holds three events in one hour: two successes and one 404,
// latencies 50/120/80.
func testBatch(t *testing.T, id string) ports.Batch {
	t.Helper()
	return ports.Batch{
		ID:        id,
		Partition: 0,
		Attempt:   1,
		Records: [][]byte{
			encodeEvent(t, "evt-1", 200, 50),
			encodeEvent(t, "evt-2", 404, 120),
			encodeEvent(t, "evt-3", 200, 80),
		},
	}
}

func TestHandleBatch(t *testing.T) {
	counters := memory.NewCounterStore()
	rollups := memory.NewRollupStore()
	agg := newAggregator(counters, rollups)
	ctx := context.Background()

	if err := agg.HandleBatch(ctx, testBatch(t, "batch-1")); err != nil {
		t.Fatalf("HandleBatch() error = %v", err)
	}

	got := rollups.Get(usage.HourKey{CustomerID: "acme", DateHour: usage.HourOf(testTime)})
	if got == nil {
		t.Fatal("no rollup stored")
	}
	if got.Requests != 3 {
		t.Errorf("Requests = %d, want 3", got.Requests)
	}
	if got.Errors != 1 {
		t.Errorf("Errors = %d, want 1", got.Errors)
	}
	if got.TotalResponseTimeMs != 250 {
		t.Errorf("TotalResponseTimeMs = %d, want 250", got.TotalResponseTimeMs)
	}
	if got.MeanLatencyMs() != 83 {
		t.Errorf("MeanLatencyMs() = %d, want 83", got.MeanLatencyMs())
	}

	if counters.RecordCalls() != 3 {
		t.Errorf("counter RecordCalls() = %d, want 3", counters.RecordCalls())
	}
	total, err := counters.MonthlyTotal(ctx, "acme", usage.MonthOf(testTime))
	if err != nil {
		t.Fatalf("MonthlyTotal() error = %v", err)
	}
	if total != 3 {
		t.Errorf("MonthlyTotal() = %d, want 3", total)
	}

	was, err := rollups.WasProcessed(ctx, "batch-1")
	if err != nil {
		t.Fatalf("WasProcessed() error = %v", err)
	}
	if !was {
		t.Error("batch id not recorded after successful flush")
	}
}

func TestHandleBatch_SkipsMalformedRecords(t *testing.T) {
	counters := memory.NewCounterStore()
	rollups := memory.NewRollupStore()
	agg := newAggregator(counters, rollups)

	batch := testBatch(t, "batch-1")
	batch.Records = append(batch.Records, []byte("{not json"), []byte(`{"endpoint":"/x"}`))

	if err := agg.HandleBatch(context.Background(), batch); err != nil {
		t.Fatalf("HandleBatch() error = %v", err)
	}

	got := rollups.Get(usage.HourKey{CustomerID: "acme", DateHour: usage.HourOf(testTime)})
	if got == nil || got.Requests != 3 {
		t.Errorf("rollup = %+v, want 3 requests from the valid records", got)
	}
	if counters.RecordCalls() != 3 {
		t.Errorf("counter RecordCalls() = %d, want 3", counters.RecordCalls())
	}
}

func TestHandleBatch_CounterFailureDoesNotBlockFlush(t *testing.T) {
	counters := memory.NewCounterStore()
	counters.SetDown(true)
	rollups := memory.NewRollupStore()
	agg := newAggregator(counters, rollups)

	if err := agg.HandleBatch(context.Background(), testBatch(t, "batch-1")); err != nil {
		t.Fatalf("HandleBatch() error = %v, counter failures must not fail the batch", err)
	}

	got := rollups.Get(usage.HourKey{CustomerID: "acme", DateHour: usage.HourOf(testTime)})
	if got == nil || got.Requests != 3 {
		t.Errorf("rollup = %+v, want 3 requests despite counter store down", got)
	}
}

func TestHandleBatch_DeduplicatesRedelivery(t *testing.T) {
	counters := memory.NewCounterStore()
	rollups := memory.NewRollupStore()
	agg := newAggregator(counters, rollups)
	ctx := context.Background()

	if err := agg.HandleBatch(ctx, testBatch(t, "batch-1")); err != nil {
		t.Fatalf("first HandleBatch() error = %v", err)
	}

	redelivery := testBatch(t, "batch-1")
	redelivery.Attempt = 2
	if err := agg.HandleBatch(ctx, redelivery); err != nil {
		t.Fatalf("redelivered HandleBatch() error = %v", err)
	}

	got := rollups.Get(usage.HourKey{CustomerID: "acme", DateHour: usage.HourOf(testTime)})
	if got == nil || got.Requests != 3 {
		t.Errorf("rollup after redelivery = %+v, want 3 requests (not double counted)", got)
	}
	if counters.RecordCalls() != 3 {
		t.Errorf("counter RecordCalls() = %d, want 3 (redelivery skipped)", counters.RecordCalls())
	}
}

func TestHandleBatch_DistinctBatchesAccumulate(t *testing.T) {
	counters := memory.NewCounterStore()
	rollups := memory.NewRollupStore()
	agg := newAggregator(counters, rollups)
	ctx := context.Background()

	if err := agg.HandleBatch(ctx, testBatch(t, "batch-1")); err != nil {
		t.Fatalf("HandleBatch(batch-1) error = %v", err)
	}
	if err := agg.HandleBatch(ctx, testBatch(t, "batch-2")); err != nil {
		t.Fatalf("HandleBatch(batch-2) error = %v", err)
	}

	got := rollups.Get(usage.HourKey{CustomerID: "acme", DateHour: usage.HourOf(testTime)})
	if got == nil || got.Requests != 6 {
		t.Errorf("rollup = %+v, want 6 requests merged additively", got)
	}
}

func TestHandleBatch_DurableFailureRequestsRedelivery(t *testing.T) {
	counters := memory.NewCounterStore()
	rollups := memory.NewRollupStore()
	rollups.FailNextBatches(10)
	rollups.FailNextPuts(10)
	agg := newAggregator(counters, rollups)

	if err := agg.HandleBatch(context.Background(), testBatch(t, "batch-1")); err == nil {
		t.Fatal("HandleBatch() error = nil, want error when durable flush lost everything")
	}

	was, err := rollups.WasProcessed(context.Background(), "batch-1")
	if err != nil {
		t.Fatalf("WasProcessed() error = %v", err)
	}
	if was {
		t.Error("failed batch must not be marked processed")
	}
}

func TestHandleBatch_SplitsHoursAndCustomers(t *testing.T) {
	counters := memory.NewCounterStore()
	rollups := memory.NewRollupStore()
	agg := newAggregator(counters, rollups)

	nextHour := testTime.Add(time.Hour)
	other := usage.NewEvent("evt-4", "globex", "key-9", "GET", "/v1/search", 200, 30, testTime)
	late := usage.NewEvent("evt-5", "acme", "key-1", "GET", "/v1/deadlines", 200, 40, nextHour)

	batch := testBatch(t, "batch-1")
	for _, e := range []usage.Event{other, late} {
		data, err := usage.Encode(e)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		batch.Records = append(batch.Records, data)
	}

	if err := agg.HandleBatch(context.Background(), batch); err != nil {
		t.Fatalf("HandleBatch() error = %v", err)
	}

	keys := []struct {
		key  usage.HourKey
		want int64
	}{
		{usage.HourKey{CustomerID: "acme", DateHour: usage.HourOf(testTime)}, 3},
		{usage.HourKey{CustomerID: "acme", DateHour: usage.HourOf(nextHour)}, 1},
		{usage.HourKey{CustomerID: "globex", DateHour: usage.HourOf(testTime)}, 1},
	}
	for _, k := range keys {
		got := rollups.Get(k.key)
		if got == nil || got.Requests != k.want {
			t.Errorf("rollup %v = %+v, want %d requests", k.key, got, k.want)
		}
	}
}
