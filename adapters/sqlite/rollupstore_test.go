package sqlite_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/meterd/adapters/sqlite"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

func newTestStore(t *testing.T) *sqlite.RollupStore {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "meterd-test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return sqlite.NewRollupStore(db)
}

func testAggregate(customer, dateHour string, requests, errors, totalMs int64, apiKeys []string, endpoints map[string]int64) *usage.HourlyAggregate {
	agg := usage.NewHourlyAggregate(usage.HourKey{CustomerID: customer, DateHour: dateHour})
	agg.Requests = requests
	agg.Errors = errors
	agg.TotalResponseTimeMs = totalMs
	for _, k := range apiKeys {
		agg.APIKeys[k] = struct{}{}
	}
	for k, v := range endpoints {
		agg.Endpoints[k] = v
	}
	return agg
}

var expiry = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPutAndQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	agg := testAggregate("acme", "2024-10-01:05", 3, 1, 250,
		[]string{"key-1", "key-2"}, map[string]int64{"GET /v1/deadlines": 3})
	if err := store.Put(ctx, agg, expiry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.QueryMonth(ctx, "acme", "2024-10")
	if err != nil {
		t.Fatalf("QueryMonth() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("QueryMonth() returned %d rollups, want 1", len(got))
	}

	r := got[0]
	if r.Requests != 3 || r.Errors != 1 || r.TotalResponseTimeMs != 250 {
		t.Errorf("rollup = %+v, want requests 3, errors 1, total 250", r)
	}
	if r.UniqueAPIKeys() != 2 {
		t.Errorf("UniqueAPIKeys() = %d, want 2", r.UniqueAPIKeys())
	}
	if r.Endpoints["GET /v1/deadlines"] != 3 {
		t.Errorf("endpoint count = %d, want 3", r.Endpoints["GET /v1/deadlines"])
	}
}

func TestPut_MergesAdditively(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := testAggregate("acme", "2024-10-01:05", 3, 1, 250,
		[]string{"key-1"}, map[string]int64{"GET /a": 2, "GET /b": 1})
	second := testAggregate("acme", "2024-10-01:05", 2, 0, 100,
		[]string{"key-1", "key-2"}, map[string]int64{"GET /a": 2})

	if err := store.Put(ctx, first, expiry); err != nil {
		t.Fatalf("Put(first) error = %v", err)
	}
	if err := store.Put(ctx, second, expiry); err != nil {
		t.Fatalf("Put(second) error = %v", err)
	}

	got, err := store.QueryDay(ctx, "acme", "2024-10-01")
	if err != nil {
		t.Fatalf("QueryDay() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("QueryDay() returned %d rollups, want 1", len(got))
	}

	r := got[0]
	if r.Requests != 5 {
		t.Errorf("Requests = %d, want 5", r.Requests)
	}
	if r.Errors != 1 {
		t.Errorf("Errors = %d, want 1", r.Errors)
	}
	if r.TotalResponseTimeMs != 350 {
		t.Errorf("TotalResponseTimeMs = %d, want 350", r.TotalResponseTimeMs)
	}
	if r.UniqueAPIKeys() != 2 {
		t.Errorf("UniqueAPIKeys() = %d, want 2", r.UniqueAPIKeys())
	}
	if r.Endpoints["GET /a"] != 4 || r.Endpoints["GET /b"] != 1 {
		t.Errorf("endpoints = %v, want GET /a = 4, GET /b = 1", r.Endpoints)
	}
}

func TestPutBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var aggs []*usage.HourlyAggregate
	for i := 0; i < ports.MaxBatchItems; i++ {
		dateHour := fmt.Sprintf("2024-10-%02d:%02d", 1+i/24, i%24)
		aggs = append(aggs, testAggregate("acme", dateHour, 1, 0, 10, nil, map[string]int64{"GET /a": 1}))
	}
	if err := store.PutBatch(ctx, aggs, expiry); err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}

	got, err := store.QueryMonth(ctx, "acme", "2024-10")
	if err != nil {
		t.Fatalf("QueryMonth() error = %v", err)
	}
	var total int64
	for _, r := range got {
		total += r.Requests
	}
	if total != int64(ports.MaxBatchItems) {
		t.Errorf("sum(Requests) = %d, want %d", total, ports.MaxBatchItems)
	}
}

func TestPutBatch_RejectsOversizedChunk(t *testing.T) {
	store := newTestStore(t)

	var aggs []*usage.HourlyAggregate
	for i := 0; i < ports.MaxBatchItems+1; i++ {
		aggs = append(aggs, testAggregate("acme", "2024-10-01:05", 1, 0, 10, nil, nil))
	}
	if err := store.PutBatch(context.Background(), aggs, expiry); err == nil {
		t.Error("PutBatch() with oversized chunk error = nil, want error")
	}
}

func TestMarkProcessed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	was, err := store.WasProcessed(ctx, "batch-1")
	if err != nil {
		t.Fatalf("WasProcessed() error = %v", err)
	}
	if was {
		t.Error("WasProcessed() before mark = true, want false")
	}

	already, err := store.MarkProcessed(ctx, "batch-1")
	if err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	if already {
		t.Error("first MarkProcessed() = true, want false")
	}

	was, err = store.WasProcessed(ctx, "batch-1")
	if err != nil {
		t.Fatalf("WasProcessed() error = %v", err)
	}
	if !was {
		t.Error("WasProcessed() after mark = false, want true")
	}

	already, err = store.MarkProcessed(ctx, "batch-1")
	if err != nil {
		t.Fatalf("second MarkProcessed() error = %v", err)
	}
	if !already {
		t.Error("second MarkProcessed() = false, want true")
	}

	already, err = store.MarkProcessed(ctx, "batch-2")
	if err != nil {
		t.Fatalf("MarkProcessed(batch-2) error = %v", err)
	}
	if already {
		t.Error("MarkProcessed(batch-2) = true, want false")
	}
}

func TestCleanup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := testAggregate("acme", "2024-07-01:05", 1, 0, 10, nil, nil)
	fresh := testAggregate("acme", "2024-10-01:05", 1, 0, 10, nil, nil)

	if err := store.Put(ctx, old, time.Date(2024, 9, 29, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Put(old) error = %v", err)
	}
	if err := store.Put(ctx, fresh, time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Put(fresh) error = %v", err)
	}

	removed, err := store.Cleanup(ctx, time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() removed %d rows, want 1", removed)
	}

	got, err := store.QueryMonth(ctx, "acme", "2024-10")
	if err != nil {
		t.Fatalf("QueryMonth() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("%d rollups remain for 2024-10, want 1", len(got))
	}
	gone, err := store.QueryMonth(ctx, "acme", "2024-07")
	if err != nil {
		t.Fatalf("QueryMonth(2024-07) error = %v", err)
	}
	if len(gone) != 0 {
		t.Errorf("%d rollups remain for 2024-07, want 0", len(gone))
	}
}
