package bootstrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/artpar/meterd/config"
	"github.com/artpar/meterd/domain/usage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("METERD_DATABASE_DSN", filepath.Join(t.TempDir(), "meterd-test.db"))
	t.Setenv("METERD_STREAM_MAX_WAIT", "50ms")
	t.Setenv("METERD_METRICS_ENABLED", "false")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	return cfg
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		a.Stream.Close()
		a.Shutdown()
	})
	return a
}

func TestNew(t *testing.T) {
	a := newTestApp(t)

	if a.DB == nil {
		t.Error("DB not initialized")
	}
	if a.Counters == nil {
		t.Error("Counters not initialized")
	}
	if a.Rollups == nil {
		t.Error("Rollups not initialized")
	}
	if a.Stream == nil {
		t.Error("Stream not initialized")
	}
	if a.HTTPServer == nil {
		t.Error("HTTPServer not initialized")
	}
	if a.Metrics != nil {
		t.Error("Metrics initialized despite being disabled")
	}
}

// TestPipeline exercises the wired pipeline end to end: submit over HTTP,
// consume from the stream, then query the aggregated usage.
func TestPipeline(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		a.Stream.Consume(ctx, a.aggregator.HandleBatch)
	}()

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/events",
			strings.NewReader(`{"method":"GET","endpoint":"/v1/deadlines","statusCode":200,"responseTimeMs":40}`))
		req.Header.Set("X-Customer-Id", "acme")
		req.Header.Set("X-Api-Key-Id", "key-1")
		rec := httptest.NewRecorder()
		a.HTTPServer.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit status = %d, want 202", rec.Code)
		}
	}

	// Wait for the batch to flush durably.
	deadline := time.After(5 * time.Second)
	month := usage.MonthOf(time.Now())
	for {
		rollups, err := a.Rollups.QueryMonth(context.Background(), "acme", month)
		if err != nil {
			t.Fatalf("QueryMonth() error = %v", err)
		}
		var total int64
		for _, r := range rollups {
			total += r.Requests
		}
		if total == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("durable total = %d, want 3 before deadline", total)
		case <-time.After(20 * time.Millisecond):
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/usage?period=hour", nil)
	req.Header.Set("X-Customer-Id", "acme")
	req.Header.Set("X-Monthly-Limit", "1000")
	rec := httptest.NewRecorder()
	a.HTTPServer.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("usage status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"requests":3`) {
		t.Errorf("usage body missing requests count: %s", rec.Body.String())
	}

	cancel()
	select {
	case <-consumerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("consumers did not stop")
	}
}

// TestShutdownDrainsBufferedEvents covers the graceful-shutdown order:
// events accepted with a 202 but not yet consumed must reach the durable
// store once intake stops.
func TestShutdownDrainsBufferedEvents(t *testing.T) {
	a := newTestApp(t)

	const n = 5
	for i := 0; i < n; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/events",
			strings.NewReader(`{"method":"GET","endpoint":"/v1/deadlines","statusCode":200,"responseTimeMs":40}`))
		req.Header.Set("X-Customer-Id", "acme")
		rec := httptest.NewRecorder()
		a.HTTPServer.Handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("submit status = %d, want 202", rec.Code)
		}
	}

	// Same order as Run: stop intake, drain with a live context, cancel
	// afterwards.
	a.Stream.Close()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		a.Stream.Consume(context.Background(), a.aggregator.HandleBatch)
	}()
	select {
	case <-consumerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("consumers did not drain")
	}

	rollups, err := a.Rollups.QueryMonth(context.Background(), "acme", usage.MonthOf(time.Now()))
	if err != nil {
		t.Fatalf("QueryMonth() error = %v", err)
	}
	var total int64
	for _, r := range rollups {
		total += r.Requests
	}
	if total != n {
		t.Errorf("durable total after drain = %d, want %d", total, n)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a := newTestApp(t)

	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := a.Shutdown(); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
}
