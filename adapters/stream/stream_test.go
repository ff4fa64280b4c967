package stream_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/idgen"
	"github.com/artpar/meterd/adapters/stream"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

var streamTime = time.Date(2024, 10, 1, 5, 0, 0, 0, time.UTC)

func testEvent(customer, endpoint string) usage.Event {
	return usage.NewEvent("", customer, "key-1", "GET", endpoint, 200, 10, streamTime)
}

func newTestStream(cfg stream.Config) *stream.Stream {
	return stream.New(cfg, idgen.NewSequential("batch-"), zerolog.Nop(), nil)
}

// collect runs a consumer that forwards delivered batches to a channel.
func collect(t *testing.T, s *stream.Stream) (<-chan ports.Batch, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan ports.Batch, 16)
	go s.Consume(ctx, func(_ context.Context, b ports.Batch) error {
		batches <- b
		return nil
	})
	return batches, cancel
}

func waitBatch(t *testing.T, batches <-chan ports.Batch) ports.Batch {
	t.Helper()
	select {
	case b := <-batches:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batch")
		return ports.Batch{}
	}
}

func TestConsume_BatchesBySize(t *testing.T) {
	s := newTestStream(stream.Config{Partitions: 1, BatchSize: 3, MaxWait: time.Minute})
	batches, cancel := collect(t, s)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := s.Publish(context.Background(), testEvent("acme", fmt.Sprintf("/e/%d", i))); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	b := waitBatch(t, batches)
	if len(b.Records) != 3 {
		t.Errorf("batch has %d records, want 3", len(b.Records))
	}
	if b.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", b.Attempt)
	}
}

func TestConsume_FlushesPartialBatchAfterMaxWait(t *testing.T) {
	s := newTestStream(stream.Config{Partitions: 1, BatchSize: 100, MaxWait: 20 * time.Millisecond})
	batches, cancel := collect(t, s)
	defer cancel()

	s.Publish(context.Background(), testEvent("acme", "/a"))
	s.Publish(context.Background(), testEvent("acme", "/b"))

	b := waitBatch(t, batches)
	if len(b.Records) != 2 {
		t.Errorf("batch has %d records, want 2", len(b.Records))
	}
}

func TestConsume_RedeliversSameBatchID(t *testing.T) {
	s := newTestStream(stream.Config{
		Partitions:  1,
		BatchSize:   1,
		MaxWait:     10 * time.Millisecond,
		MaxAttempts: 5,
		RetryDelay:  time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type delivery struct {
		id      string
		attempt int
	}
	deliveries := make(chan delivery, 8)
	fails := 2

	go s.Consume(ctx, func(_ context.Context, b ports.Batch) error {
		deliveries <- delivery{id: b.ID, attempt: b.Attempt}
		if fails > 0 {
			fails--
			return errors.New("transient processing failure")
		}
		return nil
	})

	s.Publish(context.Background(), testEvent("acme", "/a"))

	var got []delivery
	for len(got) < 3 {
		select {
		case d := <-deliveries:
			got = append(got, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d deliveries", len(got))
		}
	}

	for i, d := range got {
		if d.id != got[0].id {
			t.Errorf("delivery %d has batch id %q, want %q", i, d.id, got[0].id)
		}
		if d.attempt != i+1 {
			t.Errorf("delivery %d has attempt %d, want %d", i, d.attempt, i+1)
		}
	}
}

func TestConsume_PreservesCustomerOrder(t *testing.T) {
	s := newTestStream(stream.Config{Partitions: 4, BatchSize: 5, MaxWait: 20 * time.Millisecond})
	batches, cancel := collect(t, s)
	defer cancel()

	const n = 10
	for i := 0; i < n; i++ {
		if err := s.Publish(context.Background(), testEvent("acme", fmt.Sprintf("/seq/%02d", i))); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	var endpoints []string
	for len(endpoints) < n {
		b := waitBatch(t, batches)
		for _, rec := range b.Records {
			e, err := usage.Decode(rec)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			endpoints = append(endpoints, e.Endpoint)
		}
	}

	for i, ep := range endpoints {
		want := fmt.Sprintf("/seq/%02d", i)
		if ep != want {
			t.Errorf("endpoints[%d] = %q, want %q", i, ep, want)
		}
	}
}

func TestClose_DrainsBufferedEvents(t *testing.T) {
	s := newTestStream(stream.Config{Partitions: 2, BatchSize: 10, MaxWait: 20 * time.Millisecond})

	const n = 25
	for i := 0; i < n; i++ {
		if err := s.Publish(context.Background(), testEvent("acme", fmt.Sprintf("/e/%d", i))); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	// Intake stops before any consumer runs; everything buffered must
	// still be delivered, with a live context.
	s.Close()

	var mu sync.Mutex
	var delivered int
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Consume(context.Background(), func(ctx context.Context, b ports.Batch) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mu.Lock()
			delivered += len(b.Records)
			mu.Unlock()
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumers did not exit after draining")
	}

	mu.Lock()
	defer mu.Unlock()
	if delivered != n {
		t.Errorf("delivered %d records after close, want %d", delivered, n)
	}
}

func TestPublish_DropsWhenBufferFull(t *testing.T) {
	s := newTestStream(stream.Config{Partitions: 1, BufferSize: 1})

	if err := s.Publish(context.Background(), testEvent("acme", "/a")); err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}
	if err := s.Publish(context.Background(), testEvent("acme", "/b")); err == nil {
		t.Error("second Publish() error = nil, want buffer-full error")
	}
}

func TestPublish_AfterClose(t *testing.T) {
	s := newTestStream(stream.Config{Partitions: 1})
	s.Close()

	if err := s.Publish(context.Background(), testEvent("acme", "/a")); err == nil {
		t.Error("Publish() after Close error = nil, want error")
	}
}
