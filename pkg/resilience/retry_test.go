package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/artpar/meterd/pkg/resilience"
	"github.com/artpar/meterd/ports"
)

func fastConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}
}

func TestExecutor_RetriesTransientErrors(t *testing.T) {
	e := resilience.NewExecutor(fastConfig())

	attempts := 0
	err := e.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("dial: %w", ports.ErrUnavailable)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExecutor_GivesUpAfterMaxRetries(t *testing.T) {
	e := resilience.NewExecutor(fastConfig())

	attempts := 0
	err := e.Do(context.Background(), func() error {
		attempts++
		return fmt.Errorf("dial: %w", ports.ErrUnavailable)
	})

	if !errors.Is(err, ports.ErrUnavailable) {
		t.Fatalf("Do() error = %v, want ErrUnavailable", err)
	}
	if attempts != 3 { // initial + 2 retries
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestExecutor_DoesNotRetryPermanentErrors(t *testing.T) {
	e := resilience.NewExecutor(fastConfig())

	permanent := errors.New("constraint violation")
	attempts := 0
	err := e.Do(context.Background(), func() error {
		attempts++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Fatalf("Do() error = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestExecutor_DoesNotRetryCancelledContext(t *testing.T) {
	e := resilience.NewExecutor(fastConfig())

	attempts := 0
	err := e.Do(context.Background(), func() error {
		attempts++
		return context.Canceled
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() error = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
