// Package resilience provides bounded retry policies for store calls.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"

	"github.com/artpar/meterd/ports"
)

// RetryConfig bounds retry behavior for a transient store failure.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
}

// DefaultRetryConfig suits fast stores on a local network: a handful of
// quick attempts, never long enough to stall a batch.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  2,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    2 * time.Second,
	JitterDelay: 25 * time.Millisecond,
}

// NewRetryPolicy builds a failsafe retry policy with exponential backoff.
// Only transient errors (ports.ErrUnavailable) are retried; context
// cancellation and permanent errors surface immediately.
func NewRetryPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[any] {
	builder := retrypolicy.NewBuilder[any]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		HandleIf(func(_ any, err error) bool {
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			return errors.Is(err, ports.ErrUnavailable)
		})
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	return builder.Build()
}

// Executor runs operations under a shared retry policy.
type Executor struct {
	executor failsafe.Executor[any]
}

// NewExecutor creates an executor from a retry config.
func NewExecutor(cfg RetryConfig) *Executor {
	return &Executor{executor: failsafe.With(NewRetryPolicy(cfg))}
}

// Do runs fn with retries, honoring ctx between attempts.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	return e.executor.WithContext(ctx).Run(fn)
}
