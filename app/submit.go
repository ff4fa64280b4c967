package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// Submission is one usage event as reported by the request path. Identity
// fields come from the external authorizer, not the payload.
type Submission struct {
	CustomerID     string
	APIKeyID       string
	Method         string
	Endpoint       string
	StatusCode     int
	ResponseTimeMs int64
	Timestamp      time.Time
}

// SubmitService accepts usage submissions and publishes them onto the
// event stream. Submission is fire and forget: a publish failure is logged
// and counted, never surfaced to the originating request.
type SubmitService struct {
	stream ports.EventStream
	clock  ports.Clock
	ids    ports.IDGenerator
	logger zerolog.Logger
}

// NewSubmitService creates a submit service.
func NewSubmitService(stream ports.EventStream, clk ports.Clock, ids ports.IDGenerator, logger zerolog.Logger) *SubmitService {
	return &SubmitService{
		stream: stream,
		clock:  clk,
		ids:    ids,
		logger: logger.With().Str("component", "submit").Logger(),
	}
}

// Submit validates one submission and publishes it. A missing timestamp
// defaults to now. Only validation errors are returned; publish failures
// are swallowed by contract.
func (s *SubmitService) Submit(ctx context.Context, sub Submission) error {
	ts := sub.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}

	e := usage.NewEvent(s.ids.New(), sub.CustomerID, sub.APIKeyID, sub.Method, sub.Endpoint, sub.StatusCode, sub.ResponseTimeMs, ts)
	if err := e.Validate(); err != nil {
		return err
	}

	if err := s.stream.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).
			Str("customer_id", e.CustomerID).
			Str("event_id", e.ID).
			Msg("event publish failed, dropping event")
	}
	return nil
}
