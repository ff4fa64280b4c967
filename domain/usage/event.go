// Package usage provides the metering data model and aggregation functions.
// Everything in this package is pure - no store access, no side effects.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Decode errors. The aggregator skips records that fail to decode; it never
// aborts a batch because of one bad record.
var (
	ErrMissingCustomer  = errors.New("usage: event missing customerId")
	ErrMissingEndpoint  = errors.New("usage: event missing endpoint")
	ErrNegativeLatency  = errors.New("usage: event responseTimeMs is negative")
	ErrMissingTimestamp = errors.New("usage: event missing timestamp")
)

// Event represents a single metered request (immutable value type).
// One Event is emitted per handled request and consumed once, logically,
// by the aggregator; the transport may redeliver it.
type Event struct {
	ID             string
	CustomerID     string
	APIKeyID       string
	Method         string
	Endpoint       string
	StatusCode     int
	ResponseTimeMs int64
	Timestamp      time.Time
}

// IsError reports whether the event counts against the error counters.
func (e Event) IsError() bool {
	return e.StatusCode >= 400
}

// EndpointKey returns the "METHOD path" key used for endpoint rankings.
func (e Event) EndpointKey() string {
	if e.Method == "" {
		return e.Endpoint
	}
	return e.Method + " " + e.Endpoint
}

// NewEvent creates an event for a handled request, normalizing the
// timestamp to UTC.
func NewEvent(id, customerID, apiKeyID, method, endpoint string, statusCode int, responseTimeMs int64, timestamp time.Time) Event {
	return Event{
		ID:             id,
		CustomerID:     customerID,
		APIKeyID:       apiKeyID,
		Method:         method,
		Endpoint:       endpoint,
		StatusCode:     statusCode,
		ResponseTimeMs: responseTimeMs,
		Timestamp:      timestamp.UTC(),
	}
}

// wireEvent is the JSON form carried on the event stream.
type wireEvent struct {
	ID             string    `json:"id,omitempty"`
	CustomerID     string    `json:"customerId"`
	APIKeyID       string    `json:"apiKeyId"`
	Method         string    `json:"method"`
	Endpoint       string    `json:"endpoint"`
	StatusCode     int       `json:"statusCode"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	Timestamp      time.Time `json:"timestamp"`
}

// Encode serializes an event to its stream wire form.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(wireEvent{
		ID:             e.ID,
		CustomerID:     e.CustomerID,
		APIKeyID:       e.APIKeyID,
		Method:         e.Method,
		Endpoint:       e.Endpoint,
		StatusCode:     e.StatusCode,
		ResponseTimeMs: e.ResponseTimeMs,
		Timestamp:      e.Timestamp,
	})
}

// Decode parses and validates a stream record. A non-nil error marks the
// record as malformed.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("usage: decode event: %w", err)
	}

	e := Event{
		ID:             w.ID,
		CustomerID:     w.CustomerID,
		APIKeyID:       w.APIKeyID,
		Method:         w.Method,
		Endpoint:       w.Endpoint,
		StatusCode:     w.StatusCode,
		ResponseTimeMs: w.ResponseTimeMs,
		Timestamp:      w.Timestamp.UTC(),
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Validate checks the invariants every pipeline input must satisfy.
func (e Event) Validate() error {
	if e.CustomerID == "" {
		return ErrMissingCustomer
	}
	if e.Endpoint == "" {
		return ErrMissingEndpoint
	}
	if e.ResponseTimeMs < 0 {
		return ErrNegativeLatency
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	return nil
}

// Time bucket formats. All buckets are UTC truncations of the event
// timestamp; DateHour is the partition the durable rollups are keyed by.
const (
	dateLayout  = "2006-01-02"
	monthLayout = "2006-01"
)

// HourOf returns the "YYYY-MM-DD:HH" UTC hour bucket for t.
func HourOf(t time.Time) string {
	u := t.UTC()
	return fmt.Sprintf("%s:%02d", u.Format(dateLayout), u.Hour())
}

// DayOf returns the "YYYY-MM-DD" UTC date bucket for t.
func DayOf(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

// MonthOf returns the "YYYY-MM" UTC month bucket for t.
func MonthOf(t time.Time) string {
	return t.UTC().Format(monthLayout)
}

// DayOfHour extracts the date part of a "YYYY-MM-DD:HH" hour bucket.
func DayOfHour(dateHour string) string {
	if len(dateHour) < len(dateLayout) {
		return dateHour
	}
	return dateHour[:len(dateLayout)]
}
