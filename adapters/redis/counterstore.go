// Package redis provides the real-time counter store backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// Key TTLs match each key's query horizon: hour counters feed the
// current-hour and today views, the monthly counter feeds rate-limit
// checks for the whole month.
const (
	hourTTL  = 24 * time.Hour
	dayTTL   = 48 * time.Hour
	monthTTL = 30 * 24 * time.Hour

	maxLatencySamples = 1000
	totalField        = "total"
)

// Options configures the Redis connection.
type Options struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// CounterStore implements ports.CounterStore on Redis.
//
// The client is created on first use and reused for the process lifetime;
// go-redis reconnects transparently, so a cold reconnect is invisible to
// callers. Connection failures surface as ports.ErrUnavailable so the
// aggregator treats them as soft failures.
type CounterStore struct {
	opts Options

	once   sync.Once
	client *redis.Client
}

// NewCounterStore creates a counter store. No connection is made until the
// first operation.
func NewCounterStore(opts Options) *CounterStore {
	return &CounterStore{opts: opts}
}

func (s *CounterStore) conn() *redis.Client {
	s.once.Do(func() {
		s.client = redis.NewClient(&redis.Options{
			Addr:         s.opts.Addr,
			Password:     s.opts.Password,
			DB:           s.opts.DB,
			DialTimeout:  s.opts.DialTimeout,
			ReadTimeout:  s.opts.ReadTimeout,
			WriteTimeout: s.opts.WriteTimeout,
		})
	})
	return s.client
}

// Close releases the connection pool.
func (s *CounterStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Key layout, shared with the query path:
//
//	usage:{customer}:{YYYY-MM-DD:HH}         hash apiKeyId -> requests
//	usage:daily:{customer}:{YYYY-MM-DD}      hash total -> requests
//	usage:monthly:{customer}:{YYYY-MM}       hash total -> requests
//	latency:{customer}:{YYYY-MM-DD:HH}       list of response times, newest first
//	errors:{customer}:{YYYY-MM-DD:HH}        hash endpoint -> errors
func hourKey(customerID, dateHour string) string {
	return "usage:" + customerID + ":" + dateHour
}

func dailyKey(customerID, date string) string {
	return "usage:daily:" + customerID + ":" + date
}

func monthlyKey(customerID, month string) string {
	return "usage:monthly:" + customerID + ":" + month
}

func latencyKey(customerID, dateHour string) string {
	return "latency:" + customerID + ":" + dateHour
}

func errorKey(customerID, dateHour string) string {
	return "errors:" + customerID + ":" + dateHour
}

func wrap(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	return fmt.Errorf("redis %s: %w: %v", op, ports.ErrUnavailable, err)
}

// RecordEvent applies all counter updates for one event in a single
// pipeline round trip. Each command is individually atomic; there is no
// transactional grouping across them.
func (s *CounterStore) RecordEvent(ctx context.Context, e usage.Event) error {
	dateHour := usage.HourOf(e.Timestamp)
	date := usage.DayOf(e.Timestamp)
	month := usage.MonthOf(e.Timestamp)

	pipe := s.conn().Pipeline()

	hk := hourKey(e.CustomerID, dateHour)
	pipe.HIncrBy(ctx, hk, e.APIKeyID, 1)
	pipe.Expire(ctx, hk, hourTTL)

	dk := dailyKey(e.CustomerID, date)
	pipe.HIncrBy(ctx, dk, totalField, 1)
	pipe.Expire(ctx, dk, dayTTL)

	mk := monthlyKey(e.CustomerID, month)
	pipe.HIncrBy(ctx, mk, totalField, 1)
	pipe.Expire(ctx, mk, monthTTL)

	lk := latencyKey(e.CustomerID, dateHour)
	pipe.LPush(ctx, lk, e.ResponseTimeMs)
	pipe.LTrim(ctx, lk, 0, maxLatencySamples-1)
	pipe.Expire(ctx, lk, hourTTL)

	if e.IsError() {
		ek := errorKey(e.CustomerID, dateHour)
		pipe.HIncrBy(ctx, ek, e.Endpoint, 1)
		pipe.Expire(ctx, ek, hourTTL)
	}

	_, err := pipe.Exec(ctx)
	return wrap("record event", err)
}

// HourCounts returns per-apiKey request counts for one hour bucket.
func (s *CounterStore) HourCounts(ctx context.Context, customerID, dateHour string) (map[string]int64, error) {
	fields, err := s.conn().HGetAll(ctx, hourKey(customerID, dateHour)).Result()
	if err := wrap("hour counts", err); err != nil {
		return nil, err
	}
	return parseCounts(fields), nil
}

// DayCounts scans the customer's hour keys for one date and returns counts
// keyed by hour of day.
func (s *CounterStore) DayCounts(ctx context.Context, customerID, date string) (map[int]map[string]int64, error) {
	out := make(map[int]map[string]int64)
	pattern := hourKey(customerID, date) + ":*"

	iter := s.conn().Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		hour, ok := hourFromKey(key)
		if !ok {
			continue
		}
		fields, err := s.conn().HGetAll(ctx, key).Result()
		if err := wrap("day counts", err); err != nil {
			return nil, err
		}
		out[hour] = parseCounts(fields)
	}
	if err := wrap("day counts scan", iter.Err()); err != nil {
		return nil, err
	}
	return out, nil
}

// MonthlyTotal returns the running request total for a month. A missing
// key reads as zero.
func (s *CounterStore) MonthlyTotal(ctx context.Context, customerID, month string) (int64, error) {
	val, err := s.conn().HGet(ctx, monthlyKey(customerID, month), totalField).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err := wrap("monthly total", err); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis monthly total: parse %q: %w", val, err)
	}
	return n, nil
}

// HourLatencies returns the latency samples for one hour bucket.
func (s *CounterStore) HourLatencies(ctx context.Context, customerID, dateHour string) ([]int64, error) {
	vals, err := s.conn().LRange(ctx, latencyKey(customerID, dateHour), 0, -1).Result()
	if err := wrap("hour latencies", err); err != nil {
		return nil, err
	}
	return parseLatencies(vals), nil
}

// DayLatencies returns latency samples across all hours of one date.
func (s *CounterStore) DayLatencies(ctx context.Context, customerID, date string) ([]int64, error) {
	var out []int64
	pattern := latencyKey(customerID, date) + ":*"

	iter := s.conn().Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		vals, err := s.conn().LRange(ctx, iter.Val(), 0, -1).Result()
		if err := wrap("day latencies", err); err != nil {
			return nil, err
		}
		out = append(out, parseLatencies(vals)...)
	}
	if err := wrap("day latencies scan", iter.Err()); err != nil {
		return nil, err
	}
	return out, nil
}

// ErrorCounts returns per-endpoint error counts for one hour bucket.
func (s *CounterStore) ErrorCounts(ctx context.Context, customerID, dateHour string) (map[string]int64, error) {
	fields, err := s.conn().HGetAll(ctx, errorKey(customerID, dateHour)).Result()
	if err := wrap("error counts", err); err != nil {
		return nil, err
	}
	return parseCounts(fields), nil
}

// Ping reports whether Redis is reachable.
func (s *CounterStore) Ping(ctx context.Context) error {
	return wrap("ping", s.conn().Ping(ctx).Err())
}

func parseCounts(fields map[string]string) map[string]int64 {
	out := make(map[string]int64, len(fields))
	for field, val := range fields {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			out[field] = n
		}
	}
	return out
}

func parseLatencies(vals []string) []int64 {
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// hourFromKey extracts the hour of day from a "...:YYYY-MM-DD:HH" key.
func hourFromKey(key string) (int, bool) {
	if len(key) < 3 || key[len(key)-3] != ':' {
		return 0, false
	}
	hour, err := strconv.Atoi(key[len(key)-2:])
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	return hour, true
}

var _ ports.CounterStore = (*CounterStore)(nil)
