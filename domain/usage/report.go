package usage

import (
	"errors"
	"math"
)

// Period selects the horizon of a usage query.
type Period string

const (
	PeriodHour  Period = "hour"
	PeriodToday Period = "today"
	PeriodMonth Period = "month"
)

// ErrInvalidPeriod is returned for unknown period values. Callers map it to
// a client error before touching any store.
var ErrInvalidPeriod = errors.New("usage: period must be one of: today, month, hour")

// ParsePeriod validates a period string. Empty defaults to today.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodToday, nil
	case PeriodHour, PeriodToday, PeriodMonth:
		return Period(s), nil
	default:
		return "", ErrInvalidPeriod
	}
}

// Limits reports plan consumption. A limit <= 0 means unlimited.
type Limits struct {
	Monthly     int64
	Used        int64
	Remaining   int64
	PercentUsed int
}

// ComputeLimits derives the limits block from the monthly total and the
// plan limit supplied by the authorization collaborator.
// This is a PURE function.
func ComputeLimits(used, limit int64) Limits {
	l := Limits{Monthly: limit, Used: used}
	if limit <= 0 {
		l.Remaining = -1
		l.PercentUsed = 0
		return l
	}
	l.Remaining = limit - used
	if l.Remaining < 0 {
		l.Remaining = 0
	}
	l.PercentUsed = int(math.Round(float64(used) / float64(limit) * 100))
	return l
}

// ErrorRate returns errors/requests as a percentage rounded to two
// decimals, 0 when there are no requests.
// This is a PURE function.
func ErrorRate(errors, requests int64) float64 {
	if requests <= 0 {
		return 0
	}
	return math.Round(float64(errors)/float64(requests)*10000) / 100
}

// MeanLatency returns the rounded mean of a latency sample, 0 when empty.
// This is a PURE function.
func MeanLatency(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	var total int64
	for _, s := range samples {
		total += s
	}
	return int64(float64(total)/float64(len(samples)) + 0.5)
}
