package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// QueryRequest describes one usage query. CustomerID and MonthlyLimit come
// from the external authorizer; a MonthlyLimit <= 0 means unlimited.
type QueryRequest struct {
	CustomerID   string
	APIKeyID     string
	MonthlyLimit int64
	Period       usage.Period
	Detailed     bool
}

// KeyUsage is the per-apiKey slice of a report.
type KeyUsage struct {
	APIKeyID string `json:"apiKeyId"`
	Requests int64  `json:"requests"`
}

// HourUsage is one hour-of-day entry of a today report.
type HourUsage struct {
	Hour     int   `json:"hour"`
	Requests int64 `json:"requests"`
}

// DayUsage is one date entry of a month report.
type DayUsage struct {
	Date     string `json:"date"`
	Requests int64  `json:"requests"`
}

// EndpointUsage is one entry of an endpoint ranking.
type EndpointUsage struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

// Limits is the plan-consumption block attached to every report.
type Limits struct {
	Monthly     int64 `json:"monthly"`
	Used        int64 `json:"used"`
	Remaining   int64 `json:"remaining"`
	PercentUsed int   `json:"percentUsed"`
}

// Report is a structured usage report. Period-specific sections are empty
// for the periods that do not produce them.
type Report struct {
	CustomerID string `json:"customerId"`
	Period     string `json:"period"`

	// Degraded marks a report served from durable data only because the
	// real-time counter store was unreachable.
	Degraded bool `json:"degraded,omitempty"`

	Hour  string `json:"hour,omitempty"`
	Date  string `json:"date,omitempty"`
	Month string `json:"month,omitempty"`

	Requests     int64 `json:"requests"`
	Errors       int64 `json:"errors,omitempty"`
	MonthTotal   int64 `json:"monthTotal"`
	AvgLatencyMs int64 `json:"avgLatency"`

	ErrorRate float64 `json:"errorRate,omitempty"`

	HourlyData      []HourUsage      `json:"hourlyData,omitempty"`
	DailyBreakdown  []DayUsage       `json:"dailyBreakdown,omitempty"`
	APIKeyBreakdown []KeyUsage       `json:"apiKeyBreakdown,omitempty"`
	TopEndpoints    []EndpointUsage  `json:"topEndpoints,omitempty"`
	ErrorBreakdown  map[string]int64 `json:"errorBreakdown,omitempty"`

	Limits Limits `json:"limits"`
}

// QueryService answers usage queries from the real-time counter store,
// falling back to the durable rollup store when the counters are
// unreachable.
type QueryService struct {
	counters ports.CounterStore
	rollups  ports.RollupStore
	clock    ports.Clock
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// NewQueryService creates a query service. The metrics collector may be nil.
func NewQueryService(counters ports.CounterStore, rollups ports.RollupStore, clk ports.Clock, logger zerolog.Logger, m *metrics.Collector) *QueryService {
	return &QueryService{
		counters: counters,
		rollups:  rollups,
		clock:    clk,
		logger:   logger.With().Str("component", "query").Logger(),
		metrics:  m,
	}
}

// Usage builds the report for one query. An unknown period returns
// usage.ErrInvalidPeriod without touching any store.
func (s *QueryService) Usage(ctx context.Context, req QueryRequest) (*Report, error) {
	period, err := usage.ParsePeriod(string(req.Period))
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	var report *Report
	switch period {
	case usage.PeriodHour:
		report, err = s.hourReport(ctx, req, now)
	case usage.PeriodToday:
		report, err = s.todayReport(ctx, req, now)
	case usage.PeriodMonth:
		report, err = s.monthReport(ctx, req, now)
	}
	if err != nil {
		return nil, err
	}

	report.CustomerID = req.CustomerID
	report.Period = string(period)
	report.Limits = computeLimits(report.MonthTotal, req.MonthlyLimit)
	if report.Degraded && s.metrics != nil {
		s.metrics.QueriesDegraded.Inc()
	}
	return report, nil
}

func (s *QueryService) hourReport(ctx context.Context, req QueryRequest, now time.Time) (*Report, error) {
	dateHour := usage.HourOf(now)
	report := &Report{Hour: dateHour}

	counts, err := s.counters.HourCounts(ctx, req.CustomerID, dateHour)
	if err != nil {
		return s.degradedHour(ctx, req, now, err)
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	report.Requests = total
	report.APIKeyBreakdown = keyBreakdown(counts)

	samples, err := s.counters.HourLatencies(ctx, req.CustomerID, dateHour)
	if err != nil {
		s.logger.Warn().Err(err).Msg("latency read failed, reporting without latency")
	}
	report.AvgLatencyMs = usage.MeanLatency(samples)

	monthTotal, err := s.counters.MonthlyTotal(ctx, req.CustomerID, usage.MonthOf(now))
	if err != nil {
		s.logger.Warn().Err(err).Msg("month total read failed, reporting zero")
	}
	report.MonthTotal = monthTotal

	if req.Detailed {
		errorCounts, err := s.counters.ErrorCounts(ctx, req.CustomerID, dateHour)
		if err != nil {
			s.logger.Warn().Err(err).Msg("error counts read failed")
		} else if len(errorCounts) > 0 {
			report.ErrorBreakdown = errorCounts
		}
	}
	return report, nil
}

// degradedHour serves the hour view from the durable rollup row. Latency
// samples and per-key breakdowns live only in the counter store, so the
// degraded view reports totals and endpoint errors only.
func (s *QueryService) degradedHour(ctx context.Context, req QueryRequest, now time.Time, cause error) (*Report, error) {
	s.logger.Warn().Err(cause).Msg("counter store unreachable, serving durable hour view")

	dateHour := usage.HourOf(now)
	rollups, err := s.rollups.QueryDay(ctx, req.CustomerID, usage.DayOf(now))
	if err != nil {
		return nil, errors.Join(cause, err)
	}

	report := &Report{Hour: dateHour, Degraded: true}
	for _, r := range rollups {
		if r.DateHour != dateHour {
			continue
		}
		report.Requests = r.Requests
		report.Errors = r.Errors
		report.AvgLatencyMs = r.MeanLatencyMs()
	}
	report.MonthTotal = s.durableMonthTotal(ctx, req.CustomerID, usage.MonthOf(now))
	return report, nil
}

func (s *QueryService) todayReport(ctx context.Context, req QueryRequest, now time.Time) (*Report, error) {
	date := usage.DayOf(now)
	report := &Report{Date: date}

	byHour, err := s.counters.DayCounts(ctx, req.CustomerID, date)
	if err != nil {
		return s.degradedToday(ctx, req, now, err)
	}

	keyTotals := make(map[string]int64)
	hourly := make([]HourUsage, 0, len(byHour))
	var total int64
	for hour, counts := range byHour {
		var hourTotal int64
		for apiKey, n := range counts {
			hourTotal += n
			keyTotals[apiKey] += n
		}
		total += hourTotal
		hourly = append(hourly, HourUsage{Hour: hour, Requests: hourTotal})
	}
	sort.Slice(hourly, func(i, j int) bool { return hourly[i].Hour < hourly[j].Hour })

	report.Requests = total
	report.HourlyData = hourly
	report.APIKeyBreakdown = keyBreakdown(keyTotals)

	samples, err := s.counters.DayLatencies(ctx, req.CustomerID, date)
	if err != nil {
		s.logger.Warn().Err(err).Msg("latency read failed, reporting without latency")
	}
	report.AvgLatencyMs = usage.MeanLatency(samples)

	monthTotal, err := s.counters.MonthlyTotal(ctx, req.CustomerID, usage.MonthOf(now))
	if err != nil {
		s.logger.Warn().Err(err).Msg("month total read failed, reporting zero")
	}
	report.MonthTotal = monthTotal
	return report, nil
}

func (s *QueryService) degradedToday(ctx context.Context, req QueryRequest, now time.Time, cause error) (*Report, error) {
	s.logger.Warn().Err(cause).Msg("counter store unreachable, serving durable today view")

	date := usage.DayOf(now)
	rollups, err := s.rollups.QueryDay(ctx, req.CustomerID, date)
	if err != nil {
		return nil, errors.Join(cause, err)
	}

	report := &Report{Date: date, Degraded: true}
	var totalMs int64
	hourly := make([]HourUsage, 0, len(rollups))
	for _, r := range rollups {
		report.Requests += r.Requests
		report.Errors += r.Errors
		totalMs += r.TotalResponseTimeMs
		hourly = append(hourly, HourUsage{Hour: hourOfDateHour(r.DateHour), Requests: r.Requests})
	}
	sort.Slice(hourly, func(i, j int) bool { return hourly[i].Hour < hourly[j].Hour })
	report.HourlyData = hourly
	if report.Requests > 0 {
		report.AvgLatencyMs = int64(float64(totalMs)/float64(report.Requests) + 0.5)
	}
	report.MonthTotal = s.durableMonthTotal(ctx, req.CustomerID, usage.MonthOf(now))
	return report, nil
}

func (s *QueryService) monthReport(ctx context.Context, req QueryRequest, now time.Time) (*Report, error) {
	month := usage.MonthOf(now)
	report := &Report{Month: month}

	monthTotal, err := s.counters.MonthlyTotal(ctx, req.CustomerID, month)
	if err != nil {
		s.logger.Warn().Err(err).Msg("counter store unreachable, serving durable month view")
		report.Degraded = true
	}

	rollups, err := s.rollups.QueryMonth(ctx, req.CustomerID, month)
	if err != nil {
		return nil, err
	}

	daily := make(map[string]int64)
	endpoints := make(map[string]int64)
	var totalRequests, totalErrors, totalMs int64
	for _, r := range rollups {
		daily[usage.DayOfHour(r.DateHour)] += r.Requests
		totalRequests += r.Requests
		totalErrors += r.Errors
		totalMs += r.TotalResponseTimeMs
		for endpoint, n := range r.Endpoints {
			endpoints[endpoint] += n
		}
	}

	if report.Degraded {
		monthTotal = totalRequests
	}
	report.MonthTotal = monthTotal
	report.Requests = totalRequests
	report.Errors = totalErrors
	report.ErrorRate = usage.ErrorRate(totalErrors, totalRequests)
	if totalRequests > 0 {
		report.AvgLatencyMs = int64(float64(totalMs)/float64(totalRequests) + 0.5)
	}

	dates := make([]string, 0, len(daily))
	for date := range daily {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	breakdown := make([]DayUsage, 0, len(dates))
	for _, date := range dates {
		breakdown = append(breakdown, DayUsage{Date: date, Requests: daily[date]})
	}
	report.DailyBreakdown = breakdown

	for _, e := range usage.RankEndpoints(endpoints, usage.MaxTopEndpoints) {
		report.TopEndpoints = append(report.TopEndpoints, EndpointUsage{Endpoint: e.Endpoint, Count: e.Count})
	}
	return report, nil
}

// durableMonthTotal sums the month's rollups as the fallback for the redis
// month counter. Errors read as zero: the degraded view is best effort.
func (s *QueryService) durableMonthTotal(ctx context.Context, customerID, month string) int64 {
	rollups, err := s.rollups.QueryMonth(ctx, customerID, month)
	if err != nil {
		s.logger.Warn().Err(err).Msg("durable month total read failed, reporting zero")
		return 0
	}
	var total int64
	for _, r := range rollups {
		total += r.Requests
	}
	return total
}

func computeLimits(used, limit int64) Limits {
	l := usage.ComputeLimits(used, limit)
	return Limits{Monthly: l.Monthly, Used: l.Used, Remaining: l.Remaining, PercentUsed: l.PercentUsed}
}

func keyBreakdown(counts map[string]int64) []KeyUsage {
	out := make([]KeyUsage, 0, len(counts))
	for apiKey, n := range counts {
		out = append(out, KeyUsage{APIKeyID: apiKey, Requests: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].APIKeyID < out[j].APIKeyID })
	return out
}

func hourOfDateHour(dateHour string) int {
	if len(dateHour) < 2 {
		return 0
	}
	h := 0
	for _, c := range dateHour[len(dateHour)-2:] {
		if c < '0' || c > '9' {
			return 0
		}
		h = h*10 + int(c-'0')
	}
	return h
}
