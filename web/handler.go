// Package web provides the HTTP surface: usage submission, usage queries,
// health, and metrics.
package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/meterd/adapters/metrics"
	"github.com/artpar/meterd/app"
	"github.com/artpar/meterd/domain/usage"
	"github.com/artpar/meterd/ports"
)

// Identity headers set by the external authorizer. The service trusts them;
// authenticating callers is the gateway's job, not ours.
const (
	headerCustomerID   = "X-Customer-Id"
	headerAPIKeyID     = "X-Api-Key-Id"
	headerMonthlyLimit = "X-Monthly-Limit"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable error code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Meta is the response envelope header.
type Meta struct {
	Code int `json:"code"`
}

// Envelope wraps successful responses.
type Envelope struct {
	Meta     Meta `json:"meta"`
	Response any  `json:"response"`
}

// Handler serves the metering API.
type Handler struct {
	submit   *app.SubmitService
	query    *app.QueryService
	counters ports.CounterStore
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// NewHandler creates an API handler. The metrics collector may be nil.
func NewHandler(submit *app.SubmitService, query *app.QueryService, counters ports.CounterStore, logger zerolog.Logger, m *metrics.Collector) *Handler {
	return &Handler{
		submit:   submit,
		query:    query,
		counters: counters,
		logger:   logger.With().Str("component", "web").Logger(),
		metrics:  m,
	}
}

// submitRequest is the usage submission body. Identity comes from headers.
type submitRequest struct {
	Method         string    `json:"method"`
	Endpoint       string    `json:"endpoint"`
	StatusCode     int       `json:"statusCode"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
}

// HandleSubmitEvent accepts one usage event and returns 202. Submission is
// fire and forget: a publish failure never surfaces to the caller; only a
// request that cannot describe a valid event is rejected.
func (h *Handler) HandleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	customerID := r.Header.Get(headerCustomerID)
	if customerID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_IDENTITY", "X-Customer-Id header is required")
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_EVENT", "request body must be a JSON usage event")
		return
	}

	err := h.submit.Submit(r.Context(), app.Submission{
		CustomerID:     customerID,
		APIKeyID:       r.Header.Get(headerAPIKeyID),
		Method:         req.Method,
		Endpoint:       req.Endpoint,
		StatusCode:     req.StatusCode,
		ResponseTimeMs: req.ResponseTimeMs,
		Timestamp:      req.Timestamp,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_EVENT", err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// HandleGetUsage serves usage reports for the authenticated customer.
func (h *Handler) HandleGetUsage(w http.ResponseWriter, r *http.Request) {
	customerID := r.Header.Get(headerCustomerID)
	if customerID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_IDENTITY", "X-Customer-Id header is required")
		return
	}

	period := r.URL.Query().Get("period")
	limit := int64(-1)
	if v := r.Header.Get(headerMonthlyLimit); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.logger.Warn().Str("customer_id", customerID).Str("value", v).Msg("unparseable monthly limit header")
			writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "X-Monthly-Limit must be an integer")
			return
		}
		limit = n
	}

	report, err := h.query.Usage(r.Context(), app.QueryRequest{
		CustomerID:   customerID,
		APIKeyID:     r.Header.Get(headerAPIKeyID),
		MonthlyLimit: limit,
		Period:       usage.Period(period),
		Detailed:     r.URL.Query().Get("detailed") == "true",
	})
	if err != nil {
		if errors.Is(err, usage.ErrInvalidPeriod) {
			h.countQuery(period, "invalid")
			writeError(w, http.StatusBadRequest, "INVALID_PERIOD", "Period must be one of: today, month, hour")
			return
		}
		requestID := middleware.GetReqID(r.Context())
		h.logger.Error().Err(err).
			Str("customer_id", customerID).
			Str("period", period).
			Str("request_id", requestID).
			Msg("usage query failed")
		h.countQuery(period, "error")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Failed to retrieve usage data (request "+requestID+")")
		return
	}

	h.countQuery(report.Period, "ok")
	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, http.StatusOK, Envelope{Meta: Meta{Code: http.StatusOK}, Response: report})
}

// HandleHealth reports liveness plus counter-store reachability.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.counters.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *Handler) countQuery(period, status string) {
	if h.metrics == nil {
		return
	}
	if period == "" {
		period = string(usage.PeriodToday)
	}
	h.metrics.QueriesTotal.WithLabelValues(period, status).Inc()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}
