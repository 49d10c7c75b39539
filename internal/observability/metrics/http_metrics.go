package metrics

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	TxReasonSerializationFailure = "serialization_failure"
	TxReasonDeadlock             = "deadlock"
	TxReasonLockTimeout          = "lock_timeout"
	TxReasonUniqueViolation      = "unique_violation"
	TxReasonDeadlineExceeded     = "deadline_exceeded"
	TxReasonUnknown              = "unknown"
)

// HTTPMetrics holds the prometheus instruments scraped from /metrics.
type HTTPMetrics struct {
	requests  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	txRetries *prometheus.CounterVec
}

// NewHTTPMetrics registers the HTTP and transaction instruments on the default registerer.
func NewHTTPMetrics(cfg Config) *HTTPMetrics {
	return newHTTPMetrics(prometheus.DefaultRegisterer, cfg)
}

func newHTTPMetrics(registerer prometheus.Registerer, cfg Config) *HTTPMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "commerce"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     strings.TrimSpace(cfg.Environment),
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "commerce_http_requests_total",
		Help:        "HTTP requests by route, method and status code.",
		ConstLabels: constLabels,
	}, []string{"route", "method", "status_code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "commerce_http_request_duration_seconds",
		Help:        "HTTP request latency by route and method.",
		ConstLabels: constLabels,
		Buckets:     prometheus.DefBuckets,
	}, []string{"route", "method"})
	txRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "commerce_db_tx_retries_total",
		Help:        "Transactions replayed after a retryable database error.",
		ConstLabels: constLabels,
	}, []string{"reason"})

	registerer.MustRegister(requests, duration, txRetries)

	return &HTTPMetrics{
		requests:  requests,
		duration:  duration,
		txRetries: txRetries,
	}
}

// GinMiddleware observes request counts and latency per matched route.
func (m *HTTPMetrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requests.WithLabelValues(route, c.Request.Method, status).Inc()
		m.duration.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// ObserveTxRetry records one replayed transaction.
func (m *HTTPMetrics) ObserveTxRetry(err error) {
	if m == nil {
		return
	}
	m.txRetries.WithLabelValues(ClassifyTxReason(err)).Inc()
}

// ClassifyTxReason maps a database error onto a bounded reason label.
func ClassifyTxReason(err error) string {
	if err == nil {
		return TxReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TxReasonDeadlineExceeded
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return TxReasonUniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001":
			return TxReasonSerializationFailure
		case "40P01":
			return TxReasonDeadlock
		case "55P03":
			return TxReasonLockTimeout
		case "23505":
			return TxReasonUniqueViolation
		}
	}
	return TxReasonUnknown
}
