package logger

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obscontext "github.com/smallbiznis/commerce/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// MiddlewareConfig controls request logging behavior.
type MiddlewareConfig struct {
	Debug           bool
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware logs one line per request. Identifiers that tie the request
// to ledger rows (entitlement, provider, webhook event) are attached when the
// route carries them; bodies and idempotency key values never are.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := ensureRequestID(c)
		c.Request = c.Request.WithContext(obscontext.WithRequestID(c.Request.Context(), requestID))

		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if strings.TrimSpace(route) == "" {
			route = "unknown"
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes_out", max(c.Writer.Size(), 0)),
		}
		fields = append(fields, routeFields(c)...)

		var errorType, errorCode string
		if lastErr := c.Errors.Last(); lastErr != nil {
			if cfg.ErrorClassifier != nil {
				errorType, errorCode = cfg.ErrorClassifier(lastErr.Err)
			}
			fields = append(fields,
				zap.String("error_type", errorType),
				zap.String("error_code", errorCode),
			)
			if cfg.Debug {
				fields = append(fields, zap.Error(lastErr.Err))
			}
		}

		level := requestLevel(route, status, errorType)
		if ce := FromContext(c.Request.Context()).Check(level, "http_request"); ce != nil {
			ce.Write(fields...)
		}
	}
}

func routeFields(c *gin.Context) []zap.Field {
	var fields []zap.Field
	if id := strings.TrimSpace(c.Param("id")); id != "" {
		fields = append(fields, zap.String("resource_id", id))
	}
	if provider := strings.TrimSpace(c.Param("provider")); provider != "" {
		fields = append(fields, zap.String("provider", provider))
	}
	if eventID := strings.TrimSpace(c.GetString("event_id")); eventID != "" {
		fields = append(fields, zap.String("event_id", eventID))
	}
	if c.GetHeader("Idempotency-Key") != "" {
		fields = append(fields, zap.Bool("idempotency_key", true))
	}
	return fields
}

func ensureRequestID(c *gin.Context) string {
	requestID := strings.TrimSpace(c.GetHeader("X-Request-Id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header("X-Request-Id", requestID)
	return requestID
}

// requestLevel keeps expected outcomes quiet. Provider retries land on
// conflicts and rate limits routinely, so those are not warnings.
func requestLevel(route string, status int, errorType string) zapcore.Level {
	switch {
	case route == "/metrics" || route == "/health":
		return zap.DebugLevel
	case status >= http.StatusInternalServerError:
		if errorType == "transient" {
			return zap.WarnLevel
		}
		return zap.ErrorLevel
	case strings.HasPrefix(route, "/webhooks/") && status >= http.StatusBadRequest:
		return zap.DebugLevel
	case status == http.StatusConflict || status == http.StatusTooManyRequests:
		return zap.DebugLevel
	default:
		return zap.InfoLevel
	}
}
