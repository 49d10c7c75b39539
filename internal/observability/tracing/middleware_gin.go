package tracing

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/commerce/internal/observability/context"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type MiddlewareConfig struct {
	// ErrorClassifier maps a handler error to its response type and code.
	ErrorClassifier func(err error) (string, string)
}

// GinMiddleware opens one server span per request. The matched route is set
// at start so RouteSampler can see it; ledger identifiers from the path and
// the classified error are added once the handler returns.
func GinMiddleware(cfg MiddlewareConfig) gin.HandlerFunc {
	tracer := otel.Tracer("commerce/http")
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		method := strings.ToUpper(c.Request.Method)

		ctx := ExtractContext(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", method),
				routeKey.String(route),
			),
		)
		defer span.End()

		if requestID := obscontext.RequestIDFromContext(ctx); requestID != "" {
			if member, err := baggage.NewMember("request_id", requestID); err == nil {
				if bag, err := baggage.New(member); err == nil {
					ctx = baggage.ContextWithBaggage(ctx, bag)
				}
			}
			span.SetAttributes(attribute.String("request_id", requestID))
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(SafeAttributes(commerceAttributes(c, status)...)...)

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}
		var errorType string
		if cfg.ErrorClassifier != nil {
			var code string
			errorType, code = cfg.ErrorClassifier(lastErr.Err)
			span.SetAttributes(
				attribute.String("commerce.error_type", errorType),
				attribute.String("commerce.error_code", code),
			)
		}
		// Transient failures are retried by the caller with the same key and
		// are not failures of this request's contract.
		if status >= http.StatusInternalServerError && errorType != "transient" {
			if safeErr := SafeError(lastErr.Err); safeErr != nil {
				span.RecordError(safeErr)
			}
			span.SetStatus(codes.Error, errorType)
		}
	}
}

func commerceAttributes(c *gin.Context, status int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int("http.status_code", status),
		attribute.Bool("commerce.idempotency_key", c.GetHeader("Idempotency-Key") != ""),
	}
	if id := c.Param("id"); id != "" {
		attrs = append(attrs, attribute.String("commerce.resource_id", id))
	}
	if provider := c.Param("provider"); provider != "" {
		attrs = append(attrs, attribute.String("commerce.provider", strings.ToLower(provider)))
	}
	if eventID := c.GetString("event_id"); eventID != "" {
		attrs = append(attrs, attribute.String("commerce.event_id", eventID))
	}
	if actorType, _ := obscontext.ActorFromContext(c.Request.Context()); actorType != "" {
		attrs = append(attrs, attribute.String("commerce.actor_type", actorType))
	}
	return attrs
}
