package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestRouteSamplerKeepsMoneyRoutes(t *testing.T) {
	sampler := NewRouteSampler(sdktrace.NeverSample(), []string{"/webhooks/", " /api/refunds ", ""})

	decide := func(route string) sdktrace.SamplingDecision {
		return sampler.ShouldSample(sdktrace.SamplingParameters{
			ParentContext: context.Background(),
			TraceID:       trace.TraceID{1},
			Name:          "POST " + route,
			Kind:          trace.SpanKindServer,
			Attributes:    []attribute.KeyValue{routeKey.String(route)},
		}).Decision
	}

	assert.Equal(t, sdktrace.RecordAndSample, decide("/webhooks/:provider"))
	assert.Equal(t, sdktrace.RecordAndSample, decide("/api/refunds"))
	assert.Equal(t, sdktrace.Drop, decide("/api/skus"))
	assert.Contains(t, sampler.Description(), "/api/refunds")
}

var (
	errMissing = errors.New("entitlement_not_found")
	errBusy    = errors.New("transient_failure")
	errBoom    = errors.New("boom")
)

func classify(err error) (string, string) {
	switch {
	case errors.Is(err, errMissing):
		return "not_found", errMissing.Error()
	case errors.Is(err, errBusy):
		return "transient", errBusy.Error()
	}
	return "internal", "internal_error"
}

func TestGinMiddlewareRecordsCommerceAttributes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	engine := gin.New()
	engine.Use(GinMiddleware(MiddlewareConfig{ErrorClassifier: classify}))
	fail := func(status int, err error) gin.HandlerFunc {
		return func(c *gin.Context) {
			_ = c.Error(err)
			c.AbortWithStatus(status)
		}
	}
	engine.GET("/api/entitlements/:id", fail(http.StatusNotFound, errMissing))
	engine.POST("/webhooks/:provider", fail(http.StatusServiceUnavailable, errBusy))
	engine.POST("/api/refunds", fail(http.StatusInternalServerError, errBoom))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/entitlements/42", nil),
		httptest.NewRequest(http.MethodPost, "/webhooks/Stripe", nil),
		httptest.NewRequest(http.MethodPost, "/api/refunds", nil),
	} {
		engine.ServeHTTP(httptest.NewRecorder(), req)
	}

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	attrs := func(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
		out := map[attribute.Key]attribute.Value{}
		for _, kv := range s.Attributes() {
			out[kv.Key] = kv.Value
		}
		return out
	}

	lookup := spans[0]
	assert.Equal(t, "GET /api/entitlements/:id", lookup.Name())
	assert.Equal(t, "42", attrs(lookup)["commerce.resource_id"].AsString())
	assert.Equal(t, "entitlement_not_found", attrs(lookup)["commerce.error_code"].AsString())
	assert.EqualValues(t, http.StatusNotFound, attrs(lookup)["http.status_code"].AsInt64())
	assert.Equal(t, codes.Unset, lookup.Status().Code)

	webhook := spans[1]
	assert.Equal(t, "stripe", attrs(webhook)["commerce.provider"].AsString())
	assert.Equal(t, "transient", attrs(webhook)["commerce.error_type"].AsString())
	assert.Equal(t, codes.Unset, webhook.Status().Code)

	refund := spans[2]
	assert.Equal(t, codes.Error, refund.Status().Code)
	assert.Len(t, refund.Events(), 1)
}
