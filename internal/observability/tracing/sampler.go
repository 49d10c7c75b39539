package tracing

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const routeKey = attribute.Key("http.route")

// RouteSampler records every span started for a matching http.route and
// defers to base for the rest. A lost refund or webhook trace is the one
// an operator needs when reconciling a player's ledger.
type RouteSampler struct {
	base     sdktrace.Sampler
	prefixes []string
}

func NewRouteSampler(base sdktrace.Sampler, prefixes []string) *RouteSampler {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &RouteSampler{base: base, prefixes: cleaned}
}

func (s *RouteSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range p.Attributes {
		if attr.Key != routeKey {
			continue
		}
		if s.matches(attr.Value.AsString()) {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
			}
		}
		break
	}
	return s.base.ShouldSample(p)
}

func (s *RouteSampler) matches(route string) bool {
	for _, prefix := range s.prefixes {
		if strings.HasPrefix(route, prefix) {
			return true
		}
	}
	return false
}

func (s *RouteSampler) Description() string {
	return "RouteSampler{" + strings.Join(s.prefixes, ",") + "}+" + s.base.Description()
}

var _ sdktrace.Sampler = (*RouteSampler)(nil)
