// Package telemetry backs the core.Telemetry port with OpenTelemetry.
// Span export follows whatever global tracer provider the host process
// installs; without one the API no-ops, which keeps the adapter safe to
// wire unconditionally.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/blopit/SwarmDirector-sub000/core"
)

// OTel adapts the OpenTelemetry tracer and meter to core.Telemetry.
type OTel struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// New creates an adapter scoped to the given instrumentation name.
func New(name string) *OTel {
	return &OTel{
		tracer:   otel.Tracer(name),
		meter:    otel.Meter(name),
		counters: make(map[string]metric.Float64Counter),
	}
}

// StartSpan opens a child span of whatever is in ctx.
func (t *OTel) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds value to a float64 counter named name, creating it on
// first use.
func (t *OTel) RecordMetric(name string, value float64, labels map[string]string) {
	counter, err := t.counter(name)
	if err != nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

func (t *OTel) counter(name string) (metric.Float64Counter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.counters[name]; ok {
		return c, nil
	}
	c, err := t.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	t.counters[name] = c
	return c, nil
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}
