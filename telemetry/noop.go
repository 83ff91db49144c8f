package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// The noop implementations back every component's default options, so an
// engine wired without observability runs silent instead of nil-checking
// each seam at every call site.
type (
	// NoopLogger drops every log record.
	NoopLogger struct{}

	// NoopMetrics drops every counter, timer and gauge sample.
	NoopMetrics struct{}

	// NoopTracer hands out spans that record nothing.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger returns the silent Logger used as the option default.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// NewNoopMetrics returns the silent Metrics recorder used as the option default.
func NewNoopMetrics() Metrics {
	return NoopMetrics{}
}

// NewNoopTracer returns the silent Tracer used as the option default.
func NewNoopTracer() Tracer {
	return NoopTracer{}
}

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (NoopMetrics) RecordGauge(string, float64, ...string)       {}

// Start leaves the context untouched; downstream spans stay no-ops too.
func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracer) Span(context.Context) Span { return noopSpan{} }

func (noopSpan) End(...trace.SpanEndOption)              {}
func (noopSpan) AddEvent(string, ...any)                 {}
func (noopSpan) SetStatus(codes.Code, string)            {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}
