package ews

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/ews"
)

// otelInstrumentation holds OpenTelemetry instrumentation shared by
// sessions and resolvers.
type otelInstrumentation struct {
	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	// Directory requests
	requestLatency metric.Float64Histogram
	requestCount   metric.Int64Counter
	requestErrors  metric.Int64Counter

	// Top-level resolutions
	resolveLatency   metric.Float64Histogram
	resolveCount     metric.Int64Counter
	resolveErrors    metric.Int64Counter
	resolveAddresses metric.Int64Histogram
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	o.requestLatency, err = meter.Float64Histogram(
		"ews.request.duration",
		metric.WithDescription("Duration of directory requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.requestCount, err = meter.Int64Counter(
		"ews.request.count",
		metric.WithDescription("Number of directory requests"),
	)
	if err != nil {
		return err
	}

	o.requestErrors, err = meter.Int64Counter(
		"ews.request.errors",
		metric.WithDescription("Number of failed directory requests"),
	)
	if err != nil {
		return err
	}

	o.resolveLatency, err = meter.Float64Histogram(
		"ews.resolve.duration",
		metric.WithDescription("Duration of top-level resolutions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	o.resolveCount, err = meter.Int64Counter(
		"ews.resolve.count",
		metric.WithDescription("Number of top-level resolutions"),
	)
	if err != nil {
		return err
	}

	o.resolveErrors, err = meter.Int64Counter(
		"ews.resolve.errors",
		metric.WithDescription("Number of failed top-level resolutions"),
	)
	if err != nil {
		return err
	}

	o.resolveAddresses, err = meter.Int64Histogram(
		"ews.resolve.addresses",
		metric.WithDescription("Distinct addresses queried per top-level resolution"),
	)
	if err != nil {
		return err
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned function ends the span, recording err when non-nil.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(kind),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordRequest records directory request metrics.
func (o *otelInstrumentation) recordRequest(ctx context.Context, duration time.Duration, operation string, err error) {
	if !o.metricsEnabled {
		return
	}

	code := "NoError"
	if se, ok := IsServiceError(err); ok {
		code = se.Code
	} else if err != nil {
		code = "TransportError"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("response_code", code),
	)

	o.requestLatency.Record(ctx, duration.Seconds(), attrs)
	o.requestCount.Add(ctx, 1, attrs)
	if err != nil {
		o.requestErrors.Add(ctx, 1, attrs)
	}
}

// recordResolve records top-level resolution metrics.
func (o *otelInstrumentation) recordResolve(ctx context.Context, duration time.Duration, queried, members int, err error) {
	if !o.metricsEnabled {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Int("member_count", members),
	)

	o.resolveLatency.Record(ctx, duration.Seconds(), attrs)
	o.resolveCount.Add(ctx, 1, attrs)
	o.resolveAddresses.Record(ctx, int64(queried))
	if err != nil {
		o.resolveErrors.Add(ctx, 1, attrs)
	}
}
