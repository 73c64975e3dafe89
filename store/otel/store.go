// Package otel provides OpenTelemetry instrumentation for snapshot stores.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/ews/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/ews/store/otel"

// Store wraps a store.Store with spans and metrics.
type Store struct {
	backend store.Store
	opts    *options

	tracer trace.Tracer

	duration metric.Float64Histogram
	count    metric.Int64Counter
	errors   metric.Int64Counter
	members  metric.Int64Histogram
}

// Ensure Store implements store.Store.
var (
	_ store.Store       = (*Store)(nil)
	_ store.MemberIndex = (*Store)(nil)
)

// New wraps backend.
func New(backend store.Store, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("otel: backend is required")
	}
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "ews",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{backend: backend, opts: o}
	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	s.duration, err = meter.Float64Histogram(
		"ews.store.duration",
		metric.WithDescription("Duration of snapshot store operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.count, err = meter.Int64Counter(
		"ews.store.count",
		metric.WithDescription("Number of snapshot store operations"),
	)
	if err != nil {
		return err
	}

	s.errors, err = meter.Int64Counter(
		"ews.store.errors",
		metric.WithDescription("Number of failed snapshot store operations"),
	)
	if err != nil {
		return err
	}

	s.members, err = meter.Int64Histogram(
		"ews.store.snapshot.members",
		metric.WithDescription("Members per saved snapshot"),
	)
	return err
}

// Unwrap returns the wrapped store.
func (s *Store) Unwrap() store.Store {
	return s.backend
}

func (s *Store) Connect(ctx context.Context) error {
	return s.backend.Connect(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}

// Save records the snapshot with tracing and metrics.
func (s *Store) Save(ctx context.Context, e *store.Expansion) (err error) {
	var address string
	if e != nil {
		address = e.Address
	}
	ctx, done := s.start(ctx, "save", attribute.String("ews.address", address))
	defer func() { done(err) }()

	err = s.backend.Save(ctx, e)
	if err == nil && s.opts.metricsEnabled {
		s.members.Record(ctx, int64(len(e.Members)), metric.WithAttributes(
			attribute.String("service.name", s.opts.serviceName),
		))
	}
	return err
}

// Latest loads the newest snapshot with tracing and metrics.
// ErrNotFound is not counted as an error.
func (s *Store) Latest(ctx context.Context, address string) (_ *store.Expansion, err error) {
	ctx, done := s.start(ctx, "latest", attribute.String("ews.address", address))
	defer func() { done(err) }()
	return s.backend.Latest(ctx, address)
}

// History loads snapshots with tracing and metrics.
func (s *Store) History(ctx context.Context, address string, limit int) (_ []*store.Expansion, err error) {
	ctx, done := s.start(ctx, "history",
		attribute.String("ews.address", address),
		attribute.Int("ews.limit", limit),
	)
	defer func() { done(err) }()
	return s.backend.History(ctx, address, limit)
}

// ContainingMember delegates to the backend when it implements
// store.MemberIndex and returns store.ErrUnsupported otherwise.
func (s *Store) ContainingMember(ctx context.Context, member string) (_ []string, err error) {
	idx, ok := s.backend.(store.MemberIndex)
	if !ok {
		return nil, store.ErrUnsupported
	}
	ctx, done := s.start(ctx, "containing_member")
	defer func() { done(err) }()
	return idx.ContainingMember(ctx, member)
}

// start opens a span and returns a func that records the outcome.
func (s *Store) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs,
		attribute.String("ews.store.operation", op),
		attribute.String("service.name", s.opts.serviceName),
	)

	var span trace.Span
	if s.opts.tracingEnabled && s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "ews.store."+op,
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindClient),
		)
	}
	start := time.Now()

	return ctx, func(err error) {
		failed := err != nil && !errors.Is(err, store.ErrNotFound)

		if s.opts.metricsEnabled {
			metricAttrs := metric.WithAttributes(
				attribute.String("ews.store.operation", op),
				attribute.String("service.name", s.opts.serviceName),
			)
			s.duration.Record(ctx, time.Since(start).Seconds(), metricAttrs)
			s.count.Add(ctx, 1, metricAttrs)
			if failed {
				s.errors.Add(ctx, 1, metricAttrs)
			}
		}

		if span == nil {
			return
		}
		if failed {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}
