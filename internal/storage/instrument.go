package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "sessioncore/internal/storage"

// instrumented wraps a Store with a span, an operation counter and a latency histogram per call.
type instrumented[R Record] struct {
	next       Store[R]
	collection string
	tracer     trace.Tracer
	ops        metric.Int64Counter
	latency    metric.Float64Histogram
}

// Instrument decorates next so every call is traced and measured under collection.
// Outcomes are recorded as "ok", "not_found", "duplicate" or "error".
func Instrument[R Record](next Store[R], collection string, tp trace.TracerProvider, mp metric.MeterProvider) (Store[R], error) {
	meter := mp.Meter(instrumentationName)
	ops, err := meter.Int64Counter("storage.operations",
		metric.WithDescription("Storage operations by collection, operation and outcome."))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("storage.operation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Storage operation latency."))
	if err != nil {
		return nil, err
	}
	return &instrumented[R]{
		next:       next,
		collection: collection,
		tracer:     tp.Tracer(instrumentationName),
		ops:        ops,
		latency:    latency,
	}, nil
}

func (s *instrumented[R]) observe(ctx context.Context, op string, id uint64, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "storage."+op, trace.WithAttributes(
		attribute.String("storage.collection", s.collection),
		attribute.String("storage.record_id", FormatID(id)),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	outcome := outcomeOf(err)
	attrs := metric.WithAttributes(
		attribute.String("collection", s.collection),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	)
	s.ops.Add(ctx, 1, attrs)
	s.latency.Record(ctx, time.Since(start).Seconds(), attrs)

	span.SetAttributes(attribute.String("storage.outcome", outcome))
	if outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	default:
		return "error"
	}
}

func (s *instrumented[R]) Insert(ctx context.Context, rec R, fields []string) error {
	return s.observe(ctx, "insert", rec.RecordID(), func(ctx context.Context) error {
		return s.next.Insert(ctx, rec, fields)
	})
}

func (s *instrumented[R]) FindByID(ctx context.Context, id uint64, fields []string) (R, error) {
	var out R
	err := s.observe(ctx, "find", id, func(ctx context.Context) error {
		var err error
		out, err = s.next.FindByID(ctx, id, fields)
		return err
	})
	return out, err
}

func (s *instrumented[R]) UpdateByID(ctx context.Context, rec R, fields []string) error {
	return s.observe(ctx, "update", rec.RecordID(), func(ctx context.Context) error {
		return s.next.UpdateByID(ctx, rec, fields)
	})
}

func (s *instrumented[R]) DeleteByID(ctx context.Context, id uint64) error {
	return s.observe(ctx, "delete", id, func(ctx context.Context) error {
		return s.next.DeleteByID(ctx, id)
	})
}
