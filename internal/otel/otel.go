package otel

import (
	"context"
	"sync"

	"github.com/hanpama/gqlflow/internal/eventbus"
	"github.com/hanpama/gqlflow/internal/events"
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches subscribers to bus.
// If endpoint is empty, no telemetry is configured.
func Setup(bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	unsubscribe := Register(bus, tp.Tracer("gqlflow"))

	return func(ctx context.Context) error {
		unsubscribe()
		return tp.Shutdown(ctx)
	}, nil
}

// Register opens and closes spans for the fetch and subscription events
// published on bus. Debug events become span events on the open span of
// their operation.
func Register(bus *eventbus.Bus, tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

type subscriber struct {
	tracer     trace.Tracer
	fetchSpans sync.Map // rid -> trace.Span
	subSpans   sync.Map // rid -> trace.Span
	opSpans    sync.Map // operation.Key -> trace.Span
}

func operationAttributes(op *operation.Operation) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("graphql.operation.name", op.Name()),
		attribute.String("graphql.operation.type", op.Kind.String()),
		attribute.Int64("gqlflow.operation.key", int64(op.Key)),
	}
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.FetchStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "graphql.fetch")
			span.SetAttributes(operationAttributes(e.Operation)...)
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Method),
				semconv.HTTPURLKey.String(e.URL),
			)
			s.fetchSpans.Store(rid, span)
			s.opSpans.Store(e.Operation.Key, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.FetchFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.fetchSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			s.opSpans.CompareAndDelete(e.Operation.Key, span)
			if e.Status != 0 {
				span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			}
			span.SetAttributes(attribute.Bool("gqlflow.aborted", e.Aborted))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.SubscriptionStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "graphql.subscription")
			span.SetAttributes(operationAttributes(e.Operation)...)
			s.subSpans.Store(rid, span)
			s.opSpans.Store(e.Operation.Key, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.SubscriptionFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.subSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			s.opSpans.CompareAndDelete(e.Operation.Key, span)
			span.SetAttributes(attribute.Int("gqlflow.result_count", e.Results))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(bus, func(_ context.Context, e events.Debug) {
			if e.Event.Operation == nil {
				return
			}
			v, ok := s.opSpans.Load(e.Event.Operation.Key)
			if !ok {
				return
			}
			v.(trace.Span).AddEvent(e.Event.Type, trace.WithAttributes(
				attribute.String("message", e.Event.Message),
				attribute.String("source", e.Event.Source),
			))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
