package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hanpama/gqlflow/internal/eventbus"
	"github.com/hanpama/gqlflow/internal/events"
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/reqid"
)

func TestFetchEventsProduceSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	bus := eventbus.New()
	unsubscribe := Register(bus, tp.Tracer("test"))
	defer unsubscribe()

	op := operation.Make(operation.Query, operation.Request{Key: 9}, operation.Context{})
	ctx, _ := reqid.NewContext(context.Background())

	eventbus.Publish(ctx, bus, events.FetchStart{Operation: op, URL: "http://api/graphql", Method: "POST"})
	eventbus.Publish(ctx, bus, events.Debug{Event: operation.DebugEvent{Type: "fetchRequest", Operation: op}})
	eventbus.Publish(ctx, bus, events.FetchFinish{Operation: op, Status: 500, Err: errors.New("boom")})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "graphql.fetch", spans[0].Name())
	require.Len(t, spans[0].Events(), 2)
	assert.Equal(t, "fetchRequest", spans[0].Events()[0].Name)
}

func TestSubscriptionEventsProduceSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	bus := eventbus.New()
	defer Register(bus, tp.Tracer("test"))()

	op := operation.Make(operation.Subscription, operation.Request{Key: 3}, operation.Context{})
	ctx, _ := reqid.NewContext(context.Background())
	eventbus.Publish(ctx, bus, events.SubscriptionStart{Operation: op})
	assert.Empty(t, sr.Ended())
	eventbus.Publish(ctx, bus, events.SubscriptionFinish{Operation: op, Results: 2})
	assert.Len(t, sr.Ended(), 1)
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(eventbus.New(), "", "gqlflow")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
