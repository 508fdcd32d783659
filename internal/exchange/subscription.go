package exchange

import (
	"context"
	"time"

	"github.com/hanpama/gqlflow/internal/eventbus"
	"github.com/hanpama/gqlflow/internal/events"
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/reqid"
	"github.com/hanpama/gqlflow/internal/result"
	"github.com/hanpama/gqlflow/internal/stream"
)

// SubscriptionSink receives the payloads of a forwarded subscription. Its
// methods may be called from any goroutine.
type SubscriptionSink interface {
	Next(payload map[string]any)
	// Error ends the subscription with a transport error.
	Error(err error)
	// GraphQLErrors ends the subscription with protocol errors.
	GraphQLErrors(errs []any)
	Complete()
}

// SubscriptionForwarder starts a subscription on a transport. Cancelling
// stops it; no sink method is called after cancel returns.
type SubscriptionForwarder interface {
	Subscribe(ctx context.Context, body Body, op *operation.Operation, sink SubscriptionSink) (cancel func())
}

// SubscriptionForwarderFunc adapts a function to SubscriptionForwarder.
type SubscriptionForwarderFunc func(ctx context.Context, body Body, op *operation.Operation, sink SubscriptionSink) func()

func (f SubscriptionForwarderFunc) Subscribe(ctx context.Context, body Body, op *operation.Operation, sink SubscriptionSink) func() {
	return f(ctx, body, op, sink)
}

// SubscriptionOptions configures the subscription exchange.
type SubscriptionOptions struct {
	Forwarder SubscriptionForwarder
	// EnableAllOperations routes queries and mutations to the forwarder too.
	EnableAllOperations bool
	// IsSubscriptionOperation overrides which operations are routed.
	IsSubscriptionOperation func(*operation.Operation) bool
	Bus                     *eventbus.Bus
}

// Subscription returns the exchange that hands subscriptions to a
// SubscriptionForwarder. A completed subscription issues a teardown for its
// key so the client releases it.
func Subscription(opts SubscriptionOptions) Exchange {
	routes := opts.IsSubscriptionOperation
	if routes == nil {
		routes = func(op *operation.Operation) bool {
			if op.Kind == operation.Subscription {
				return true
			}
			return opts.EnableAllOperations && (op.Kind == operation.Query || op.Kind == operation.Mutation)
		}
	}
	return Exchange{
		Name: "subscriptionExchange",
		New: func(in Input) IO {
			return func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
				subscribed := stream.MergeMap(func(op *operation.Operation) stream.Source[*operation.Result] {
					teardown := stream.Filter(teardownOf(op.Key))(ops)
					return stream.TakeUntil[*operation.Result](teardown)(subscriptionSource(in, opts, op))
				})(stream.Filter(func(op *operation.Operation) bool {
					return op.Kind != operation.Teardown && routes(op)
				})(ops))

				forwarded := in.Forward(stream.Filter(func(op *operation.Operation) bool {
					return op.Kind == operation.Teardown || !routes(op)
				})(ops))

				return stream.Merge(subscribed, forwarded)
			}
		},
	}
}

func subscriptionSource(in Input, opts SubscriptionOptions, op *operation.Operation) stream.Source[*operation.Result] {
	return stream.Make(func(obs stream.Observer[*operation.Result]) func() {
		ctx, cancel := context.WithCancel(context.Background())
		ctx, _ = reqid.NewContext(ctx)
		s := &subscriptionState{
			in:    in,
			op:    op,
			obs:   obs,
			bus:   opts.Bus,
			ctx:   ctx,
			start: time.Now(),
		}
		eventbus.Publish(ctx, opts.Bus, events.SubscriptionStart{Operation: op})
		stop := opts.Forwarder.Subscribe(ctx, MakeBody(op), op, s)
		return func() {
			s.finish(nil)
			cancel()
			if stop != nil {
				stop()
			}
		}
	})
}

// subscriptionState adapts an Observer to SubscriptionSink. Every sink call
// is moved onto the client loop, where the remaining fields are confined.
type subscriptionState struct {
	in  Input
	op  *operation.Operation
	obs stream.Observer[*operation.Result]
	bus *eventbus.Bus
	ctx context.Context

	start    time.Time
	last     *operation.Result
	results  int
	complete bool
}

func (s *subscriptionState) next(payload map[string]any) {
	if s.complete {
		return
	}
	var res *operation.Result
	if s.last == nil {
		var err error
		res, err = result.MakeResult(s.op, payload, nil)
		if err != nil {
			return
		}
	} else {
		res = result.MergeResultPatch(s.last, payload, nil, nil)
	}
	s.last = res
	s.results++
	s.obs.Next(res)
}

func (s *subscriptionState) finish(err error) {
	if s.complete {
		return
	}
	s.complete = true
	eventbus.Publish(s.ctx, s.bus, events.SubscriptionFinish{
		Operation: s.op,
		Results:   s.results,
		Err:       err,
		Duration:  time.Since(s.start),
	})
}

func (s *subscriptionState) Next(payload map[string]any) {
	s.in.Client.Run(func() { s.next(payload) })
}

func (s *subscriptionState) Error(err error) {
	s.in.Client.Run(func() {
		if s.complete {
			return
		}
		s.obs.Next(result.MakeErrorResult(s.op, err, nil))
		s.finish(err)
		s.obs.Complete()
	})
}

func (s *subscriptionState) GraphQLErrors(errs []any) {
	s.in.Client.Run(func() {
		if s.complete {
			return
		}
		s.next(map[string]any{"errors": errs, "hasNext": false})
		s.finish(nil)
		s.obs.Complete()
	})
}

func (s *subscriptionState) Complete() {
	s.in.Client.Run(func() {
		if s.complete {
			return
		}
		if s.op.Kind == operation.Subscription {
			s.in.Client.ReexecuteOperation(operation.Derive(operation.Teardown, s.op))
		}
		if s.last != nil && s.last.HasNext {
			s.next(map[string]any{"hasNext": false})
		}
		s.finish(nil)
		s.obs.Complete()
	})
}
