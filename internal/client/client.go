// Package client implements the dispatcher: it turns requests into shared,
// replayable result streams and feeds their operations through the exchange
// chain.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hanpama/gqlflow/internal/eventbus"
	"github.com/hanpama/gqlflow/internal/events"
	"github.com/hanpama/gqlflow/internal/exchange"
	"github.com/hanpama/gqlflow/internal/language"
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/request"
	"github.com/hanpama/gqlflow/internal/stream"
)

// ErrOperationKindMismatch is returned when a document's operation type does
// not match the kind it is executed as.
var ErrOperationKindMismatch = errors.New("operation kind mismatch")

// Client dispatches operations through an exchange chain. At most one
// query or subscription per key is in flight; consumers of the same key share
// one result stream.
//
// All stream callbacks run on the client loop (see Run). The dispatcher state
// below is confined to it.
type Client struct {
	url    string
	opt    Options
	logger *zap.Logger
	bus    *eventbus.Bus
	keyer  *request.Keyer
	loop   loop

	operations *stream.Subject[*operation.Operation]
	results    stream.Source[*operation.Result]
	published  stream.Subscription

	ids        atomic.Uint64
	replays    map[operation.Key]*operation.Result
	active     map[operation.Key]stream.Source[*operation.Result]
	dispatched map[operation.Key]struct{}
	queue      []*operation.Operation
	draining   bool
}

// New creates a client sending operations to url.
func New(url string, opts ...Option) *Client {
	opt := Options{Debug: true}
	for _, f := range opts {
		f(&opt)
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.New()
	}
	if opt.Keyer == nil {
		opt.Keyer = request.NewKeyer(request.DefaultCacheSize)
	}
	if opt.Exchanges == nil {
		opt.Exchanges = []exchange.Exchange{
			exchange.Dedup,
			exchange.Cache(exchange.CacheOptions{}),
			exchange.Fetch(exchange.FetchOptions{Bus: opt.Bus}),
		}
	}

	c := &Client{
		url:        url,
		opt:        opt,
		logger:     opt.Logger,
		bus:        opt.Bus,
		keyer:      opt.Keyer,
		operations: stream.NewSubject[*operation.Operation](),
		replays:    make(map[operation.Key]*operation.Result),
		active:     make(map[operation.Key]stream.Source[*operation.Result]),
		dispatched: make(map[operation.Key]struct{}),
	}

	in := exchange.Input{Client: loopClient{c}, DispatchDebug: c.dispatchDebug, Logger: c.logger}
	fallback := exchange.Compose(exchange.Fallback).New(in)
	in.Forward = fallback
	composed := exchange.Compose(opt.Exchanges...).New(in)

	c.results = stream.Share(composed(c.operations.Source()))
	c.Run(func() { c.published = stream.Publish(c.results) })
	return c
}

// Close stops the exchange chain. Live result streams stop receiving results.
func (c *Client) Close() {
	c.Run(func() {
		if c.published != nil {
			c.published.Unsubscribe()
			c.published = nil
		}
	})
}

// Run executes fn on the client loop. Callbacks never run concurrently; fn is
// queued behind the running callback if the loop is busy, so Run may return
// before fn has run.
func (c *Client) Run(fn func()) { c.loop.run(fn) }

// do runs fn on the loop and waits for it. It must not be called from a
// loop callback.
func (c *Client) do(fn func()) {
	done := make(chan struct{})
	c.Run(func() {
		defer close(done)
		fn()
	})
	<-done
}

// Logger returns the client logger.
func (c *Client) Logger() *zap.Logger { return c.logger }

// Bus returns the event bus the client publishes on.
func (c *Client) Bus() *eventbus.Bus { return c.bus }

func (c *Client) dispatchDebug(e operation.DebugEvent) {
	if !c.opt.Debug || !eventbus.Has[events.Debug](c.bus) {
		return
	}
	eventbus.Publish(context.Background(), c.bus, events.Debug{Event: e})
}

// SubscribeToDebugTarget calls fn for every debug event dispatched by the
// exchanges.
func (c *Client) SubscribeToDebugTarget(fn func(operation.DebugEvent)) (unsubscribe func()) {
	return eventbus.Subscribe(c.bus, func(_ context.Context, e events.Debug) { fn(e.Event) })
}

// CreateRequest keys query and variables with the client's keyer.
func (c *Client) CreateRequest(query string, variables map[string]any) (operation.Request, error) {
	return c.keyer.CreateRequest(query, variables)
}

// CreateRequestOperation binds req to kind and a context made of the client
// defaults and opts. Mutations get a fresh instance tag.
func (c *Client) CreateRequestOperation(kind operation.Kind, req operation.Request, opts ...ContextOption) (*operation.Operation, error) {
	if kind != operation.Teardown {
		docType, ok := language.OperationType(req.Query)
		if !ok {
			return nil, fmt.Errorf("%w: expected %s but the document has no operation", ErrOperationKindMismatch, kind)
		}
		if docKind, _ := operation.KindOf(docType); docKind != kind {
			return nil, fmt.Errorf("%w: expected %s but found %s", ErrOperationKindMismatch, kind, docType)
		}
	}
	ctx := operation.Context{
		URL:                c.url,
		RequestPolicy:      c.opt.RequestPolicy,
		FetchOptions:       c.opt.FetchOptions,
		PreferGetMethod:    c.opt.PreferGetMethod,
		FetchSubscriptions: c.opt.FetchSubscriptions,
	}
	ctx = ctx.Clone()
	for _, f := range opts {
		f(&ctx)
	}
	if kind == operation.Mutation {
		ctx.Instance = c.ids.Add(1)
	}
	return operation.Make(kind, req, ctx), nil
}

// ExecuteRequestOperation returns the result stream of op. Nothing is sent
// until the stream is subscribed.
func (c *Client) ExecuteRequestOperation(op *operation.Operation) *ResultSource {
	if op.Kind == operation.Mutation {
		return &ResultSource{c: c, op: op, src: c.makeResultSource(op)}
	}
	src := stream.Lazy(func() stream.Source[*operation.Result] {
		shared, ok := c.active[op.Key]
		if !ok {
			shared = c.makeResultSource(op)
			c.active[op.Key] = shared
		}
		started := stream.OnStart[*operation.Result](func() { c.dispatchOperation(op) })(shared)

		replay := c.replays[op.Key]
		if op.Kind == operation.Query && replay != nil && (replay.Stale || replay.HasNext) {
			once := stream.Filter(func(r *operation.Result) bool {
				return r == c.replays[op.Key]
			})(stream.FromValue(replay))
			return stream.Merge(started, once)
		}
		return started
	})
	return &ResultSource{c: c, op: op, src: src}
}

// ReexecuteOperation sends op through the chain again. Teardowns go out
// immediately; mutations are always queued; queries and subscriptions are
// queued only while their key has a consumer. It is safe to call from any
// goroutine.
func (c *Client) ReexecuteOperation(op *operation.Operation) {
	c.Run(func() { c.reexecuteOperation(op) })
}

// reexecuteOperation enqueues op and drains the queue. It must run on the
// loop.
func (c *Client) reexecuteOperation(op *operation.Operation) {
	switch op.Kind {
	case operation.Teardown:
		c.dispatchOperation(op)
		return
	case operation.Mutation:
		c.queue = append(c.queue, op)
	default:
		if _, ok := c.active[op.Key]; !ok {
			return
		}
		queued := false
		for i, q := range c.queue {
			if q.Key == op.Key {
				c.queue[i] = op
				queued = true
			}
		}
		_, inFlight := c.dispatched[op.Key]
		if !queued && (!inFlight || op.Context.RequestPolicy == operation.NetworkOnly) {
			c.queue = append(c.queue, op)
		} else {
			delete(c.dispatched, op.Key)
		}
	}
	c.Run(func() { c.dispatchOperation(nil) })
}

// loopClient is the Client as exchanges see it. Exchanges only run on the
// loop, so reexecution enqueues synchronously and a stale result can see its
// own refetch in the queue.
type loopClient struct{ c *Client }

func (l loopClient) ReexecuteOperation(op *operation.Operation) { l.c.reexecuteOperation(op) }

func (l loopClient) Run(fn func()) { l.c.Run(fn) }

// nextOperation pushes op into the chain unless a query or subscription with
// the same key is already in flight.
func (c *Client) nextOperation(op *operation.Operation) {
	switch op.Kind {
	case operation.Teardown:
		delete(c.dispatched, op.Key)
	case operation.Mutation:
	default:
		if _, ok := c.dispatched[op.Key]; ok {
			return
		}
		c.dispatched[op.Key] = struct{}{}
	}
	c.operations.Next(op)
}

// dispatchOperation sends op, then drains the queue unless a drain is
// already running further up the stack.
func (c *Client) dispatchOperation(op *operation.Operation) {
	if op != nil {
		c.nextOperation(op)
	}
	if c.draining {
		return
	}
	c.draining = true
	for c.draining && len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.nextOperation(next)
	}
	c.draining = false
}

// makeResultSource builds the stream of results for op.
func (c *Client) makeResultSource(op *operation.Operation) stream.Source[*operation.Result] {
	results := stream.Filter(func(r *operation.Result) bool {
		return r.Operation.Kind == op.Kind && r.Operation.Key == op.Key &&
			(r.Operation.Context.Instance == 0 || r.Operation.Context.Instance == op.Context.Instance)
	})(c.results)

	if op.Kind == operation.Mutation {
		started := stream.OnStart[*operation.Result](func() { c.nextOperation(op) })(results)
		return stream.TakeWhile(func(r *operation.Result) bool { return r.HasNext }, true)(started)
	}

	results = stream.TakeUntil[*operation.Result](stream.Filter(func(o *operation.Operation) bool {
		return o.Kind == operation.Teardown && o.Key == op.Key
	})(c.operations.Source()))(results)

	if op.Kind == operation.Query {
		results = stream.SwitchMap(func(r *operation.Result) stream.Source[*operation.Result] {
			value := stream.FromValue(r)
			if r.Stale || r.HasNext {
				return value
			}
			stale := stream.Map(func(*operation.Operation) *operation.Result {
				out := r.Clone()
				out.Stale = true
				return out
			})(stream.Take[*operation.Operation](1)(stream.Filter(func(o *operation.Operation) bool {
				return o.Kind == operation.Query && o.Key == op.Key &&
					o.Context.RequestPolicy != operation.CacheOnly
			})(c.operations.Source())))
			return stream.Merge(value, stale)
		})(results)
	}

	results = stream.OnPush(func(r *operation.Result) {
		switch {
		case r.Stale:
			if r.HasNext {
				break
			}
			for _, q := range c.queue {
				if q.Key == r.Operation.Key {
					delete(c.dispatched, q.Key)
					break
				}
			}
		case !r.HasNext:
			delete(c.dispatched, op.Key)
		}
		c.replays[op.Key] = r
	})(results)

	return stream.Share(stream.OnEnd[*operation.Result](func() {
		delete(c.dispatched, op.Key)
		delete(c.replays, op.Key)
		delete(c.active, op.Key)
		c.draining = false
		kept := c.queue[:0]
		for _, q := range c.queue {
			if q.Key != op.Key {
				kept = append(kept, q)
			}
		}
		c.queue = kept
		c.dispatchOperation(operation.Derive(operation.Teardown, op))
	})(results))
}
