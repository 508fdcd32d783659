package client

import (
	"context"
	"sync"

	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/stream"
)

// ResultSource is the lazily started result stream of one operation.
type ResultSource struct {
	c   *Client
	op  *operation.Operation
	src stream.Source[*operation.Result]
}

// Operation returns the operation the stream was created for.
func (s *ResultSource) Operation() *operation.Operation { return s.op }

// Source returns the raw stream. It must only be subscribed from the client
// loop.
func (s *ResultSource) Source() stream.Source[*operation.Result] { return s.src }

// Subscribe starts the stream on the client loop and calls fn, on the loop,
// for every result. The returned func stops it.
func (s *ResultSource) Subscribe(fn func(*operation.Result)) (unsubscribe func()) {
	var (
		mu       sync.Mutex
		sub      stream.Subscription
		canceled bool
	)
	s.c.Run(func() {
		mu.Lock()
		stop := canceled
		mu.Unlock()
		if stop {
			return
		}
		h := stream.Subscribe(s.src, fn)
		mu.Lock()
		sub = h
		mu.Unlock()
	})
	return func() {
		s.c.Run(func() {
			mu.Lock()
			h := sub
			canceled = true
			sub = nil
			mu.Unlock()
			if h != nil {
				h.Unsubscribe()
			}
		})
	}
}

// Result waits for the first result that is neither stale nor partial. It
// must not be called from a loop callback.
func (s *ResultSource) Result(ctx context.Context) (*operation.Result, error) {
	done := make(chan *operation.Result, 1)
	settled := stream.Take[*operation.Result](1)(stream.Filter(func(r *operation.Result) bool {
		return !r.Stale && !r.HasNext
	})(s.src))
	unsubscribe := (&ResultSource{c: s.c, op: s.op, src: settled}).Subscribe(func(r *operation.Result) {
		select {
		case done <- r:
		default:
		}
	})
	select {
	case r := <-done:
		unsubscribe()
		return r, nil
	case <-ctx.Done():
		unsubscribe()
		return nil, ctx.Err()
	}
}

// ExecuteQuery runs req as a query.
func (c *Client) ExecuteQuery(req operation.Request, opts ...ContextOption) (*ResultSource, error) {
	return c.execute(operation.Query, req, opts)
}

// ExecuteMutation runs req as a mutation.
func (c *Client) ExecuteMutation(req operation.Request, opts ...ContextOption) (*ResultSource, error) {
	return c.execute(operation.Mutation, req, opts)
}

// ExecuteSubscription runs req as a subscription.
func (c *Client) ExecuteSubscription(req operation.Request, opts ...ContextOption) (*ResultSource, error) {
	return c.execute(operation.Subscription, req, opts)
}

func (c *Client) execute(kind operation.Kind, req operation.Request, opts []ContextOption) (*ResultSource, error) {
	op, err := c.CreateRequestOperation(kind, req, opts...)
	if err != nil {
		return nil, err
	}
	return c.ExecuteRequestOperation(op), nil
}

// Query keys query and variables and runs them as a query.
func (c *Client) Query(query string, variables map[string]any, opts ...ContextOption) (*ResultSource, error) {
	req, err := c.CreateRequest(query, variables)
	if err != nil {
		return nil, err
	}
	return c.ExecuteQuery(req, opts...)
}

func (c *Client) Mutation(query string, variables map[string]any, opts ...ContextOption) (*ResultSource, error) {
	req, err := c.CreateRequest(query, variables)
	if err != nil {
		return nil, err
	}
	return c.ExecuteMutation(req, opts...)
}

func (c *Client) Subscription(query string, variables map[string]any, opts ...ContextOption) (*ResultSource, error) {
	req, err := c.CreateRequest(query, variables)
	if err != nil {
		return nil, err
	}
	return c.ExecuteSubscription(req, opts...)
}

// ReadQuery returns the result delivered synchronously when the query is
// started, typically a cache hit, or nil. It must not be called from a loop
// callback.
func (c *Client) ReadQuery(query string, variables map[string]any, opts ...ContextOption) (*operation.Result, error) {
	src, err := c.Query(query, variables, opts...)
	if err != nil {
		return nil, err
	}
	var out *operation.Result
	c.do(func() {
		sub := stream.Subscribe(src.src, func(r *operation.Result) {
			if out == nil {
				out = r
			}
		})
		sub.Unsubscribe()
	})
	return out, nil
}
