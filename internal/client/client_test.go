package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/gqlflow/internal/exchange"
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/stream"
)

const (
	todosQuery  = "query Todos { todos { id } }"
	addTodo     = "mutation AddTodo { addTodo { id } }"
	silentQuery = "query Silent { silent }"
)

func todos(ids ...int) map[string]any {
	list := make([]any, 0, len(ids))
	for _, id := range ids {
		list = append(list, map[string]any{"id": id, "__typename": "Todo"})
	}
	return map[string]any{"data": map[string]any{"todos": list}}
}

// respondTodos answers queries with one todo, mutations with an added todo,
// and leaves silentQuery unanswered.
func respondTodos(op *operation.Operation) []map[string]any {
	switch {
	case op.Name() == "Silent":
		return nil
	case op.Kind == operation.Mutation:
		return []map[string]any{{"data": map[string]any{"addTodo": map[string]any{"id": 2, "__typename": "Todo"}}}}
	default:
		return []map[string]any{todos(1)}
	}
}

func newTestClient(t *testing.T, respond func(*operation.Operation) []map[string]any, opts ...Option) (*Client, *exchange.MockTransport) {
	t.Helper()
	mock := exchange.NewMockTransport(respond)
	opts = append([]Option{WithExchanges(
		exchange.Dedup,
		exchange.Cache(exchange.CacheOptions{}),
		mock.Exchange(),
	)}, opts...)
	c := New("http://localhost/graphql", opts...)
	t.Cleanup(c.Close)
	return c, mock
}

func collect(src *ResultSource) (*[]*operation.Result, func()) {
	var out []*operation.Result
	unsubscribe := src.Subscribe(func(r *operation.Result) { out = append(out, r) })
	return &out, unsubscribe
}

func TestQueryResult(t *testing.T) {
	c, _ := newTestClient(t, respondTodos)

	src, err := c.Query(todosQuery, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := src.Result(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(todos(1)["data"], res.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	assert.Nil(t, res.Error)
}

func TestResultHonorsContext(t *testing.T) {
	c, _ := newTestClient(t, respondTodos)

	src, err := c.Query(silentQuery, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = src.Result(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSharedKeyIsDispatchedOnce(t *testing.T) {
	c, mock := newTestClient(t, respondTodos)

	first, err := c.Query(silentQuery, nil)
	require.NoError(t, err)
	second, err := c.Query(silentQuery, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Operation().Key, second.Operation().Key)

	_, stop1 := collect(first)
	_, stop2 := collect(second)
	assert.Len(t, mock.Calls(), 1)

	stop1()
	assert.Empty(t, mock.Teardowns())
	stop2()
	assert.Len(t, mock.Teardowns(), 1)
}

func TestTeardownClearsDispatcherState(t *testing.T) {
	c, mock := newTestClient(t, respondTodos)

	src, err := c.Query(silentQuery, nil)
	require.NoError(t, err)
	op := src.Operation()

	c.do(func() {
		sub := stream.Subscribe(src.Source(), func(*operation.Result) {})
		c.reexecuteOperation(op.WithPolicy(operation.NetworkOnly))
		assert.Len(t, c.queue, 1)
		sub.Unsubscribe()
	})

	c.do(func() {
		assert.Empty(t, c.active)
		assert.Empty(t, c.dispatched)
		assert.Empty(t, c.replays)
		assert.Empty(t, c.queue)
		assert.False(t, c.draining)
	})
	assert.Len(t, mock.Calls(), 1)
	require.Len(t, mock.Teardowns(), 1)
	assert.Equal(t, op.Key, mock.Teardowns()[0].Key)
}

func TestMutationsAreNeverShared(t *testing.T) {
	c, mock := newTestClient(t, respondTodos)

	m1, err := c.Mutation(addTodo, nil)
	require.NoError(t, err)
	m2, err := c.Mutation(addTodo, nil)
	require.NoError(t, err)
	assert.Equal(t, m1.Operation().Key, m2.Operation().Key)
	assert.NotEqual(t, m1.Operation().Context.Instance, m2.Operation().Context.Instance)

	r1, _ := collect(m1)
	r2, _ := collect(m2)

	assert.Len(t, mock.Calls(), 2)
	require.Len(t, *r1, 1)
	require.Len(t, *r2, 1)
	assert.Equal(t, m1.Operation().Context.Instance, (*r1)[0].Operation.Context.Instance)
	assert.Equal(t, m2.Operation().Context.Instance, (*r2)[0].Operation.Context.Instance)
}

func TestMutationInvalidatesActiveQuery(t *testing.T) {
	queries := 0
	c, mock := newTestClient(t, func(op *operation.Operation) []map[string]any {
		if op.Kind == operation.Query {
			queries++
			if queries > 1 {
				return nil
			}
		}
		return respondTodos(op)
	})

	q, err := c.Query(todosQuery, nil)
	require.NoError(t, err)
	results, stop := collect(q)
	defer stop()
	require.Len(t, *results, 1)

	m, err := c.Mutation(addTodo, nil)
	require.NoError(t, err)
	_, _ = collect(m)

	calls := mock.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, operation.NetworkOnly, calls[2].Context.RequestPolicy)
	assert.Equal(t, q.Operation().Key, calls[2].Key)

	require.Len(t, *results, 2)
	assert.True(t, (*results)[1].Stale)

	c.Run(func() { mock.Push(calls[2], todos(1, 2)) })
	require.Len(t, *results, 3)
	assert.False(t, (*results)[2].Stale)
	if diff := cmp.Diff(todos(1, 2)["data"], (*results)[2].Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestCacheAndNetworkYieldsStaleThenFresh(t *testing.T) {
	c, mock := newTestClient(t, respondTodos)

	warm, err := c.Query(todosQuery, nil)
	require.NoError(t, err)
	_, stop := collect(warm)
	stop()

	src, err := c.Query(todosQuery, nil, Policy(operation.CacheAndNetwork))
	require.NoError(t, err)
	results, stop := collect(src)
	defer stop()

	require.Len(t, *results, 2)
	assert.True(t, (*results)[0].Stale)
	assert.Equal(t, operation.CacheHit, (*results)[0].Operation.Context.Meta.CacheOutcome)
	assert.False(t, (*results)[1].Stale)
	assert.Len(t, mock.Calls(), 2)
}

func TestLateSubscriberReplaysPartialResult(t *testing.T) {
	c, mock := newTestClient(t, respondTodos)

	src, err := c.Query(silentQuery, nil)
	require.NoError(t, err)
	first, stop := collect(src)
	defer stop()

	op := mock.Calls()[0]
	c.Run(func() { mock.Push(op, map[string]any{"data": map[string]any{"silent": 1}, "hasNext": true}) })
	require.Len(t, *first, 1)

	second, stopLate := collect(c.ExecuteRequestOperation(src.Operation()))
	defer stopLate()
	require.Len(t, *second, 1)
	assert.True(t, (*second)[0].HasNext)
	assert.Same(t, (*first)[0], (*second)[0])
	assert.Len(t, mock.Calls(), 1)
}

func TestCreateRequestOperationKindMismatch(t *testing.T) {
	c, _ := newTestClient(t, respondTodos)

	req, err := c.CreateRequest(todosQuery, nil)
	require.NoError(t, err)

	_, err = c.CreateRequestOperation(operation.Mutation, req)
	require.ErrorIs(t, err, ErrOperationKindMismatch)

	op, err := c.CreateRequestOperation(operation.Query, req, URL("http://other/graphql"), Header("X-Test", "1"))
	require.NoError(t, err)
	assert.Equal(t, "http://other/graphql", op.Context.URL)
	assert.Equal(t, "1", op.Context.FetchOptions.Headers.Get("X-Test"))
	assert.Zero(t, op.Context.Instance)

	_, err = c.CreateRequestOperation(operation.Teardown, req)
	require.NoError(t, err)
}

func TestReadQuery(t *testing.T) {
	c, mock := newTestClient(t, respondTodos)

	res, err := c.ReadQuery(silentQuery, nil)
	require.NoError(t, err)
	assert.Nil(t, res)

	warm, err := c.Query(todosQuery, nil)
	require.NoError(t, err)
	_, stop := collect(warm)
	stop()

	res, err = c.ReadQuery(todosQuery, nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, operation.CacheHit, res.Operation.Context.Meta.CacheOutcome)
	assert.Len(t, mock.Calls(), 2)
}

func TestDebugTarget(t *testing.T) {
	c, _ := newTestClient(t, respondTodos)

	var types []string
	unsubscribe := c.SubscribeToDebugTarget(func(e operation.DebugEvent) { types = append(types, e.Type) })
	defer unsubscribe()

	src, err := c.Query(todosQuery, nil)
	require.NoError(t, err)
	_, stop := collect(src)
	stop()
	assert.Contains(t, types, "cacheMiss")

	quiet, _ := newTestClient(t, respondTodos, WithDebug(false))
	var none []operation.DebugEvent
	quiet.SubscribeToDebugTarget(func(e operation.DebugEvent) { none = append(none, e) })
	src, err = quiet.Query(todosQuery, nil)
	require.NoError(t, err)
	_, stop = collect(src)
	stop()
	assert.Empty(t, none)
}

func TestSubscriptionCompletesOnTeardown(t *testing.T) {
	c, mock := newTestClient(t, nil)

	src, err := c.Subscription("subscription OnTodo { todoAdded { id } }", nil)
	require.NoError(t, err)
	results, stop := collect(src)

	op := mock.Calls()[0]
	c.Run(func() { mock.Push(op, map[string]any{"data": map[string]any{"todoAdded": map[string]any{"id": 1}}, "hasNext": true}) })
	c.Run(func() { mock.Push(op, map[string]any{"data": map[string]any{"todoAdded": map[string]any{"id": 2}}, "hasNext": true}) })
	require.Len(t, *results, 2)
	assert.True(t, (*results)[1].HasNext)

	stop()
	require.Len(t, mock.Teardowns(), 1)
	c.Run(func() { mock.Push(op, map[string]any{"data": map[string]any{"todoAdded": map[string]any{"id": 3}}}) })
	assert.Len(t, *results, 2)
}

func TestReexecuteOperationFromManyGoroutines(t *testing.T) {
	mock := exchange.NewMockTransport(nil)
	c := New("http://localhost/graphql", WithExchanges(mock.Exchange()))
	t.Cleanup(c.Close)

	src, err := c.Query(silentQuery, nil)
	require.NoError(t, err)
	_, stop := collect(src)
	defer stop()
	op := src.Operation()

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				c.ReexecuteOperation(op)
			}
		}()
	}
	wg.Wait()

	c.do(func() {})
	c.do(func() {
		assert.Empty(t, c.queue)
		assert.False(t, c.draining)
		assert.Contains(t, c.active, op.Key)
	})
	assert.Greater(t, len(mock.Calls()), 1)
}

func TestReexecuteDuringDispatchRunsAfterCurrentOperation(t *testing.T) {
	mock := exchange.NewMockTransport(nil)
	var (
		c           *Client
		m1, m2      *operation.Operation
		queued      int
		sentAtQueue int
	)
	trigger := exchange.Exchange{
		Name: "trigger",
		New: func(in exchange.Input) exchange.IO {
			return func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
				return in.Forward(stream.OnPush(func(op *operation.Operation) {
					if op.Kind != operation.Query || m1 != nil {
						return
					}
					req, err := c.CreateRequest(addTodo, nil)
					require.NoError(t, err)
					m1, err = c.CreateRequestOperation(operation.Mutation, req)
					require.NoError(t, err)
					m2, err = c.CreateRequestOperation(operation.Mutation, req)
					require.NoError(t, err)
					in.Client.ReexecuteOperation(m1)
					in.Client.ReexecuteOperation(m2)
					queued = len(c.queue)
					sentAtQueue = len(mock.Calls())
				})(ops))
			}
		},
	}
	c = New("http://localhost/graphql", WithExchanges(trigger, mock.Exchange()))
	t.Cleanup(c.Close)

	src, err := c.Query(silentQuery, nil)
	require.NoError(t, err)
	_, stop := collect(src)
	defer stop()

	assert.Equal(t, 2, queued)
	assert.Zero(t, sentAtQueue)

	type sent struct {
		Kind     operation.Kind
		Instance uint64
	}
	var got []sent
	for _, op := range mock.Calls() {
		got = append(got, sent{op.Kind, op.Context.Instance})
	}
	want := []sent{
		{operation.Query, 0},
		{operation.Mutation, m1.Context.Instance},
		{operation.Mutation, m2.Context.Instance},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transport order mismatch (-want +got):\n%s", diff)
	}
}
