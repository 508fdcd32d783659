package exchange

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/gqlflow/internal/language"
	"github.com/hanpama/gqlflow/internal/operation"
)

const todosQuery = "query Todos { todos { id } }"

func todosPayload() map[string]any {
	return map[string]any{"data": map[string]any{
		"todos": []any{map[string]any{"id": 1, "__typename": "Todo"}},
	}}
}

func startCache(respond func(*operation.Operation) []map[string]any) (*harness, *documentCache, *MockTransport, *fakeClient) {
	client := &fakeClient{}
	mock := NewMockTransport(respond)
	cache := newDocumentCache(nil)
	ex := Exchange{Name: "cacheExchange", New: cache.io}
	return start(ex, client, terminal(mock.Exchange())), cache, mock, client
}

func TestCacheInvalidationScenario(t *testing.T) {
	h, cache, mock, client := startCache(func(op *operation.Operation) []map[string]any {
		if op.Kind == operation.Mutation {
			return []map[string]any{{"data": map[string]any{"addTodo": map[string]any{"__typename": "Todo"}}}}
		}
		return []map[string]any{todosPayload()}
	})

	a := makeOp(operation.Query, todosQuery, nil, operation.CacheFirst)
	h.ops.Next(a)

	require.Contains(t, cache.results, a.Key)
	assert.Equal(t, map[operation.Key]struct{}{a.Key: {}}, cache.typenames["Todo"])

	b := makeOp(operation.Mutation, "mutation { addTodo { id } }", nil, operation.CacheFirst)
	h.ops.Next(b)

	assert.NotContains(t, cache.results, a.Key)
	assert.Empty(t, cache.typenames["Todo"])
	require.Len(t, client.reexecuted, 1)
	assert.Equal(t, a.Key, client.reexecuted[0].Key)
	assert.Equal(t, operation.NetworkOnly, client.reexecuted[0].Context.RequestPolicy)
	assert.Len(t, mock.Calls(), 2)
}

func TestCacheHitNeverReachesTransport(t *testing.T) {
	h, _, mock, _ := startCache(func(*operation.Operation) []map[string]any {
		return []map[string]any{todosPayload()}
	})

	a := makeOp(operation.Query, todosQuery, nil, operation.CacheFirst)
	h.ops.Next(a)
	h.ops.Next(a)
	h.ops.Next(a)

	assert.Len(t, mock.Calls(), 1)
	results := h.snapshot()
	require.Len(t, results, 3)
	assert.Equal(t, operation.CacheMiss, results[0].Operation.Context.Meta.CacheOutcome)
	for _, res := range results[1:] {
		assert.Equal(t, operation.CacheHit, res.Operation.Context.Meta.CacheOutcome)
		if diff := cmp.Diff(results[0].Data, res.Data); diff != "" {
			t.Errorf("cached data mismatch (-want +got):\n%s", diff)
		}
	}
	assert.Contains(t, h.debugTypes(), "cacheHit")
}

func TestCacheOnlyMissNeverReachesTransport(t *testing.T) {
	h, _, mock, _ := startCache(func(*operation.Operation) []map[string]any {
		return []map[string]any{todosPayload()}
	})

	h.ops.Next(makeOp(operation.Query, todosQuery, nil, operation.CacheOnly))

	assert.Empty(t, mock.Calls())
	results := h.snapshot()
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Data)
	assert.Equal(t, operation.CacheMiss, results[0].Operation.Context.Meta.CacheOutcome)
}

func TestCacheAndNetworkServesStaleAndReexecutes(t *testing.T) {
	h, _, mock, client := startCache(func(*operation.Operation) []map[string]any {
		return []map[string]any{todosPayload()}
	})

	h.ops.Next(makeOp(operation.Query, todosQuery, nil, operation.CacheFirst))
	h.ops.Next(makeOp(operation.Query, todosQuery, nil, operation.CacheAndNetwork))

	results := h.snapshot()
	require.Len(t, results, 2)
	assert.True(t, results[1].Stale)
	require.Len(t, client.reexecuted, 1)
	assert.Equal(t, operation.NetworkOnly, client.reexecuted[0].Context.RequestPolicy)
	assert.Len(t, mock.Calls(), 1)
}

func TestCacheNetworkOnlyBypassesButPopulates(t *testing.T) {
	h, cache, mock, _ := startCache(func(*operation.Operation) []map[string]any {
		return []map[string]any{todosPayload()}
	})

	a := makeOp(operation.Query, todosQuery, nil, operation.NetworkOnly)
	h.ops.Next(a)
	h.ops.Next(a)

	assert.Len(t, mock.Calls(), 2)
	assert.Contains(t, cache.results, a.Key)
}

func TestCacheFormatsForwardedQueries(t *testing.T) {
	h, _, mock, _ := startCache(func(*operation.Operation) []map[string]any {
		return []map[string]any{todosPayload()}
	})

	a := makeOp(operation.Query, todosQuery, nil, operation.CacheFirst)
	h.ops.Next(a)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, a.Key, calls[0].Key)
	want := language.PrintCompact(mustParse("query Todos { todos { id __typename } }"))
	assert.Equal(t, want, language.PrintCompact(calls[0].Query))
	assert.NotContains(t, language.PrintCompact(a.Query), "__typename")
}

func TestCacheSkipsEmptyData(t *testing.T) {
	h, cache, _, _ := startCache(func(*operation.Operation) []map[string]any {
		return []map[string]any{{"errors": []any{"boom"}}}
	})

	a := makeOp(operation.Query, todosQuery, nil, operation.CacheFirst)
	h.ops.Next(a)
	assert.NotContains(t, cache.results, a.Key)
}

func TestCacheSubscriptionsUseDeclaredTypenamesOnly(t *testing.T) {
	h, cache, _, client := startCache(func(op *operation.Operation) []map[string]any {
		if op.Kind == operation.Subscription {
			return []map[string]any{{"data": map[string]any{"todoAdded": map[string]any{"__typename": "Todo"}}}}
		}
		return []map[string]any{todosPayload()}
	})

	a := makeOp(operation.Query, todosQuery, nil, operation.CacheFirst)
	h.ops.Next(a)

	h.ops.Next(makeOp(operation.Subscription, "subscription { todoAdded { id } }", nil, operation.CacheFirst))
	assert.Contains(t, cache.results, a.Key)
	assert.Empty(t, client.reexecuted)

	declared := makeOp(operation.Subscription, "subscription { todoRemoved { id } }", nil, operation.CacheFirst).
		With(func(c *operation.Context) { c.AdditionalTypenames = []string{"Todo"} })
	h.ops.Next(declared)
	assert.NotContains(t, cache.results, a.Key)
	assert.Len(t, client.reexecuted, 1)
}

func TestCacheReexecutesEachKeyOnce(t *testing.T) {
	h, _, _, client := startCache(func(op *operation.Operation) []map[string]any {
		if op.Kind == operation.Mutation {
			return []map[string]any{{"data": map[string]any{
				"a": map[string]any{"__typename": "Todo"},
				"b": map[string]any{"__typename": "User"},
			}}}
		}
		return []map[string]any{{"data": map[string]any{
			"todo": map[string]any{"__typename": "Todo", "author": map[string]any{"__typename": "User"}},
		}}}
	})

	h.ops.Next(makeOp(operation.Query, "{ todo { author { id } } }", nil, operation.CacheFirst))
	h.ops.Next(makeOp(operation.Mutation, "mutation { a b }", nil, operation.CacheFirst))
	assert.Len(t, client.reexecuted, 1)
}

func TestCacheRefetchReplacesTypenameIndex(t *testing.T) {
	queries := 0
	h, cache, _, client := startCache(func(op *operation.Operation) []map[string]any {
		switch op.Kind {
		case operation.Mutation:
			return []map[string]any{{"data": map[string]any{"addTodo": map[string]any{"__typename": "Todo"}}}}
		case operation.Query:
			queries++
			if queries > 1 {
				return []map[string]any{{"data": map[string]any{
					"me":    map[string]any{"id": 1, "__typename": "User"},
					"todos": []any{},
				}}}
			}
		}
		return []map[string]any{todosPayload()}
	})

	a := makeOp(operation.Query, "query Todos { me { id } todos { id } }", nil, operation.CacheFirst)
	h.ops.Next(a)
	require.Contains(t, cache.typenames["Todo"], a.Key)

	h.ops.Next(a.WithPolicy(operation.NetworkOnly))
	assert.NotContains(t, cache.typenames, "Todo")
	assert.Equal(t, map[operation.Key]struct{}{a.Key: {}}, cache.typenames["User"])
	assert.Equal(t, []string{"User"}, cache.indexed[a.Key])

	h.ops.Next(makeOp(operation.Mutation, "mutation { addTodo { id } }", nil, operation.CacheFirst))
	assert.Empty(t, client.reexecuted)
	assert.Contains(t, cache.results, a.Key)
}

func TestCacheEvictionUnindexesEveryTypename(t *testing.T) {
	h, cache, _, client := startCache(func(op *operation.Operation) []map[string]any {
		if op.Kind == operation.Mutation {
			return []map[string]any{{"data": map[string]any{"addTodo": map[string]any{"__typename": "Todo"}}}}
		}
		return []map[string]any{{"data": map[string]any{
			"me":    map[string]any{"id": 1, "__typename": "User"},
			"todos": []any{map[string]any{"id": 1, "__typename": "Todo"}},
		}}}
	})

	a := makeOp(operation.Query, "query Todos { me { id } todos { id } }", nil, operation.CacheFirst)
	h.ops.Next(a)
	require.Contains(t, cache.typenames["User"], a.Key)

	h.ops.Next(makeOp(operation.Mutation, "mutation { addTodo { id } }", nil, operation.CacheFirst))
	require.Len(t, client.reexecuted, 1)
	assert.Empty(t, cache.typenames)
	assert.Empty(t, cache.indexed)
	assert.NotContains(t, cache.results, a.Key)
}
