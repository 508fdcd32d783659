package operation

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

func TestWithCopiesContext(t *testing.T) {
	op := Make(Query, Request{Key: 7}, Context{
		URL:                 "http://localhost/graphql",
		FetchOptions:        FetchOptions{Headers: http.Header{"X-A": {"1"}}},
		AdditionalTypenames: []string{"Todo"},
		Extensions:          map[string]any{"a": 1},
	})
	derived := op.WithPolicy(NetworkOnly).WithMeta(func(m *Meta) { m.CacheOutcome = CacheHit })
	derived.Context.FetchOptions.Headers.Set("X-A", "2")
	derived.Context.AdditionalTypenames[0] = "User"
	derived.Context.Extensions["a"] = 2

	require.Equal(t, CacheFirst, op.Context.RequestPolicy)
	require.Nil(t, op.Context.Meta)
	require.Equal(t, "1", op.Context.FetchOptions.Headers.Get("X-A"))
	require.Equal(t, []string{"Todo"}, op.Context.AdditionalTypenames)
	require.Equal(t, 1, op.Context.Extensions["a"])

	require.Equal(t, NetworkOnly, derived.Context.RequestPolicy)
	require.Equal(t, CacheHit, derived.Context.Meta.CacheOutcome)
	require.Equal(t, op.Key, derived.Key)
}

func TestSameRequest(t *testing.T) {
	q := Make(Query, Request{Key: 1}, Context{})
	require.True(t, SameRequest(q, q.WithPolicy(NetworkOnly)))
	require.False(t, SameRequest(q, Derive(Teardown, q)))

	m1 := Make(Mutation, Request{Key: 1}, Context{Instance: 1})
	m2 := Make(Mutation, Request{Key: 1}, Context{Instance: 2})
	require.False(t, SameRequest(m1, m2))
	require.True(t, SameRequest(m1, m1.WithPolicy(NetworkOnly)))
}

func TestParseRequestPolicy(t *testing.T) {
	for _, p := range []RequestPolicy{CacheFirst, CacheOnly, NetworkOnly, CacheAndNetwork} {
		got, err := ParseRequestPolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
	_, err := ParseRequestPolicy("cache-maybe")
	require.Error(t, err)
}

func TestCombinedErrorMessage(t *testing.T) {
	err := NewCombinedError([]any{"first", map[string]any{"message": "second", "path": []any{"todos", 0.0}}}, nil, nil)
	require.Equal(t, "first\nsecond", err.Error())
	require.Equal(t, ast.Path{ast.PathName("todos"), ast.PathIndex(0)}, err.GraphQLErrors[1].Path)

	network := errors.New("connection refused")
	err = NewCombinedError([]any{"ignored"}, network, nil)
	require.Equal(t, "connection refused", err.Error())
	require.ErrorIs(t, err, network)
}

func TestNormalizeGraphQLError(t *testing.T) {
	ge := &gqlerror.Error{Message: "boom"}
	require.Same(t, ge, NormalizeGraphQLError(ge))
	require.Equal(t, "plain", NormalizeGraphQLError(errors.New("plain")).Message)
	require.Equal(t, "42", NormalizeGraphQLError(42).Message)
}
