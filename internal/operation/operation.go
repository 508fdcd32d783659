package operation

import (
	"fmt"
	"maps"
	"net/http"
	"slices"

	language "github.com/hanpama/gqlflow/internal/language"
)

// Key identifies a request: a hash of its document and variables.
type Key uint32

// Kind is the closed set of operation kinds.
type Kind int

const (
	Query Kind = iota + 1
	Mutation
	Subscription
	Teardown
)

func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case Mutation:
		return "mutation"
	case Subscription:
		return "subscription"
	case Teardown:
		return "teardown"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// KindOf maps a document operation type to a Kind.
func KindOf(op language.Operation) (Kind, bool) {
	switch op {
	case language.Query:
		return Query, true
	case language.Mutation:
		return Mutation, true
	case language.Subscription:
		return Subscription, true
	default:
		return 0, false
	}
}

// RequestPolicy decides whether an operation is served from cache, network, or both.
type RequestPolicy int

const (
	CacheFirst RequestPolicy = iota
	CacheOnly
	NetworkOnly
	CacheAndNetwork
)

func (p RequestPolicy) String() string {
	switch p {
	case CacheFirst:
		return "cache-first"
	case CacheOnly:
		return "cache-only"
	case NetworkOnly:
		return "network-only"
	case CacheAndNetwork:
		return "cache-and-network"
	default:
		return fmt.Sprintf("RequestPolicy(%d)", int(p))
	}
}

// ParseRequestPolicy parses the hyphenated policy names.
func ParseRequestPolicy(s string) (RequestPolicy, error) {
	for _, p := range []RequestPolicy{CacheFirst, CacheOnly, NetworkOnly, CacheAndNetwork} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown request policy %q", s)
}

// CacheOutcome is recorded on an operation's metadata by caching exchanges.
type CacheOutcome string

const (
	CacheHit  CacheOutcome = "hit"
	CacheMiss CacheOutcome = "miss"
)

// Meta is debug metadata attached by exchanges.
type Meta struct {
	CacheOutcome CacheOutcome
	Source       string
}

// Request is a document, its variables, and the key derived from both.
type Request struct {
	Key        Key
	Query      *language.QueryDocument
	Variables  map[string]any
	Extensions map[string]any
}

// FetchOptions are transport options carried on the operation context.
type FetchOptions struct {
	Method  string
	Headers http.Header
}

func (o FetchOptions) clone() FetchOptions {
	return FetchOptions{Method: o.Method, Headers: o.Headers.Clone()}
}

// Context carries per-operation settings. It is copied whenever an operation
// is derived from another one.
type Context struct {
	URL                string
	RequestPolicy      RequestPolicy
	FetchOptions       FetchOptions
	PreferGetMethod    bool
	FetchSubscriptions bool
	// AdditionalTypenames are invalidated alongside the typenames found in a
	// response. Subscriptions rely on these alone.
	AdditionalTypenames []string
	// Instance distinguishes concurrently issued mutations sharing a key. Zero
	// means unset.
	Instance uint64
	Meta     *Meta
	// Extensions holds data owned by third-party exchanges.
	Extensions map[string]any
}

// Clone returns a deep copy of c.
func (c Context) Clone() Context {
	out := c
	out.FetchOptions = c.FetchOptions.clone()
	out.AdditionalTypenames = slices.Clone(c.AdditionalTypenames)
	if c.Meta != nil {
		m := *c.Meta
		out.Meta = &m
	}
	out.Extensions = maps.Clone(c.Extensions)
	return out
}

// Operation is a request bound to a kind and a context. Operations are
// immutable once created; use Make or With to derive new ones.
type Operation struct {
	Request
	Kind    Kind
	Context Context
}

// Make creates an operation of kind from req using a copy of ctx.
func Make(kind Kind, req Request, ctx Context) *Operation {
	return &Operation{Request: req, Kind: kind, Context: ctx.Clone()}
}

// Derive creates an operation of kind from op with its context copied.
func Derive(kind Kind, op *Operation) *Operation {
	return Make(kind, op.Request, op.Context)
}

// With returns a copy of op whose context has been modified by fn.
func (op *Operation) With(fn func(*Context)) *Operation {
	out := Derive(op.Kind, op)
	fn(&out.Context)
	return out
}

// WithPolicy returns a copy of op with a different request policy.
func (op *Operation) WithPolicy(p RequestPolicy) *Operation {
	return op.With(func(c *Context) { c.RequestPolicy = p })
}

// WithMeta returns a copy of op whose metadata has been modified by fn.
func (op *Operation) WithMeta(fn func(*Meta)) *Operation {
	return op.With(func(c *Context) {
		if c.Meta == nil {
			c.Meta = &Meta{}
		}
		fn(c.Meta)
	})
}

// WithQuery returns a copy of op with its document replaced. The key is kept.
func (op *Operation) WithQuery(doc *language.QueryDocument) *Operation {
	out := Derive(op.Kind, op)
	out.Query = doc
	return out
}

// SameRequest reports whether a and b are the same logical request.
func SameRequest(a, b *Operation) bool {
	if a.Kind != b.Kind || a.Key != b.Key {
		return false
	}
	return a.Kind != Mutation || a.Context.Instance == b.Context.Instance
}

// Name returns the name of the operation's first definition.
func (op *Operation) Name() string {
	return language.OperationName(op.Query)
}
