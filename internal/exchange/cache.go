package exchange

import (
	"slices"
	"strings"

	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/request"
	"github.com/hanpama/gqlflow/internal/stream"
)

// CacheOptions configures the document cache.
type CacheOptions struct {
	// Formatter adds __typename selections to forwarded documents. A new one
	// is created when nil.
	Formatter *request.Formatter
}

// Cache returns the document cache exchange. It stores the last result of
// every query by key and indexes it by the typenames found in its data. A
// mutation or subscription result touching an indexed typename evicts the
// dependent entries and reexecutes their queries network-only.
func Cache(opts CacheOptions) Exchange {
	return Exchange{
		Name: "cacheExchange",
		New: func(in Input) IO {
			return newDocumentCache(opts.Formatter).io(in)
		},
	}
}

type documentCache struct {
	formatter *request.Formatter
	results   map[operation.Key]*operation.Result
	typenames map[string]map[operation.Key]struct{}
	// indexed holds the typenames each key is currently indexed under.
	indexed map[operation.Key][]string
}

func newDocumentCache(f *request.Formatter) *documentCache {
	if f == nil {
		f = request.NewFormatter(0)
	}
	return &documentCache{
		formatter: f,
		results:   make(map[operation.Key]*operation.Result),
		typenames: make(map[string]map[operation.Key]struct{}),
		indexed:   make(map[operation.Key][]string),
	}
}

// handles reports whether the cache takes part in op at all; subscriptions
// and teardowns pass through untouched.
func handles(op *operation.Operation) bool {
	return op.Kind == operation.Query || op.Kind == operation.Mutation
}

func (c *documentCache) isCached(op *operation.Operation) bool {
	if op.Kind != operation.Query {
		return false
	}
	policy := op.Context.RequestPolicy
	if policy == operation.NetworkOnly {
		return false
	}
	_, ok := c.results[op.Key]
	return policy == operation.CacheOnly || ok
}

// index records key under exactly the given typenames, dropping whatever it
// was indexed under before.
func (c *documentCache) index(key operation.Key, typenames []string) {
	c.unindex(key)
	names := slices.Compact(slices.Sorted(slices.Values(typenames)))
	for _, name := range names {
		keys, ok := c.typenames[name]
		if !ok {
			keys = make(map[operation.Key]struct{})
			c.typenames[name] = keys
		}
		keys[key] = struct{}{}
	}
	if len(names) > 0 {
		c.indexed[key] = names
	}
}

func (c *documentCache) unindex(key operation.Key) {
	for _, name := range c.indexed[key] {
		keys := c.typenames[name]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.typenames, name)
		}
	}
	delete(c.indexed, key)
}

func reexecuteNetworkOnly(client Client, op *operation.Operation) {
	client.ReexecuteOperation(op.WithPolicy(operation.NetworkOnly))
}

func (c *documentCache) io(in Input) IO {
	return func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
		cached := stream.Map(func(op *operation.Operation) *operation.Result {
			prev, hit := c.results[op.Key]
			outcome := operation.CacheMiss
			if hit {
				outcome = operation.CacheHit
			}
			if hit {
				in.debug(operation.DebugEvent{
					Type:      "cacheHit",
					Message:   "The result was successfully retrieved from the cache.",
					Operation: op,
				})
			} else {
				in.debug(operation.DebugEvent{
					Type:      "cacheMiss",
					Message:   "The result could not be retrieved from the cache.",
					Operation: op,
				})
			}

			var res *operation.Result
			if hit {
				res = prev.Clone()
			} else {
				res = &operation.Result{}
			}
			res.Operation = op.WithMeta(func(m *operation.Meta) { m.CacheOutcome = outcome })
			if op.Context.RequestPolicy == operation.CacheAndNetwork {
				res.Stale = true
				reexecuteNetworkOnly(in.Client, op)
			}
			return res
		})(stream.Filter(func(op *operation.Operation) bool {
			return handles(op) && c.isCached(op)
		})(ops))

		formatted := stream.Map(func(op *operation.Operation) *operation.Operation {
			return op.WithQuery(c.formatter.Format(op.Query, op.Key))
		})(stream.Filter(func(op *operation.Operation) bool {
			return handles(op) && !c.isCached(op)
		})(ops))
		passed := stream.Filter(func(op *operation.Operation) bool {
			return !handles(op)
		})(ops)

		forwarded := stream.Filter(func(op *operation.Operation) bool {
			return op.Kind != operation.Query || op.Context.RequestPolicy != operation.CacheOnly
		})(stream.Map(func(op *operation.Operation) *operation.Operation {
			if op.Kind == operation.Teardown {
				return op
			}
			return op.WithMeta(func(m *operation.Meta) { m.CacheOutcome = operation.CacheMiss })
		})(stream.Merge(formatted, passed)))

		results := stream.OnPush(func(res *operation.Result) {
			c.receive(in, res)
		})(in.Forward(forwarded))

		return stream.Merge(cached, results)
	}
}

// receive updates the cache with a forwarded result.
func (c *documentCache) receive(in Input, res *operation.Result) {
	op := res.Operation
	if op == nil {
		return
	}
	typenames := append([]string(nil), op.Context.AdditionalTypenames...)
	if op.Kind != operation.Subscription {
		typenames = append(request.CollectTypenames(res.Data), typenames...)
	}

	switch {
	case op.Kind == operation.Mutation || op.Kind == operation.Subscription:
		in.debug(operation.DebugEvent{
			Type:      "cacheInvalidation",
			Message:   "The following typenames have been invalidated: " + strings.Join(typenames, ", "),
			Operation: op,
			Data:      typenames,
		})
		pending := make([]operation.Key, 0)
		seen := make(map[operation.Key]struct{})
		for _, name := range typenames {
			for key := range c.typenames[name] {
				if _, ok := seen[key]; !ok {
					seen[key] = struct{}{}
					pending = append(pending, key)
				}
			}
		}
		slices.Sort(pending)
		for _, key := range pending {
			c.unindex(key)
			if cached, ok := c.results[key]; ok {
				delete(c.results, key)
				reexecuteNetworkOnly(in.Client, cached.Operation)
			}
		}
	case op.Kind == operation.Query && res.Data != nil:
		c.results[op.Key] = res
		c.index(op.Key, typenames)
	}
}
