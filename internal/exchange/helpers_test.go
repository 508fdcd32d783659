package exchange

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hanpama/gqlflow/internal/language"
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/request"
	"github.com/hanpama/gqlflow/internal/stream"
)

// fakeClient records reexecutions. Run executes immediately unless deferred
// is set, in which case tasks wait for flush.
type fakeClient struct {
	mu         sync.Mutex
	deferred   bool
	reexecuted []*operation.Operation
	tasks      []func()
}

func (c *fakeClient) ReexecuteOperation(op *operation.Operation) {
	c.reexecuted = append(c.reexecuted, op)
}

func (c *fakeClient) Run(fn func()) {
	if c.deferred {
		c.tasks = append(c.tasks, fn)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *fakeClient) flush() {
	for len(c.tasks) > 0 {
		fn := c.tasks[0]
		c.tasks = c.tasks[1:]
		fn()
	}
}

type harness struct {
	ops     *stream.Subject[*operation.Operation]
	results []*operation.Result
	debug   []operation.DebugEvent
	mu      sync.Mutex
}

// start builds ex over forward and subscribes to its results.
func start(ex Exchange, client Client, forward IO) *harness {
	h := &harness{ops: stream.NewSubject[*operation.Operation]()}
	io := Compose(ex).New(Input{
		Client:  client,
		Forward: forward,
		DispatchDebug: func(e operation.DebugEvent) {
			h.mu.Lock()
			h.debug = append(h.debug, e)
			h.mu.Unlock()
		},
		Logger: zap.NewNop(),
	})
	stream.Subscribe(io(h.ops.Source()), func(res *operation.Result) {
		h.mu.Lock()
		h.results = append(h.results, res)
		h.mu.Unlock()
	})
	return h
}

func (h *harness) snapshot() []*operation.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*operation.Result(nil), h.results...)
}

func (h *harness) debugTypes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.debug {
		out = append(out, e.Type)
	}
	return out
}

func terminal(ex Exchange) IO {
	return ex.New(Input{Logger: zap.NewNop()})
}

var testKeyer = request.NewKeyer(0)

func makeOp(kind operation.Kind, query string, vars map[string]any, policy operation.RequestPolicy) *operation.Operation {
	req, err := testKeyer.CreateRequest(query, vars)
	if err != nil {
		panic(err)
	}
	return operation.Make(kind, req, operation.Context{URL: "http://localhost/graphql", RequestPolicy: policy})
}

func teardown(op *operation.Operation) *operation.Operation {
	return operation.Derive(operation.Teardown, op)
}

func mustParse(q string) *language.QueryDocument {
	doc, err := language.ParseQuery(q)
	if err != nil {
		panic(err)
	}
	return doc
}
