package exchange

import (
	"sync"

	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/result"
	"github.com/hanpama/gqlflow/internal/stream"
)

// MockTransport is a terminal exchange for tests. It records every operation
// it receives and answers with the payloads returned by its respond
// function, synchronously. Further payloads can be pushed later with Push.
type MockTransport struct {
	mu        sync.Mutex
	respond   func(*operation.Operation) []map[string]any
	calls     []*operation.Operation
	teardowns []*operation.Operation
	pushed    *stream.Subject[*operation.Result]
	pushedBy  map[operation.Key]*operation.Result
}

// NewMockTransport creates a MockTransport. A nil respond, or one returning
// no payloads, leaves operations unanswered.
func NewMockTransport(respond func(*operation.Operation) []map[string]any) *MockTransport {
	if respond == nil {
		respond = func(*operation.Operation) []map[string]any { return nil }
	}
	return &MockTransport{
		respond:  respond,
		pushed:   stream.NewSubject[*operation.Result](),
		pushedBy: make(map[operation.Key]*operation.Result),
	}
}

// Exchange returns the exchange backed by m.
func (m *MockTransport) Exchange() Exchange {
	return Exchange{
		Name: "mockTransport",
		New: func(Input) IO {
			return func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
				answered := stream.MergeMap(func(op *operation.Operation) stream.Source[*operation.Result] {
					if op.Kind == operation.Teardown {
						m.mu.Lock()
						m.teardowns = append(m.teardowns, op)
						m.mu.Unlock()
						return stream.Empty[*operation.Result]()
					}
					m.mu.Lock()
					m.calls = append(m.calls, op)
					m.mu.Unlock()
					return stream.FromSlice(buildResults(op, m.respond(op)))
				})(ops)
				return stream.Merge(answered, m.pushed.Source())
			}
		},
	}
}

// Push delivers payload as the next result of op.
func (m *MockTransport) Push(op *operation.Operation, payload map[string]any) {
	prev := m.pushedBy[op.Key]
	var res *operation.Result
	if prev == nil {
		var err error
		if res, err = result.MakeResult(op, payload, nil); err != nil {
			return
		}
	} else {
		res = result.MergeResultPatch(prev, payload, nil, nil)
	}
	if res.HasNext {
		m.pushedBy[op.Key] = res
	} else {
		delete(m.pushedBy, op.Key)
	}
	m.pushed.Next(res)
}

// Calls returns a snapshot of the non-teardown operations received.
func (m *MockTransport) Calls() []*operation.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*operation.Operation(nil), m.calls...)
}

// Teardowns returns a snapshot of the teardown operations received.
func (m *MockTransport) Teardowns() []*operation.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*operation.Operation(nil), m.teardowns...)
}

func buildResults(op *operation.Operation, payloads []map[string]any) []*operation.Result {
	var out []*operation.Result
	var last *operation.Result
	pending := result.NewPendingRegistry()
	for _, payload := range payloads {
		var res *operation.Result
		if last == nil {
			pending.Observe(payload)
			var err error
			if res, err = result.MakeResult(op, payload, nil); err != nil {
				res = result.MakeErrorResult(op, err, nil)
			}
		} else {
			res = result.MergeResultPatch(last, payload, nil, pending)
		}
		last = res
		out = append(out, res)
	}
	return out
}
