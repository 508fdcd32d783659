package exchange

import (
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/stream"
)

// Dedup drops a query or subscription whose key is already in flight.
// A key leaves the in-flight set on teardown, on a mutation with that key,
// and when a result without HasNext arrives for it.
var Dedup = Exchange{
	Name: "dedupExchange",
	New: func(in Input) IO {
		inFlight := make(map[operation.Key]struct{})
		return func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
			filtered := stream.Filter(func(op *operation.Operation) bool {
				if op.Kind == operation.Teardown || op.Kind == operation.Mutation {
					delete(inFlight, op.Key)
					return true
				}
				if _, dup := inFlight[op.Key]; dup {
					in.debug(operation.DebugEvent{
						Type:      "dedup",
						Message:   "An operation has been deduplicated.",
						Operation: op,
					})
					return false
				}
				inFlight[op.Key] = struct{}{}
				return true
			})(ops)

			return stream.OnPush(func(res *operation.Result) {
				if !res.HasNext {
					delete(inFlight, res.Operation.Key)
				}
			})(in.Forward(filtered))
		}
	},
}
