package exchange

import (
	"go.uber.org/zap"

	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/stream"
)

// Fallback terminates the chain. It drops every operation; anything other
// than a teardown is reported, since no exchange handled it.
var Fallback = Exchange{
	Name: "fallbackExchange",
	New: func(in Input) IO {
		return func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
			return func(sink stream.Sink[*operation.Result]) {
				ops(stream.Sink[*operation.Operation]{
					Start: sink.Start,
					Next: func(op *operation.Operation) {
						if op.Kind == operation.Teardown {
							return
						}
						msg := "No exchange has handled operations of kind \"" + op.Kind.String() +
							"\". Check whether you've added an exchange responsible for these operations."
						in.debug(operation.DebugEvent{
							Type:      "fallbackCatch",
							Message:   "No exchange has handled operations of kind " + op.Kind.String(),
							Operation: op,
						})
						in.logger().Warn(msg,
							zap.Stringer("kind", op.Kind),
							zap.Uint32("key", uint32(op.Key)))
					},
					End: sink.End,
				})
			}
		}
	},
}
