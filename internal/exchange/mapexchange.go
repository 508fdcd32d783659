package exchange

import (
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/stream"
)

// MapOptions configures a map exchange. Every callback is optional; a nil
// return from OnOperation or OnResult keeps the original value.
type MapOptions struct {
	OnOperation func(*operation.Operation) *operation.Operation
	OnResult    func(*operation.Result) *operation.Result
	// OnError observes results carrying an error, before OnResult.
	OnError func(*operation.CombinedError, *operation.Operation)
}

// Map returns an exchange that rewrites operations on the way in and results
// on the way out.
func Map(opts MapOptions) Exchange {
	return Exchange{
		Name: "mapExchange",
		New: func(in Input) IO {
			return func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
				mapped := stream.Map(func(op *operation.Operation) *operation.Operation {
					if opts.OnOperation != nil {
						if next := opts.OnOperation(op); next != nil {
							return next
						}
					}
					return op
				})(ops)
				return stream.Map(func(res *operation.Result) *operation.Result {
					if opts.OnError != nil && res.Error != nil {
						opts.OnError(res.Error, res.Operation)
					}
					if opts.OnResult != nil {
						if next := opts.OnResult(res); next != nil {
							return next
						}
					}
					return res
				})(in.Forward(mapped))
			}
		},
	}
}
