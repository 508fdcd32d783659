package exchange

import (
	"go.uber.org/zap"

	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/stream"
)

// Debug returns an exchange that logs every operation and result passing
// through it at debug level.
func Debug(logger *zap.Logger) Exchange {
	return Exchange{
		Name: "debugExchange",
		New: func(in Input) IO {
			log := logger
			if log == nil {
				log = in.logger()
			}
			return func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
				logged := stream.OnPush(func(op *operation.Operation) {
					log.Debug("incoming operation",
						zap.Stringer("kind", op.Kind),
						zap.Uint32("key", uint32(op.Key)),
						zap.String("name", op.Name()),
						zap.Stringer("policy", op.Context.RequestPolicy))
				})(ops)
				return stream.OnPush(func(res *operation.Result) {
					fields := []zap.Field{
						zap.Stringer("kind", res.Operation.Kind),
						zap.Uint32("key", uint32(res.Operation.Key)),
						zap.Bool("stale", res.Stale),
						zap.Bool("hasNext", res.HasNext),
						zap.Any("data", res.Data),
					}
					if res.Error != nil {
						fields = append(fields, zap.Error(res.Error))
					}
					log.Debug("completed operation", fields...)
				})(in.Forward(logged))
			}
		},
	}
}
