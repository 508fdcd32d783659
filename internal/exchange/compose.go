package exchange

import (
	"time"

	"go.uber.org/zap"

	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/stream"
)

// Compose folds exchanges into one. The first exchange sees operations first
// and results last; the last one forwards into the Forward of the Input the
// composed exchange is built with.
func Compose(exchanges ...Exchange) Exchange {
	return Exchange{
		Name: "composeExchange",
		New: func(in Input) IO {
			forward := in.Forward
			for i := len(exchanges) - 1; i >= 0; i-- {
				forward = build(exchanges[i], in, forward)
			}
			return forward
		},
	}
}

func build(ex Exchange, in Input, next IO) IO {
	logger := in.logger().With(zap.String("exchange", ex.Name))
	forwarded := false
	return ex.New(Input{
		Client: in.Client,
		Forward: func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
			if forwarded {
				logger.Warn("forward called more than once")
			}
			forwarded = true
			return stream.Share(next(stream.Share(ops)))
		},
		DispatchDebug: func(e operation.DebugEvent) {
			if e.Timestamp.IsZero() {
				e.Timestamp = time.Now()
			}
			if e.Source == "" {
				e.Source = ex.Name
			}
			in.debug(e)
		},
		Logger: logger,
	})
}
