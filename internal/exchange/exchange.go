// Package exchange defines the middleware chain operations flow through and
// the exchanges the client ships with.
package exchange

import (
	"go.uber.org/zap"

	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/stream"
)

// Client is the part of the client exchanges may call back into.
type Client interface {
	// ReexecuteOperation sends op through the chain again. Queries and
	// subscriptions without a live consumer are dropped.
	ReexecuteOperation(op *operation.Operation)
	// Run executes fn on the client's serial callback loop. Exchanges
	// delivering results from other goroutines must go through Run.
	Run(fn func())
}

// IO transforms a stream of operations into a stream of results.
type IO func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result]

// Input is handed to every exchange when the chain is built.
type Input struct {
	Client Client
	// Forward passes operations to the next exchange in the chain.
	Forward IO
	// DispatchDebug emits an event on the debug side channel.
	DispatchDebug func(operation.DebugEvent)
	Logger        *zap.Logger
}

func (in Input) debug(e operation.DebugEvent) {
	if in.DispatchDebug != nil {
		in.DispatchDebug(e)
	}
}

func (in Input) logger() *zap.Logger {
	if in.Logger == nil {
		return zap.NewNop()
	}
	return in.Logger
}

// Exchange is one link of the chain.
type Exchange struct {
	// Name is recorded as the source of the exchange's debug events.
	Name string
	New  func(Input) IO
}

func teardownOf(key operation.Key) func(*operation.Operation) bool {
	return func(op *operation.Operation) bool {
		return op.Kind == operation.Teardown && op.Key == key
	}
}
