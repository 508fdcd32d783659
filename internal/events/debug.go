package events

import "github.com/hanpama/gqlflow/internal/operation"

// Debug wraps an event dispatched on the exchange debug side channel.
type Debug struct {
	Event operation.DebugEvent
}
