package events

import (
	"time"

	"github.com/hanpama/gqlflow/internal/operation"
)

// SubscriptionStart is emitted when a forwarder starts a subscription.
type SubscriptionStart struct {
	Operation *operation.Operation
}

// SubscriptionFinish is emitted when a subscription completes, fails or is
// torn down.
type SubscriptionFinish struct {
	Operation *operation.Operation
	Results   int
	Err       error
	Duration  time.Duration
}
