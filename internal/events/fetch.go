package events

import (
	"time"

	"github.com/hanpama/gqlflow/internal/operation"
)

// FetchStart is emitted before the fetch exchange sends an HTTP request.
// Context carries the request id.
type FetchStart struct {
	Operation *operation.Operation
	URL       string
	Method    string
}

// FetchFinish is emitted once the response of a fetch has been consumed,
// or the fetch was aborted.
type FetchFinish struct {
	Operation *operation.Operation
	URL       string
	Method    string
	Status    int
	Err       error
	Aborted   bool
	Duration  time.Duration
}
