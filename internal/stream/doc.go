// Package stream implements the synchronous push-based streams that carry
// operations and results through the exchange chain.
//
// # Model
//
// A Source is a function that, given a Sink, starts producing values into it.
// Every source delivers signals to its sink in a fixed order:
//
//   - Start, exactly once, carrying the Subscription that cancels the source.
//   - Next, zero or more times.
//   - End, at most once, when the source completes on its own.
//
// After End, or after the sink cancels through its Subscription, no further
// signals are delivered. Start always precedes the first Next, so an operator
// holding the Subscription can cancel from inside a Next callback.
//
// # Threading
//
// Streams are not safe for concurrent use. Every callback of a pipeline is
// expected to run on one logical thread; producers that complete work on other
// goroutines must hand values back through a serializing loop (see the client
// package) before calling Next.
package stream
