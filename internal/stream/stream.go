package stream

// Subscription cancels a running source.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

var noopSubscription = SubscriptionFunc(func() {})

// Sink receives the signals of a source. Nil callbacks are ignored.
type Sink[T any] struct {
	Start func(Subscription)
	Next  func(T)
	End   func()
}

func (s Sink[T]) start(sub Subscription) {
	if s.Start != nil {
		s.Start(sub)
	}
}

func (s Sink[T]) next(v T) {
	if s.Next != nil {
		s.Next(v)
	}
}

func (s Sink[T]) end() {
	if s.End != nil {
		s.End()
	}
}

// Source produces values into a sink.
type Source[T any] func(Sink[T])

// Operator transforms one source into another.
type Operator[T, R any] func(Source[T]) Source[R]

// Pipe applies same-typed operators to src from left to right.
func Pipe[T any](src Source[T], ops ...Operator[T, T]) Source[T] {
	for _, op := range ops {
		src = op(src)
	}
	return src
}

// Observer is handed to the producer function of Make.
type Observer[T any] interface {
	Next(T)
	Complete()
}

type makeObserver[T any] struct {
	sink     Sink[T]
	closed   bool
	teardown func()
	tornDown bool
}

func (o *makeObserver[T]) Next(v T) {
	if !o.closed {
		o.sink.next(v)
	}
}

func (o *makeObserver[T]) Complete() {
	if o.closed {
		return
	}
	o.closed = true
	o.sink.end()
	o.runTeardown()
}

func (o *makeObserver[T]) cancel() {
	if o.closed {
		return
	}
	o.closed = true
	o.runTeardown()
}

func (o *makeObserver[T]) runTeardown() {
	if o.teardown != nil && !o.tornDown {
		o.tornDown = true
		o.teardown()
	}
}

// Make creates a source from a producer. The producer may push values
// synchronously or later; the returned teardown runs once, when the sink
// cancels or the producer completes.
func Make[T any](produce func(Observer[T]) (teardown func())) Source[T] {
	return func(sink Sink[T]) {
		o := &makeObserver[T]{sink: sink}
		sink.start(SubscriptionFunc(o.cancel))
		if o.closed {
			return
		}
		o.teardown = produce(o)
		if o.closed {
			o.runTeardown()
		}
	}
}

// FromValue emits v and ends.
func FromValue[T any](v T) Source[T] {
	return FromSlice([]T{v})
}

// FromSlice emits every element of values in order and ends.
func FromSlice[T any](values []T) Source[T] {
	return func(sink Sink[T]) {
		cancelled := false
		sink.start(SubscriptionFunc(func() { cancelled = true }))
		for _, v := range values {
			if cancelled {
				return
			}
			sink.next(v)
		}
		if !cancelled {
			sink.end()
		}
	}
}

// Empty ends immediately.
func Empty[T any]() Source[T] {
	return func(sink Sink[T]) {
		cancelled := false
		sink.start(SubscriptionFunc(func() { cancelled = true }))
		if !cancelled {
			sink.end()
		}
	}
}

// Never starts and never emits.
func Never[T any]() Source[T] {
	return func(sink Sink[T]) {
		sink.start(noopSubscription)
	}
}

// Lazy defers building the source until a sink subscribes.
func Lazy[T any](build func() Source[T]) Source[T] {
	return func(sink Sink[T]) {
		build()(sink)
	}
}

type subscriptionHolder struct {
	sub   Subscription
	ended bool
}

func (h *subscriptionHolder) Unsubscribe() {
	if h.ended {
		return
	}
	h.ended = true
	if h.sub != nil {
		h.sub.Unsubscribe()
	}
}

// Subscribe starts src and calls next for every value.
func Subscribe[T any](src Source[T], next func(T)) Subscription {
	return SubscribeSink(src, Sink[T]{Next: next})
}

// SubscribeSink starts src with sink and returns its subscription.
func SubscribeSink[T any](src Source[T], sink Sink[T]) Subscription {
	h := &subscriptionHolder{}
	src(Sink[T]{
		Start: func(s Subscription) {
			h.sub = s
			sink.start(s)
		},
		Next: sink.Next,
		End: func() {
			h.ended = true
			sink.end()
		},
	})
	return h
}

// Publish starts src and discards its values.
func Publish[T any](src Source[T]) Subscription {
	return Subscribe(src, func(T) {})
}

// Collect subscribes to src and returns the values it delivers synchronously.
func Collect[T any](src Source[T]) []T {
	var out []T
	sub := Subscribe(src, func(v T) { out = append(out, v) })
	sub.Unsubscribe()
	return out
}
