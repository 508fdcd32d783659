package stream

// Subject is a hot multicast source that is fed imperatively.
type Subject[T any] struct {
	sinks []*subjectEntry[T]
	ended bool
}

type subjectEntry[T any] struct {
	sink   Sink[T]
	closed bool
}

func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{}
}

// Source returns a source that receives every value pushed after subscription.
func (s *Subject[T]) Source() Source[T] {
	return func(sink Sink[T]) {
		if s.ended {
			sink.start(noopSubscription)
			sink.end()
			return
		}
		e := &subjectEntry[T]{sink: sink}
		s.sinks = append(s.sinks, e)
		sink.start(SubscriptionFunc(func() {
			if e.closed {
				return
			}
			e.closed = true
			s.remove(e)
		}))
	}
}

func (s *Subject[T]) remove(e *subjectEntry[T]) {
	for i, x := range s.sinks {
		if x == e {
			s.sinks = append(s.sinks[:i:i], s.sinks[i+1:]...)
			return
		}
	}
}

// Next pushes v to every current subscriber.
func (s *Subject[T]) Next(v T) {
	if s.ended {
		return
	}
	for _, e := range append([]*subjectEntry[T](nil), s.sinks...) {
		if !e.closed {
			e.sink.next(v)
		}
	}
}

// Complete ends every current subscriber; later subscribers end immediately.
func (s *Subject[T]) Complete() {
	if s.ended {
		return
	}
	s.ended = true
	sinks := s.sinks
	s.sinks = nil
	for _, e := range sinks {
		if !e.closed {
			e.closed = true
			e.sink.end()
		}
	}
}

// Len reports the number of live subscribers.
func (s *Subject[T]) Len() int { return len(s.sinks) }
