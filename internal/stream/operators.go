package stream

// Map transforms every value with fn.
func Map[T, R any](fn func(T) R) Operator[T, R] {
	return func(src Source[T]) Source[R] {
		return func(sink Sink[R]) {
			src(Sink[T]{
				Start: sink.Start,
				Next:  func(v T) { sink.next(fn(v)) },
				End:   sink.End,
			})
		}
	}
}

// Filter forwards only values for which keep returns true.
func Filter[T any](keep func(T) bool) Operator[T, T] {
	return func(src Source[T]) Source[T] {
		return func(sink Sink[T]) {
			src(Sink[T]{
				Start: sink.Start,
				Next: func(v T) {
					if keep(v) {
						sink.next(v)
					}
				},
				End: sink.End,
			})
		}
	}
}

// OnPush calls fn for every value before forwarding it.
func OnPush[T any](fn func(T)) Operator[T, T] {
	return func(src Source[T]) Source[T] {
		return func(sink Sink[T]) {
			src(Sink[T]{
				Start: sink.Start,
				Next: func(v T) {
					fn(v)
					sink.next(v)
				},
				End: sink.End,
			})
		}
	}
}

// OnStart calls fn right after the sink has been started.
func OnStart[T any](fn func()) Operator[T, T] {
	return func(src Source[T]) Source[T] {
		return func(sink Sink[T]) {
			src(Sink[T]{
				Start: func(sub Subscription) {
					sink.start(sub)
					fn()
				},
				Next: sink.Next,
				End:  sink.End,
			})
		}
	}
}

// OnEnd calls fn once, when the source ends or the sink unsubscribes.
func OnEnd[T any](fn func()) Operator[T, T] {
	return func(src Source[T]) Source[T] {
		return func(sink Sink[T]) {
			ended := false
			src(Sink[T]{
				Start: func(sub Subscription) {
					sink.start(SubscriptionFunc(func() {
						if ended {
							return
						}
						ended = true
						sub.Unsubscribe()
						fn()
					}))
				},
				Next: func(v T) {
					if !ended {
						sink.next(v)
					}
				},
				End: func() {
					if ended {
						return
					}
					ended = true
					sink.end()
					fn()
				},
			})
		}
	}
}

// Take forwards the first n values and ends.
func Take[T any](n int) Operator[T, T] {
	return func(src Source[T]) Source[T] {
		return func(sink Sink[T]) {
			var sub Subscription
			taken := 0
			done := false
			src(Sink[T]{
				Start: func(s Subscription) {
					sub = s
					if n <= 0 {
						done = true
						s.Unsubscribe()
						sink.start(noopSubscription)
						sink.end()
						return
					}
					sink.start(SubscriptionFunc(func() {
						if !done {
							done = true
							sub.Unsubscribe()
						}
					}))
				},
				Next: func(v T) {
					if done {
						return
					}
					taken++
					sink.next(v)
					if taken >= n && !done {
						done = true
						sub.Unsubscribe()
						sink.end()
					}
				},
				End: func() {
					if !done {
						done = true
						sink.end()
					}
				},
			})
		}
	}
}

// TakeWhile forwards values while keep returns true. With inclusive set, the
// first rejected value is forwarded before ending.
func TakeWhile[T any](keep func(T) bool, inclusive bool) Operator[T, T] {
	return func(src Source[T]) Source[T] {
		return func(sink Sink[T]) {
			var sub Subscription
			done := false
			src(Sink[T]{
				Start: func(s Subscription) {
					sub = s
					sink.start(SubscriptionFunc(func() {
						if !done {
							done = true
							sub.Unsubscribe()
						}
					}))
				},
				Next: func(v T) {
					if done {
						return
					}
					if keep(v) {
						sink.next(v)
						return
					}
					if inclusive {
						sink.next(v)
					}
					if !done {
						done = true
						sub.Unsubscribe()
						sink.end()
					}
				},
				End: func() {
					if !done {
						done = true
						sink.end()
					}
				},
			})
		}
	}
}

// TakeUntil forwards values until notifier emits.
func TakeUntil[T, N any](notifier Source[N]) Operator[T, T] {
	return func(src Source[T]) Source[T] {
		return func(sink Sink[T]) {
			var srcSub, notSub Subscription
			done := false
			started := false
			stop := func() {
				done = true
				if srcSub != nil {
					srcSub.Unsubscribe()
				}
				if notSub != nil {
					notSub.Unsubscribe()
				}
			}
			src(Sink[T]{
				Start: func(s Subscription) {
					srcSub = s
					notifier(Sink[N]{
						Start: func(ns Subscription) { notSub = ns },
						Next: func(N) {
							if done {
								return
							}
							stop()
							if started {
								sink.end()
							}
						},
					})
					if done {
						sink.start(noopSubscription)
						sink.end()
						return
					}
					started = true
					sink.start(SubscriptionFunc(func() {
						if !done {
							stop()
						}
					}))
				},
				Next: func(v T) {
					if !done {
						sink.next(v)
					}
				},
				End: func() {
					if done {
						return
					}
					done = true
					if notSub != nil {
						notSub.Unsubscribe()
					}
					sink.end()
				},
			})
		}
	}
}

// Merge interleaves the values of all sources and ends when all have ended.
func Merge[T any](sources ...Source[T]) Source[T] {
	return func(sink Sink[T]) {
		if len(sources) == 0 {
			sink.start(noopSubscription)
			sink.end()
			return
		}
		subs := make([]Subscription, len(sources))
		ended := 0
		done := false
		sink.start(SubscriptionFunc(func() {
			if done {
				return
			}
			done = true
			for _, s := range subs {
				if s != nil {
					s.Unsubscribe()
				}
			}
		}))
		for i, src := range sources {
			if done {
				return
			}
			src(Sink[T]{
				Start: func(s Subscription) {
					subs[i] = s
					if done {
						s.Unsubscribe()
					}
				},
				Next: func(v T) {
					if !done {
						sink.next(v)
					}
				},
				End: func() {
					if done {
						return
					}
					ended++
					if ended == len(sources) {
						done = true
						sink.end()
					}
				},
			})
		}
	}
}

type innerEntry struct {
	sub    Subscription
	closed bool
}

func (e *innerEntry) close() {
	if e.closed {
		return
	}
	e.closed = true
	if e.sub != nil {
		e.sub.Unsubscribe()
	}
}

// MergeMap maps every value to an inner source and interleaves all of them.
func MergeMap[T, R any](fn func(T) Source[R]) Operator[T, R] {
	return func(src Source[T]) Source[R] {
		return func(sink Sink[R]) {
			var outer Subscription
			var active []*innerEntry
			outerEnded := false
			done := false
			remove := func(e *innerEntry) {
				for i, x := range active {
					if x == e {
						active = append(active[:i:i], active[i+1:]...)
						return
					}
				}
			}
			src(Sink[T]{
				Start: func(s Subscription) {
					outer = s
					sink.start(SubscriptionFunc(func() {
						if done {
							return
						}
						done = true
						outer.Unsubscribe()
						for _, e := range active {
							e.close()
						}
						active = nil
					}))
				},
				Next: func(v T) {
					if done {
						return
					}
					e := &innerEntry{}
					active = append(active, e)
					fn(v)(Sink[R]{
						Start: func(s Subscription) {
							e.sub = s
							if done || e.closed {
								s.Unsubscribe()
							}
						},
						Next: func(r R) {
							if !done && !e.closed {
								sink.next(r)
							}
						},
						End: func() {
							if e.closed {
								return
							}
							e.closed = true
							remove(e)
							if outerEnded && len(active) == 0 && !done {
								done = true
								sink.end()
							}
						},
					})
				},
				End: func() {
					if done {
						return
					}
					outerEnded = true
					if len(active) == 0 {
						done = true
						sink.end()
					}
				},
			})
		}
	}
}

// SwitchMap maps every value to an inner source, cancelling the previous one.
func SwitchMap[T, R any](fn func(T) Source[R]) Operator[T, R] {
	return func(src Source[T]) Source[R] {
		return func(sink Sink[R]) {
			var outer Subscription
			var current *innerEntry
			outerEnded := false
			done := false
			src(Sink[T]{
				Start: func(s Subscription) {
					outer = s
					sink.start(SubscriptionFunc(func() {
						if done {
							return
						}
						done = true
						outer.Unsubscribe()
						if current != nil {
							current.close()
							current = nil
						}
					}))
				},
				Next: func(v T) {
					if done {
						return
					}
					if current != nil {
						current.close()
						current = nil
					}
					e := &innerEntry{}
					current = e
					fn(v)(Sink[R]{
						Start: func(s Subscription) {
							e.sub = s
							if done || e.closed {
								s.Unsubscribe()
							}
						},
						Next: func(r R) {
							if !done && !e.closed {
								sink.next(r)
							}
						},
						End: func() {
							if e.closed {
								return
							}
							e.closed = true
							if current == e {
								current = nil
							}
							if outerEnded && current == nil && !done {
								done = true
								sink.end()
							}
						},
					})
				},
				End: func() {
					if done {
						return
					}
					outerEnded = true
					if current == nil {
						done = true
						sink.end()
					}
				},
			})
		}
	}
}
