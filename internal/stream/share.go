package stream

type shareEntry[T any] struct {
	sink       Sink[T]
	started    bool
	closed     bool
	buffered   []T
	endPending bool
}

// Share multicasts src. The first sink subscribes upstream, the last sink to
// leave cancels it, and a sink arriving after upstream ended resubscribes.
// Values produced synchronously while a sink is being attached are buffered
// and delivered right after that sink's Start.
func Share[T any](src Source[T]) Source[T] {
	var sinks []*shareEntry[T]
	var upstream Subscription
	active := false

	remove := func(e *shareEntry[T]) {
		for i, x := range sinks {
			if x == e {
				sinks = append(sinks[:i:i], sinks[i+1:]...)
				return
			}
		}
	}

	return func(sink Sink[T]) {
		e := &shareEntry[T]{sink: sink}
		sinks = append(sinks, e)

		if !active {
			active = true
			src(Sink[T]{
				Start: func(s Subscription) { upstream = s },
				Next: func(v T) {
					for _, x := range append([]*shareEntry[T](nil), sinks...) {
						switch {
						case x.closed:
						case !x.started:
							x.buffered = append(x.buffered, v)
						default:
							x.sink.next(v)
						}
					}
				},
				End: func() {
					active = false
					upstream = nil
					ended := sinks
					sinks = nil
					for _, x := range ended {
						if x.closed {
							continue
						}
						if !x.started {
							x.endPending = true
							continue
						}
						x.closed = true
						x.sink.end()
					}
				},
			})
		}

		e.started = true
		sink.start(SubscriptionFunc(func() {
			if e.closed {
				return
			}
			e.closed = true
			remove(e)
			if len(sinks) == 0 && active {
				active = false
				s := upstream
				upstream = nil
				if s != nil {
					s.Unsubscribe()
				}
			}
		}))
		for len(e.buffered) > 0 && !e.closed {
			v := e.buffered[0]
			e.buffered = e.buffered[1:]
			sink.next(v)
		}
		e.buffered = nil
		if e.endPending && !e.closed {
			e.closed = true
			sink.end()
		}
	}
}
