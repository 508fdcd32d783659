package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/hanpama/gqlflow/internal/eventbus"
	"github.com/hanpama/gqlflow/internal/events"
	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/reqid"
	"github.com/hanpama/gqlflow/internal/result"
	"github.com/hanpama/gqlflow/internal/stream"
)

const acceptHeader = "application/graphql-response+json, application/graphql+json, application/json, text/event-stream, multipart/mixed"

// FetchOptions configures the fetch exchange.
type FetchOptions struct {
	// HTTP sends the requests. resty.New() is used when nil.
	HTTP *resty.Client
	// Bus receives FetchStart and FetchFinish events.
	Bus *eventbus.Bus
}

// Fetch returns the exchange that sends queries and mutations over HTTP, and
// subscriptions as well when the operation context asks for it. A teardown
// for the same key aborts the request.
func Fetch(opts FetchOptions) Exchange {
	if opts.HTTP == nil {
		opts.HTTP = resty.New()
	}
	return Exchange{
		Name: "fetchExchange",
		New: func(in Input) IO {
			f := &fetcher{http: opts.HTTP, bus: opts.Bus, in: in}
			return f.io
		},
	}
}

type fetcher struct {
	http *resty.Client
	bus  *eventbus.Bus
	in   Input
}

func fetches(op *operation.Operation) bool {
	switch op.Kind {
	case operation.Query, operation.Mutation:
		return true
	case operation.Subscription:
		return op.Context.FetchSubscriptions
	}
	return false
}

func (f *fetcher) io(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
	fetched := stream.MergeMap(func(op *operation.Operation) stream.Source[*operation.Result] {
		f.in.debug(operation.DebugEvent{
			Type:      "fetchRequest",
			Message:   "A fetch request is being executed.",
			Operation: op,
			Data:      op.Context.URL,
		})
		return stream.OnPush(func(res *operation.Result) {
			if res.Data == nil && res.Error != nil {
				f.in.debug(operation.DebugEvent{
					Type:      "fetchError",
					Message:   res.Error.Error(),
					Operation: op,
					Data:      res.Error,
				})
				return
			}
			f.in.debug(operation.DebugEvent{
				Type:      "fetchSuccess",
				Message:   "A successful fetch response has been returned.",
				Operation: op,
				Data:      res.Data,
			})
		})(stream.TakeUntil[*operation.Result](stream.Filter(teardownOf(op.Key))(ops))(f.source(op)))
	})(stream.Filter(fetches)(ops))

	forwarded := f.in.Forward(stream.Filter(func(op *operation.Operation) bool {
		return !fetches(op)
	})(ops))

	return stream.Merge(fetched, forwarded)
}

// source starts the request when subscribed and delivers its results on the
// client loop. Cancelling the subscription aborts the request.
func (f *fetcher) source(op *operation.Operation) stream.Source[*operation.Result] {
	return stream.Make(func(obs stream.Observer[*operation.Result]) func() {
		ctx, cancel := context.WithCancel(context.Background())
		ctx, rid := reqid.NewContext(ctx)
		go f.run(ctx, rid, op,
			func(res *operation.Result) { f.in.Client.Run(func() { obs.Next(res) }) },
			func() { f.in.Client.Run(obs.Complete) })
		return cancel
	})
}

func (f *fetcher) run(ctx context.Context, rid int64, op *operation.Operation, emit func(*operation.Result), done func()) {
	defer done()

	body := MakeBody(op)
	method, target := requestTarget(op, body)
	start := time.Now()
	eventbus.Publish(ctx, f.bus, events.FetchStart{Operation: op, URL: target, Method: method})
	finish := events.FetchFinish{Operation: op, URL: target, Method: method}
	defer func() {
		finish.Duration = time.Since(start)
		finish.Aborted = ctx.Err() != nil
		eventbus.Publish(ctx, f.bus, finish)
	}()

	req := f.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", acceptHeader).
		SetHeader(reqid.Header, reqid.Format(rid))
	for k, vs := range op.Context.FetchOptions.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if method != http.MethodGet {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, target)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		finish.Err = err
		emit(result.MakeErrorResult(op, fmt.Errorf("fetch %s: %w", target, err), nil))
		return
	}
	raw := resp.RawBody()
	defer raw.Close()
	finish.Status = resp.StatusCode()

	var last *operation.Result
	pending := result.NewPendingRegistry()
	var payloadErr error
	err = decodePayloads(resp.Header().Get("Content-Type"), raw, func(payload map[string]any) bool {
		if ctx.Err() != nil {
			return false
		}
		var next *operation.Result
		if last == nil {
			pending.Observe(payload)
			next, payloadErr = result.MakeResult(op, payload, resp.RawResponse)
			if payloadErr != nil {
				return false
			}
		} else {
			next = result.MergeResultPatch(last, payload, resp.RawResponse, pending)
		}
		last = next
		emit(next)
		return next.HasNext
	})
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		err = payloadErr
	}

	switch {
	case last == nil && resp.StatusCode() >= http.StatusMultipleChoices:
		err = errors.New(resp.Status())
	case last == nil && err == nil:
		err = result.ErrNoContent
	case last != nil && last.HasNext:
		// the stream ended before announcing its last patch
		closed := last.Clone()
		closed.HasNext = false
		emit(closed)
		return
	}
	if last == nil {
		finish.Err = err
		emit(result.MakeErrorResult(op, err, resp.RawResponse))
	}
}
