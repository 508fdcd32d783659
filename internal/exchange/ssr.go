package exchange

import (
	"errors"
	"fmt"

	"github.com/vektah/gqlparser/v2/ast"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hanpama/gqlflow/internal/operation"
	"github.com/hanpama/gqlflow/internal/stream"
)

// SerializedError is the transferable form of a CombinedError.
type SerializedError struct {
	GraphQLErrors []any  `json:"graphQLErrors,omitempty"`
	NetworkError  string `json:"networkError,omitempty"`
}

// SerializedResult is the transferable form of a result. Data and Extensions
// hold protojson encoded google.protobuf.Value messages.
type SerializedResult struct {
	Data       string           `json:"data,omitempty"`
	Extensions string           `json:"extensions,omitempty"`
	Error      *SerializedError `json:"error,omitempty"`
	HasNext    bool             `json:"hasNext,omitempty"`
}

// SSROptions configures an SSR exchange.
type SSROptions struct {
	// IsClient selects client mode, in which restored results are served
	// once and then dropped. In server mode results are recorded.
	IsClient bool
	// InitialState is restored when the exchange is created.
	InitialState map[operation.Key]SerializedResult
	// StaleWhileRevalidate marks restored results stale and reexecutes
	// them network-only once.
	StaleWhileRevalidate bool
	// IncludeExtensions keeps result extensions in serialized results.
	IncludeExtensions bool
}

// SSR transfers results between a server render and a client. The server
// side records results; the client side replays them.
type SSR struct {
	opts        SSROptions
	data        map[operation.Key]*SerializedResult
	revalidated map[operation.Key]struct{}
	invalidate  []operation.Key
}

func NewSSR(opts SSROptions) *SSR {
	s := &SSR{
		opts:        opts,
		data:        make(map[operation.Key]*SerializedResult),
		revalidated: make(map[operation.Key]struct{}),
	}
	if opts.InitialState != nil {
		s.RestoreData(opts.InitialState)
	}
	return s
}

// RestoreData adds serialized results. Keys that were already served and
// invalidated are never restored.
func (s *SSR) RestoreData(results map[operation.Key]SerializedResult) {
	for key, res := range results {
		if prev, ok := s.data[key]; ok && prev == nil {
			continue
		}
		res := res
		s.data[key] = &res
	}
}

// ExtractData returns the recorded results.
func (s *SSR) ExtractData() map[operation.Key]SerializedResult {
	out := make(map[operation.Key]SerializedResult, len(s.data))
	for key, res := range s.data {
		if res != nil {
			out[key] = *res
		}
	}
	return out
}

// Exchange returns the exchange backed by s.
func (s *SSR) Exchange() Exchange {
	return Exchange{Name: "ssrExchange", New: s.io}
}

func (s *SSR) restored(op *operation.Operation) (*SerializedResult, bool) {
	res, ok := s.data[op.Key]
	return res, ok && res != nil
}

func (s *SSR) io(in Input) IO {
	return func(ops stream.Source[*operation.Operation]) stream.Source[*operation.Result] {
		forwarded := in.Forward(stream.Filter(func(op *operation.Operation) bool {
			res, ok := s.restored(op)
			return op.Kind == operation.Teardown || !ok || res.HasNext ||
				op.Context.RequestPolicy == operation.NetworkOnly
		})(ops))

		cached := stream.Map(func(op *operation.Operation) *operation.Result {
			serialized, _ := s.restored(op)
			res := deserializeResult(op, serialized, s.opts.IncludeExtensions)
			if s.opts.StaleWhileRevalidate {
				if _, done := s.revalidated[op.Key]; !done {
					res.Stale = true
					s.revalidated[op.Key] = struct{}{}
					reexecuteNetworkOnly(in.Client, op)
				}
			}
			res.Operation = op.WithMeta(func(m *operation.Meta) { m.CacheOutcome = operation.CacheHit })
			return res
		})(stream.Filter(func(op *operation.Operation) bool {
			_, ok := s.restored(op)
			return op.Kind != operation.Teardown && ok && op.Context.RequestPolicy != operation.NetworkOnly
		})(ops))

		if s.opts.IsClient {
			cached = stream.OnPush(func(res *operation.Result) {
				s.scheduleInvalidation(in.Client, res.Operation.Key)
			})(cached)
		} else {
			forwarded = stream.OnPush(func(res *operation.Result) {
				if res.Operation.Kind == operation.Mutation {
					return
				}
				serialized, err := serializeResult(res, s.opts.IncludeExtensions)
				if err != nil {
					in.logger().Warn("cannot serialize result",
						zap.Uint32("key", uint32(res.Operation.Key)),
						zap.Error(err))
					return
				}
				s.data[res.Operation.Key] = serialized
			})(forwarded)
		}

		return stream.Merge(forwarded, cached)
	}
}

// scheduleInvalidation drops served results once the current callback has
// finished, so every consumer of the same render still sees them.
func (s *SSR) scheduleInvalidation(client Client, key operation.Key) {
	s.invalidate = append(s.invalidate, key)
	if len(s.invalidate) > 1 {
		return
	}
	client.Run(func() {
		for _, k := range s.invalidate {
			s.data[k] = nil
		}
		s.invalidate = nil
	})
}

func serializeResult(res *operation.Result, includeExtensions bool) (*SerializedResult, error) {
	out := &SerializedResult{HasNext: res.HasNext}
	if res.Data != nil {
		raw, err := marshalValue(res.Data)
		if err != nil {
			return nil, fmt.Errorf("serialize data: %w", err)
		}
		out.Data = raw
	}
	if includeExtensions && len(res.Extensions) > 0 {
		raw, err := marshalValue(res.Extensions)
		if err != nil {
			return nil, fmt.Errorf("serialize extensions: %w", err)
		}
		out.Extensions = raw
	}
	if res.Error != nil {
		serr := &SerializedError{}
		for _, e := range res.Error.GraphQLErrors {
			m := map[string]any{"message": e.Message}
			if len(e.Path) > 0 {
				path := make([]any, len(e.Path))
				for i, el := range e.Path {
					switch el := el.(type) {
					case ast.PathName:
						path[i] = string(el)
					case ast.PathIndex:
						path[i] = int(el)
					}
				}
				m["path"] = path
			}
			if len(e.Extensions) > 0 {
				m["extensions"] = e.Extensions
			}
			serr.GraphQLErrors = append(serr.GraphQLErrors, m)
		}
		if res.Error.NetworkError != nil {
			serr.NetworkError = res.Error.NetworkError.Error()
		}
		out.Error = serr
	}
	return out, nil
}

func deserializeResult(op *operation.Operation, s *SerializedResult, includeExtensions bool) *operation.Result {
	res := &operation.Result{Operation: op, HasNext: s.HasNext}
	if s.Data != "" {
		if v, err := unmarshalValue(s.Data); err == nil {
			res.Data = v
		}
	}
	if includeExtensions && s.Extensions != "" {
		if v, err := unmarshalValue(s.Extensions); err == nil {
			if m, ok := v.(map[string]any); ok {
				res.Extensions = m
			}
		}
	}
	if s.Error != nil {
		var netErr error
		if s.Error.NetworkError != "" {
			netErr = errors.New(s.Error.NetworkError)
		}
		res.Error = operation.NewCombinedError(s.Error.GraphQLErrors, netErr, nil)
	}
	return res
}

func marshalValue(v any) (string, error) {
	pv, err := structpb.NewValue(normalizeValue(v))
	if err != nil {
		return "", err
	}
	raw, err := protojson.Marshal(pv)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalValue(raw string) (any, error) {
	var pv structpb.Value
	if err := protojson.Unmarshal([]byte(raw), &pv); err != nil {
		return nil, err
	}
	return pv.AsInterface(), nil
}

// normalizeValue converts the slices and maps of decoded data into the
// shapes structpb accepts.
func normalizeValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = normalizeValue(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = normalizeValue(child)
		}
		return out
	case []map[string]any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = normalizeValue(child)
		}
		return out
	}
	return v
}
