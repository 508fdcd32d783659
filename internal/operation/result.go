package operation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

// Result is the outcome of an operation. Nil Data means no data was delivered.
type Result struct {
	Operation  *Operation
	Data       any
	Error      *CombinedError
	Extensions map[string]any
	// Stale is set when a fresher result has been requested but has not arrived.
	Stale bool
	// HasNext is set while more patches of an incremental or subscription
	// result are expected.
	HasNext bool
}

// Clone returns a shallow copy of r.
func (r *Result) Clone() *Result {
	out := *r
	return &out
}

// CombinedError holds the GraphQL errors of a response and at most one
// network error. It is carried on Result.Error and never raised.
type CombinedError struct {
	GraphQLErrors gqlerror.List
	NetworkError  error
	// Response is the transport response the error was built from, if any.
	Response any
}

// NewCombinedError builds a CombinedError, normalizing every wire error.
func NewCombinedError(graphQLErrors []any, networkError error, response any) *CombinedError {
	out := &CombinedError{NetworkError: networkError, Response: response}
	for _, e := range graphQLErrors {
		out.GraphQLErrors = append(out.GraphQLErrors, NormalizeGraphQLError(e))
	}
	return out
}

func (e *CombinedError) Error() string {
	if e.NetworkError != nil {
		return e.NetworkError.Error()
	}
	msgs := make([]string, len(e.GraphQLErrors))
	for i, ge := range e.GraphQLErrors {
		msgs[i] = ge.Message
	}
	return strings.Join(msgs, "\n")
}

func (e *CombinedError) Unwrap() error { return e.NetworkError }

// NormalizeGraphQLError turns the shapes a GraphQL error may arrive in into a
// *gqlerror.Error.
func NormalizeGraphQLError(v any) *gqlerror.Error {
	switch e := v.(type) {
	case *gqlerror.Error:
		return e
	case gqlerror.Error:
		return &e
	case string:
		return &gqlerror.Error{Message: e}
	case map[string]any:
		out := &gqlerror.Error{}
		if raw, err := json.Marshal(e); err == nil {
			if err := json.Unmarshal(raw, out); err == nil && out.Message != "" {
				return out
			}
		}
		if msg, ok := e["message"].(string); ok {
			return &gqlerror.Error{Message: msg}
		}
		return &gqlerror.Error{Message: fmt.Sprint(e)}
	case error:
		var ge *gqlerror.Error
		if errors.As(e, &ge) {
			return ge
		}
		return &gqlerror.Error{Message: e.Error(), Err: e}
	default:
		return &gqlerror.Error{Message: fmt.Sprint(v)}
	}
}

// PathOf converts a wire path into an ast.Path.
func PathOf(elems []any) ast.Path {
	out := make(ast.Path, 0, len(elems))
	for _, el := range elems {
		switch v := el.(type) {
		case string:
			out = append(out, ast.PathName(v))
		case int:
			out = append(out, ast.PathIndex(v))
		case float64:
			out = append(out, ast.PathIndex(int(v)))
		}
	}
	return out
}

// DebugEvent is emitted by exchanges on the debug side channel.
type DebugEvent struct {
	Type      string
	Message   string
	Operation *Operation
	Data      any
	Timestamp time.Time
	Source    string
}
