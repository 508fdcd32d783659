// Package result builds operation results from decoded GraphQL responses and
// folds incremental delivery patches into them.
package result

import (
	"errors"
	"maps"

	"github.com/hanpama/gqlflow/internal/operation"
)

// ErrNoContent is returned by MakeResult for a payload carrying neither data
// nor an errors list.
var ErrNoContent = errors.New("no content")

// MakeResult builds the result of op from a decoded response payload.
// Subscriptions default to HasNext when the payload does not state it.
func MakeResult(op *operation.Operation, payload map[string]any, response any) (*operation.Result, error) {
	data, hasData := payload["data"]
	rawErrors, hasErrors := payload["errors"].([]any)
	if !hasData && !hasErrors {
		return nil, ErrNoContent
	}

	out := &operation.Result{
		Operation: op,
		Data:      data,
		HasNext:   op.Kind == operation.Subscription,
	}
	if hasErrors {
		out.Error = operation.NewCombinedError(rawErrors, nil, response)
	}
	if ext, ok := payload["extensions"].(map[string]any); ok {
		out.Extensions = maps.Clone(ext)
	}
	if hasNext, ok := payload["hasNext"].(bool); ok {
		out.HasNext = hasNext
	}
	return out, nil
}

// MakeErrorResult builds a result carrying err as its network error.
func MakeErrorResult(op *operation.Operation, err error, response any) *operation.Result {
	return &operation.Result{
		Operation: op,
		Error:     &operation.CombinedError{NetworkError: err, Response: response},
	}
}
