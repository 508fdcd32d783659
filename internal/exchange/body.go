package exchange

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/hanpama/gqlflow/internal/language"
	"github.com/hanpama/gqlflow/internal/operation"
)

// maxGetURLLength is the longest URL a GET request may use before falling
// back to POST.
const maxGetURLLength = 2048

// Body is the GraphQL-over-HTTP request body of an operation.
type Body struct {
	OperationName string         `json:"operationName,omitempty"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

// MakeBody builds the request body of op.
func MakeBody(op *operation.Operation) Body {
	body := Body{OperationName: op.Name()}
	if op.Query != nil {
		body.Query = language.Print(op.Query)
	}
	if len(op.Variables) > 0 {
		body.Variables = op.Variables
	}
	if len(op.Extensions) > 0 {
		body.Extensions = op.Extensions
	}
	return body
}

// requestTarget picks the method and URL of a fetch. Queries use GET with the
// body in the query string when the context prefers it and the URL stays short.
func requestTarget(op *operation.Operation, body Body) (string, string) {
	method := op.Context.FetchOptions.Method
	if method == "" {
		method = http.MethodPost
	}
	if !op.Context.PreferGetMethod || op.Kind != operation.Query {
		return method, op.Context.URL
	}

	params := url.Values{}
	params.Set("query", body.Query)
	if body.OperationName != "" {
		params.Set("operationName", body.OperationName)
	}
	if body.Variables != nil {
		if raw, err := json.Marshal(body.Variables); err == nil {
			params.Set("variables", string(raw))
		}
	}
	if body.Extensions != nil {
		if raw, err := json.Marshal(body.Extensions); err == nil {
			params.Set("extensions", string(raw))
		}
	}
	sep := "?"
	if strings.Contains(op.Context.URL, "?") {
		sep = "&"
	}
	target := op.Context.URL + sep + params.Encode()
	if len(target) >= maxGetURLLength {
		return http.MethodPost, op.Context.URL
	}
	return http.MethodGet, target
}
