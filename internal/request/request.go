// Package request builds keyed GraphQL requests and the formatted documents
// exchanges send over the wire.
package request

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hanpama/gqlflow/internal/language"
	"github.com/hanpama/gqlflow/internal/operation"
)

// DefaultCacheSize bounds each memo table of a Keyer or Formatter.
const DefaultCacheSize = 1000

// Keyer turns query documents and variables into keyed requests. Parsed
// documents and document keys are memoized, so equal query text always
// yields the same document pointer and the same key.
type Keyer struct {
	texts    *lru.Cache[string, *language.QueryDocument]
	docs     *lru.Cache[operation.Key, *language.QueryDocument]
	keys     *lru.Cache[*language.QueryDocument, operation.Key]
	variable *Stringifier
}

// NewKeyer returns a Keyer whose memo tables hold at most size entries each.
func NewKeyer(size int) *Keyer {
	if size <= 0 {
		size = DefaultCacheSize
	}
	texts, _ := lru.New[string, *language.QueryDocument](size)
	docs, _ := lru.New[operation.Key, *language.QueryDocument](size)
	keys, _ := lru.New[*language.QueryDocument, operation.Key](size)
	return &Keyer{texts: texts, docs: docs, keys: keys, variable: NewStringifier()}
}

// CreateRequest parses query (memoized) and keys it together with variables.
func (k *Keyer) CreateRequest(query string, variables map[string]any) (operation.Request, error) {
	doc, err := k.Parse(query)
	if err != nil {
		return operation.Request{}, err
	}
	return k.CreateRequestFromDocument(doc, variables), nil
}

// CreateRequestFromDocument keys an already parsed document with variables.
func (k *Keyer) CreateRequestFromDocument(doc *language.QueryDocument, variables map[string]any) operation.Request {
	key := k.DocumentKey(doc)
	if vars := k.variable.Stringify(variables); vars != "{}" && vars != "null" {
		key = Hash(vars, key)
	}
	return operation.Request{Key: key, Query: doc, Variables: variables}
}

// Parse returns the document for query text. Texts differing only in
// layout share one document.
func (k *Keyer) Parse(query string) (*language.QueryDocument, error) {
	text := sanitize(query)
	if doc, ok := k.texts.Get(text); ok {
		return doc, nil
	}
	doc, err := language.ParseQuery(text)
	if err != nil {
		return nil, fmt.Errorf("parse query: %w", err)
	}
	key := k.DocumentKey(doc)
	if prev, ok := k.docs.Get(key); ok {
		doc = prev
	} else {
		k.docs.Add(key, doc)
	}
	k.texts.Add(text, doc)
	return doc, nil
}

// DocumentKey hashes the compact printed form of doc. Named operations also
// fold in their name.
func (k *Keyer) DocumentKey(doc *language.QueryDocument) operation.Key {
	if key, ok := k.keys.Get(doc); ok {
		return key
	}
	key := Hash(language.PrintCompact(doc), 0)
	if name := language.OperationName(doc); name != "" {
		key = Hash("\n# "+name, key)
	}
	k.keys.Add(doc, key)
	return key
}

// StringifyVariables renders variables the way request keys see them.
func (k *Keyer) StringifyVariables(variables any) string {
	return k.variable.Stringify(variables)
}

func sanitize(query string) string {
	return strings.TrimSpace(strings.ReplaceAll(query, "\r\n", "\n"))
}
