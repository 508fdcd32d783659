package request

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hanpama/gqlflow/internal/language"
	"github.com/hanpama/gqlflow/internal/operation"
)

// Formatter prepares documents for the wire: every selection set below an
// operation root gains a __typename field and client-only directives
// (names starting with "_") are removed. Results are memoized by request key.
type Formatter struct {
	cache *lru.Cache[operation.Key, *language.QueryDocument]
}

func NewFormatter(size int) *Formatter {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[operation.Key, *language.QueryDocument](size)
	return &Formatter{cache: cache}
}

// Format returns the formatted form of doc. The input is never modified.
func (f *Formatter) Format(doc *language.QueryDocument, key operation.Key) *language.QueryDocument {
	if doc == nil {
		return nil
	}
	if formatted, ok := f.cache.Get(key); ok {
		return formatted
	}
	formatted := FormatDocument(doc)
	f.cache.Add(key, formatted)
	return formatted
}

// FormatDocument is Format without memoization.
func FormatDocument(doc *language.QueryDocument) *language.QueryDocument {
	out := &language.QueryDocument{
		Operations: make(language.OperationList, 0, len(doc.Operations)),
		Fragments:  make(language.FragmentDefinitionList, 0, len(doc.Fragments)),
		Position:   doc.Position,
	}
	for _, op := range doc.Operations {
		copied := *op
		copied.Directives = stripClientDirectives(op.Directives)
		copied.SelectionSet = formatSelectionSet(op.SelectionSet, false)
		out.Operations = append(out.Operations, &copied)
	}
	for _, frag := range doc.Fragments {
		copied := *frag
		copied.Directives = stripClientDirectives(frag.Directives)
		copied.SelectionSet = formatSelectionSet(frag.SelectionSet, true)
		out.Fragments = append(out.Fragments, &copied)
	}
	return out
}

func formatSelectionSet(set language.SelectionSet, addTypename bool) language.SelectionSet {
	out := make(language.SelectionSet, 0, len(set)+1)
	hasTypename := false
	for _, sel := range set {
		switch sel := sel.(type) {
		case *language.Field:
			copied := *sel
			copied.Directives = stripClientDirectives(sel.Directives)
			if len(sel.SelectionSet) > 0 {
				copied.SelectionSet = formatSelectionSet(sel.SelectionSet, true)
			}
			if sel.Name == language.TypenameField && (sel.Alias == "" || sel.Alias == sel.Name) {
				hasTypename = true
			}
			out = append(out, &copied)
		case *language.InlineFragment:
			copied := *sel
			copied.Directives = stripClientDirectives(sel.Directives)
			copied.SelectionSet = formatSelectionSet(sel.SelectionSet, true)
			out = append(out, &copied)
		case *language.FragmentSpread:
			copied := *sel
			copied.Directives = stripClientDirectives(sel.Directives)
			out = append(out, &copied)
		default:
			out = append(out, sel)
		}
	}
	if addTypename && !hasTypename {
		out = append(out, &language.Field{
			Alias: language.TypenameField,
			Name:  language.TypenameField,
		})
	}
	return out
}

func stripClientDirectives(list language.DirectiveList) language.DirectiveList {
	if len(list) == 0 {
		return list
	}
	out := make(language.DirectiveList, 0, len(list))
	for _, d := range list {
		if strings.HasPrefix(d.Name, "_") {
			continue
		}
		out = append(out, d)
	}
	return out
}
