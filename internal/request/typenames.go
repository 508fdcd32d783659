package request

import (
	"sort"

	"github.com/hanpama/gqlflow/internal/language"
)

// CollectTypenames returns every __typename string found anywhere in data,
// sorted and without duplicates.
func CollectTypenames(data any) []string {
	seen := make(map[string]struct{})
	collectTypenames(data, seen)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func collectTypenames(v any, seen map[string]struct{}) {
	switch v := v.(type) {
	case map[string]any:
		if name, ok := v[language.TypenameField].(string); ok {
			seen[name] = struct{}{}
		}
		for _, child := range v {
			collectTypenames(child, seen)
		}
	case []any:
		for _, child := range v {
			collectTypenames(child, seen)
		}
	}
}
