package result

import (
	"encoding/json"
	"maps"
	"slices"

	"github.com/vektah/gqlparser/v2/gqlerror"

	"github.com/hanpama/gqlflow/internal/operation"
)

// MergeResultPatch folds an incremental delivery payload into prev and
// returns the new result. prev is never modified; only the containers on a
// patched path are copied.
//
// Both the incremental list shape ({incremental, pending, completed,
// hasNext}) and the older top-level shape ({data|items, path}) are accepted.
// Patches that cannot be routed, such as an id with no pending entry or a path
// running through a scalar, are skipped.
func MergeResultPatch(prev *operation.Result, patch map[string]any, response any, pending *PendingRegistry) *operation.Result {
	payload := patch
	if inner, ok := patch["payload"].(map[string]any); ok {
		payload = inner
	}

	var errs gqlerror.List
	if prev.Error != nil {
		errs = append(errs, prev.Error.GraphQLErrors...)
	}
	extensions := maps.Clone(prev.Extensions)
	mergeExtensions := func(ext any) {
		if m, ok := ext.(map[string]any); ok {
			if extensions == nil {
				extensions = make(map[string]any, len(m))
			}
			maps.Copy(extensions, m)
		}
	}
	mergeExtensions(payload["extensions"])

	incremental, isIncremental := patch["incremental"].([]any)
	if _, ok := patch["path"]; ok {
		incremental, isIncremental = []any{patch}, true
	}
	if pending != nil {
		pending.Observe(patch)
	}

	data := prev.Data
	if isIncremental {
		for _, raw := range incremental {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if list, ok := item["errors"].([]any); ok {
				errs = appendErrors(errs, list)
			}
			mergeExtensions(item["extensions"])

			path, ok := resolvePath(item, pending)
			if !ok {
				continue
			}
			if next, ok := applyPatch(data, path, item); ok {
				data = next
				if id, ok := item["id"].(string); ok && item["items"] == nil && pending != nil {
					pending.consume(id)
				}
			}
		}
	} else {
		if next, ok := payload["data"]; ok && next != nil {
			data = next
		}
		if list, ok := payload["errors"].([]any); ok {
			errs = appendErrors(nil, list)
		}
	}
	if pending != nil {
		errs = appendErrors(errs, pending.Complete(patch))
	}

	out := &operation.Result{
		Operation:  prev.Operation,
		Data:       data,
		Extensions: extensions,
		HasNext:    prev.HasNext,
	}
	if len(errs) > 0 {
		out.Error = &operation.CombinedError{GraphQLErrors: errs, Response: response}
	}
	if hasNext, ok := patch["hasNext"].(bool); ok {
		out.HasNext = hasNext
	}
	return out
}

func appendErrors(list gqlerror.List, raw []any) gqlerror.List {
	for _, e := range raw {
		list = append(list, operation.NormalizeGraphQLError(e))
	}
	return list
}

func resolvePath(item map[string]any, pending *PendingRegistry) ([]any, bool) {
	if raw, ok := item["path"]; ok {
		return normalizePath(raw)
	}
	id, ok := item["id"].(string)
	if !ok {
		return nil, true
	}
	if pending == nil {
		return nil, false
	}
	entry, ok := pending.Lookup(id)
	if !ok {
		return nil, false
	}
	sub, ok := normalizePath(item["subPath"])
	if !ok {
		return nil, false
	}
	return append(slices.Clone(entry.Path), sub...), true
}

// normalizePath converts a wire path into string and int segments.
func normalizePath(raw any) ([]any, bool) {
	if raw == nil {
		return nil, true
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]any, 0, len(list))
	for _, seg := range list {
		switch s := seg.(type) {
		case string:
			out = append(out, s)
		case int:
			out = append(out, s)
		case float64:
			out = append(out, int(s))
		case json.Number:
			n, err := s.Int64()
			if err != nil {
				return nil, false
			}
			out = append(out, int(n))
		default:
			return nil, false
		}
	}
	return out, true
}

// applyPatch applies the data or items of item at path below root.
func applyPatch(root any, path []any, item map[string]any) (any, bool) {
	if items, ok := item["items"].([]any); ok {
		offset := -1
		if n := len(path); n > 0 {
			if idx, ok := path[n-1].(int); ok {
				offset, path = idx, path[:n-1]
			}
		}
		return setIn(root, path, func(node any) (any, bool) {
			var list []any
			switch n := node.(type) {
			case nil:
			case []any:
				list = slices.Clone(n)
			default:
				return nil, false
			}
			start := offset
			if start < 0 {
				start = len(list)
			}
			for i, v := range items {
				for len(list) <= start+i {
					list = append(list, nil)
				}
				list[start+i] = deepMerge(list[start+i], v)
			}
			return list, true
		})
	}
	data, ok := item["data"]
	if !ok || data == nil {
		return root, false
	}
	return setIn(root, path, func(node any) (any, bool) {
		return deepMerge(node, data), true
	})
}

// setIn copies every container along path and replaces the value at its end
// with leaf's result. Missing containers are created.
func setIn(node any, path []any, leaf func(any) (any, bool)) (any, bool) {
	if len(path) == 0 {
		return leaf(node)
	}
	switch seg := path[0].(type) {
	case string:
		var obj map[string]any
		switch n := node.(type) {
		case nil:
			obj = make(map[string]any)
		case map[string]any:
			obj = maps.Clone(n)
		default:
			return nil, false
		}
		child, ok := setIn(obj[seg], path[1:], leaf)
		if !ok {
			return nil, false
		}
		obj[seg] = child
		return obj, true
	case int:
		if seg < 0 {
			return nil, false
		}
		var list []any
		switch n := node.(type) {
		case nil:
		case []any:
			list = slices.Clone(n)
		default:
			return nil, false
		}
		for len(list) <= seg {
			list = append(list, nil)
		}
		child, ok := setIn(list[seg], path[1:], leaf)
		if !ok {
			return nil, false
		}
		list[seg] = child
		return list, true
	}
	return nil, false
}

// deepMerge merges source into a copy of target. Objects merge by key and
// lists by index; anything else is replaced by source.
func deepMerge(target, source any) any {
	switch t := target.(type) {
	case map[string]any:
		s, ok := source.(map[string]any)
		if !ok {
			return source
		}
		out := maps.Clone(t)
		for k, v := range s {
			out[k] = deepMerge(out[k], v)
		}
		return out
	case []any:
		s, ok := source.([]any)
		if !ok {
			return source
		}
		out := slices.Clone(t)
		for i, v := range s {
			if i < len(out) {
				out[i] = deepMerge(out[i], v)
			} else {
				out = append(out, v)
			}
		}
		return out
	}
	return source
}
