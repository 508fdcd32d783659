package result

// Pending is an announced location that a later incremental patch with the
// same ID will be applied to.
type Pending struct {
	ID    string
	Path  []any
	Label string
}

// PendingRegistry tracks the pending entries announced over one response.
// Entries are registered from a payload's "pending" list. A data patch
// consumes its entry; a streamed items patch keeps it until the entry is
// listed in "completed".
type PendingRegistry struct {
	entries map[string]Pending
}

func NewPendingRegistry() *PendingRegistry {
	return &PendingRegistry{entries: make(map[string]Pending)}
}

// Observe registers the "pending" entries of payload.
func (r *PendingRegistry) Observe(payload map[string]any) {
	list, _ := payload["pending"].([]any)
	for _, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, ok := entry["id"].(string)
		if !ok {
			continue
		}
		path, ok := normalizePath(entry["path"])
		if !ok {
			continue
		}
		label, _ := entry["label"].(string)
		r.entries[id] = Pending{ID: id, Path: path, Label: label}
	}
}

// Complete drops the entries listed in the "completed" list of payload and
// returns the errors those entries carry.
func (r *PendingRegistry) Complete(payload map[string]any) []any {
	list, _ := payload["completed"].([]any)
	var errs []any
	for _, raw := range list {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := entry["id"].(string); ok {
			delete(r.entries, id)
		}
		if e, ok := entry["errors"].([]any); ok {
			errs = append(errs, e...)
		}
	}
	return errs
}

// Lookup returns the entry registered under id.
func (r *PendingRegistry) Lookup(id string) (Pending, bool) {
	p, ok := r.entries[id]
	return p, ok
}

func (r *PendingRegistry) consume(id string) { delete(r.entries, id) }

func (r *PendingRegistry) Len() int { return len(r.entries) }
