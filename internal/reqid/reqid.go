package reqid

import (
	"context"
	"math/rand/v2"
	"strconv"
)

// Header carries the request ID on outgoing fetches.
const Header = "X-Request-ID"

// key is the context key for the request ID.
type key struct{}

// NewContext returns a copy of parent with a new random request ID stored.
// It also returns the generated ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := rand.Int64()
	return context.WithValue(parent, key{}, id), id
}

// FromContext extracts the request ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(key{})
	id, ok := v.(int64)
	return id, ok
}

// Format renders id the way it is sent in Header.
func Format(id int64) string {
	return strconv.FormatInt(id, 16)
}
