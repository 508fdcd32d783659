package request

import (
	"unicode/utf16"

	"github.com/hanpama/gqlflow/internal/operation"
)

const hashSeed = 5381

// Hash folds s into seed with the djb2 step (h*33 + c), wrapping at 32 bits.
// Characters fold as UTF-16 code units. A zero seed starts a fresh hash.
func Hash(s string, seed operation.Key) operation.Key {
	h := uint32(seed)
	if h == 0 {
		h = hashSeed
	}
	for _, r := range s {
		if r >= 0x10000 {
			hi, lo := utf16.EncodeRune(r)
			h = (h << 5) + h + uint32(hi)
			r = lo
		}
		h = (h << 5) + h + uint32(r)
	}
	return operation.Key(h)
}
