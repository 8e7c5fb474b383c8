package history

import (
	"crypto/rand"
	"io"
)

// ulidEntropySource provides the randomness ulid.Monotonic mixes into the
// low bits of each id so that ids minted within the same millisecond still
// sort consistently with append order.
func ulidEntropySource() io.Reader {
	return rand.Reader
}
