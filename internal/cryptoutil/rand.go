package cryptoutil

import (
	"crypto/rand"
	"io"
)

// randReader isolates the source of randomness behind a function so
// every call site reads the same way and can be swapped in tests.
func randReader() io.Reader {
	return rand.Reader
}
