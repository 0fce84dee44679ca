package testutil

import (
	"io"
	"math/rand/v2"
)

// DeterministicReader returns a seeded random stream so generated keys and
// nonces repeat across runs. Never use outside tests.
func DeterministicReader(seed byte) io.Reader {
	return rand.NewChaCha8([32]byte{seed})
}
