package cryptoutil

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey32 runs HKDF-SHA256 over ikm with the given salt and info
// string and returns 32 bytes of output key material. Every derivation
// in this codebase — MKEK from the master secret, SessionKEK from a
// lease salt, per-enrollment K_wrap — funnels through this one function
// so the domain-separation label is always the thing that varies.
func DeriveKey32(ikm, salt []byte, info string) (*[32]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := new([32]byte)
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return nil, fmt.Errorf("cryptoutil: HKDF derivation failed: %w", err)
	}
	return out, nil
}
