// Package wrap implements the AES-256-GCM envelope used to wrap
// application private keys under the MKEK or a SessionKEK, generalized
// to wrap arbitrary 32-to-few-hundred-byte key material and binding
// each ciphertext to an AAD describing the key it protects.
package wrap

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// AEADAlgAES256GCM identifies the algorithm recorded alongside every
// wrapped-key record.
const AEADAlgAES256GCM = "AES-256-GCM"

// AAD describes the bound context for a wrapped key: the schema
// version, key id, algorithm, purpose, creation time, and key type, so
// a ciphertext can never be swapped in under a different key's record
// without failing authentication.
type AAD struct {
	Version   int    `json:"version"`
	Kid       string `json:"kid"`
	Alg       string `json:"alg"`
	Purpose   string `json:"purpose"`
	CreatedAt string `json:"createdAt"`
	KeyType   string `json:"keyType"`
}

// Bytes renders the AAD in the fixed field order it must be
// authenticated with; re-deriving a different byte sequence for the
// same logical AAD would make every previously wrapped key unreadable.
func (a AAD) Bytes() []byte {
	return []byte(fmt.Sprintf(
		"v=%d;kid=%s;alg=%s;purpose=%s;createdAt=%s;keyType=%s",
		a.Version, a.Kid, a.Alg, a.Purpose, a.CreatedAt, a.KeyType,
	))
}

// Envelope is a wrapped key ready for storage.
type Envelope struct {
	Ciphertext []byte
	Nonce      []byte
	Alg        string
	AAD        AAD
}

// Wrap encrypts plaintext (a private key's raw bytes) under kek using
// AES-256-GCM with a fresh random nonce, binding aad as additional
// authenticated data.
func Wrap(kek *[32]byte, plaintext []byte, aad AAD) (*Envelope, error) {
	if kek == nil {
		return nil, fmt.Errorf("wrap: nil key-encryption key")
	}

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("wrap: generating nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, plaintext, aad.Bytes())

	return &Envelope{
		Ciphertext: ct,
		Nonce:      nonce,
		Alg:        AEADAlgAES256GCM,
		AAD:        aad,
	}, nil
}

// Unwrap decrypts an Envelope under kek, verifying its bound AAD.
// Any mismatch between env.AAD and the AAD the caller expected — a
// different kid, purpose, or key type — must be checked by the caller
// before calling Unwrap, since the AAD bytes are part of the GCM tag
// check, and a mismatched aad argument here simply fails integrity.
func Unwrap(kek *[32]byte, env *Envelope) ([]byte, error) {
	if kek == nil {
		return nil, fmt.Errorf("unwrap: nil key-encryption key")
	}

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, err
	}

	pt, err := gcm.Open(nil, env.Nonce, env.Ciphertext, env.AAD.Bytes())
	if err != nil {
		return nil, fmt.Errorf("unwrap: authentication failed: %w", err)
	}
	return pt, nil
}

// Rewrap unwraps env under oldKEK and re-wraps the plaintext under
// newKEK with a fresh nonce and (possibly updated) AAD, used when a
// lease re-wraps a VAPID private key's LAK-delegated copy under a
// SessionKEK without ever needing the MKEK again.
func Rewrap(oldKEK *[32]byte, env *Envelope, newKEK *[32]byte, newAAD AAD) (*Envelope, error) {
	pt, err := Unwrap(oldKEK, env)
	if err != nil {
		return nil, fmt.Errorf("rewrap: %w", err)
	}
	return Wrap(newKEK, pt, newAAD)
}

func newGCM(key *[32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("wrap: building AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("wrap: building GCM mode: %w", err)
	}
	return gcm, nil
}
