package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"
)

// coordSize is the byte length of a P-256 field element.
const coordSize = 32

// RawPublicKey returns the uncompressed SEC1 point encoding of a P-256
// public key: 0x04 || X || Y, 65 bytes total.
func RawPublicKey(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(elliptic.P256(), pub.X, pub.Y)
}

// ParseRawPublicKey decodes an uncompressed P-256 point back into a
// public key.
func ParseRawPublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, fmt.Errorf("cryptoutil: invalid uncompressed P-256 point")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// jwkThumbprintInput is the lexicographically-ordered member set RFC 7638
// requires for an EC key thumbprint. Field order here is insignificant;
// json.Marshal of a map is not used because Go does not guarantee key
// order for maps, so the members are written out by hand instead.
type jwkThumbprintInput struct {
	Crv string `json:"crv"`
	Kty string `json:"kty"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// JWKThumbprint computes the RFC 7638 JWK thumbprint of a P-256 public
// key: the base64url-encoded SHA-256 digest of the canonical JSON
// `{"crv":"P-256","kty":"EC","x":...,"y":...}`. The result is always 43
// characters.
func JWKThumbprint(pub *ecdsa.PublicKey) (string, error) {
	x := pad32(pub.X)
	y := pad32(pub.Y)

	canonical := fmt.Sprintf(
		`{"crv":"P-256","kty":"EC","x":%q,"y":%q}`,
		B64URL(x), B64URL(y),
	)

	var probe jwkThumbprintInput
	if err := json.Unmarshal([]byte(canonical), &probe); err != nil {
		return "", fmt.Errorf("cryptoutil: building thumbprint input: %w", err)
	}

	sum := sha256.Sum256([]byte(canonical))
	return B64URL(sum[:]), nil
}

func pad32(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) == coordSize {
		return b
	}
	out := make([]byte, coordSize)
	copy(out[coordSize-len(b):], b)
	return out
}
