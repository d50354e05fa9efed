// Package cryptoutil holds the small, shared encoding and key-format
// helpers used across the enclave: base64url, JWK thumbprints, and the
// raw/DER conversions the audit chain and VAPID signer both need.
package cryptoutil

import "encoding/base64"

// B64URL encodes b as unpadded base64url, the encoding used for every
// key id, nonce, and signature that crosses the RPC boundary.
func B64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// B64URLDecode decodes an unpadded base64url string.
func B64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
