package cryptoutil

import (
	"crypto/ecdsa"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// derSignature mirrors the ASN.1 structure crypto/ecdsa.Sign produces.
type derSignature struct {
	R, S *big.Int
}

// DERToP1363 converts a DER-encoded ECDSA signature (the form
// crypto/ecdsa.SignASN1 returns) into the fixed-size JOSE/P-1363 form
// (r || s, zero-padded to 32 bytes each) that JWS ES256 and the audit
// chain's compact signature field use.
func DERToP1363(der []byte) ([]byte, error) {
	var sig derSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, fmt.Errorf("cryptoutil: decoding DER signature: %w", err)
	}
	out := make([]byte, coordSize*2)
	copy(out[coordSize-len(sig.R.Bytes()):coordSize], sig.R.Bytes())
	copy(out[coordSize*2-len(sig.S.Bytes()):], sig.S.Bytes())
	return out, nil
}

// P1363ToDER converts a fixed-size r||s signature into ASN.1 DER, the
// form crypto/ecdsa.VerifyASN1 expects.
func P1363ToDER(p1363 []byte) ([]byte, error) {
	if len(p1363) != coordSize*2 {
		return nil, fmt.Errorf("cryptoutil: invalid P-1363 signature length %d", len(p1363))
	}
	r := new(big.Int).SetBytes(p1363[:coordSize])
	s := new(big.Int).SetBytes(p1363[coordSize:])
	return asn1.Marshal(derSignature{R: r, S: s})
}

// SignP1363 signs digest with priv and returns the signature in the
// fixed-size r||s form used by the audit chain and VAPID JWTs.
func SignP1363(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	der, err := ecdsa.SignASN1(randReader(), priv, digest)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: signing digest: %w", err)
	}
	return DERToP1363(der)
}

// VerifyP1363 verifies a fixed-size r||s signature against digest.
func VerifyP1363(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	der, err := P1363ToDER(sig)
	if err != nil {
		return false
	}
	return ecdsa.VerifyASN1(pub, digest, der)
}

// ECPrivateBytes returns the raw, zero-padded 32-byte scalar of a P-256
// private key — the "raw" export form wrap.Wrap stores at rest for
// audit and VAPID signing keys alike.
func ECPrivateBytes(priv *ecdsa.PrivateKey) []byte {
	return pad32(priv.D)
}
