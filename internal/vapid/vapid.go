// Package vapid implements the RFC 8292 VAPID key lifecycle and JWT
// issuance: an ECDSA P-256 keypair, its JWK thumbprint-derived key id,
// and the ES256-signed JWT a lease issues without ever touching the
// master secret or MKEK.
package vapid

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ats-kms/enclave/internal/cryptoutil"
)

// MaxTTL is the longest lifetime RFC 8292 allows for a VAPID JWT's exp.
const MaxTTL = 24 * time.Hour

// KeyPair is a VAPID application server identity.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	Kid        string
}

// GenerateKeyPair creates a fresh P-256 VAPID keypair and computes its
// kid as the RFC 7638 thumbprint of the public key.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("vapid: generating keypair: %w", err)
	}
	kid, err := cryptoutil.JWKThumbprint(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("vapid: computing kid: %w", err)
	}
	return &KeyPair{PrivateKey: priv, Kid: kid}, nil
}

// KeyPairFromPrivate reconstructs a KeyPair from raw private scalar
// bytes, used when a lease unwraps its stored LAK-delegated private key.
func KeyPairFromPrivate(d []byte) (*KeyPair, error) {
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = elliptic.P256()
	priv.D = new(big.Int).SetBytes(d)
	priv.PublicKey.X, priv.PublicKey.Y = elliptic.P256().ScalarBaseMult(d)
	kid, err := cryptoutil.JWKThumbprint(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("vapid: computing kid: %w", err)
	}
	return &KeyPair{PrivateKey: priv, Kid: kid}, nil
}

// Claims mirrors RFC 8292's VAPID JWT payload plus the enclave's own
// bookkeeping claims.
type Claims struct {
	jwt.RegisteredClaims
	UID string `json:"uid,omitempty"`
	EID string `json:"eid,omitempty"`
}

// IssueJWT builds and signs an ES256 VAPID JWT valid for ttl (capped at
// MaxTTL), for the given audience (the push service's origin) and
// subject (a mailto: or https: contact URI).
func IssueJWT(kp *KeyPair, audience, subject, uid, eid string, ttl time.Duration) (string, error) {
	if ttl <= 0 || ttl > MaxTTL {
		return "", fmt.Errorf("vapid: ttl %s out of range (0, %s]", ttl, MaxTTL)
	}
	now := time.Now().UTC()
	return IssueJWTAt(kp, audience, subject, uid, eid, uuid.NewString(), now, now.Add(ttl))
}

// IssueJWTAt builds and signs an ES256 VAPID JWT with an explicit jti,
// issuedAt, and expiry, used by callers (batch issuance, replay of a
// caller-chosen jti/exp) that need precise control over those claims
// rather than a relative ttl.
func IssueJWTAt(kp *KeyPair, audience, subject, uid, eid, jti string, issuedAt, exp time.Time) (string, error) {
	if !exp.After(issuedAt) || exp.Sub(issuedAt) > MaxTTL {
		return "", fmt.Errorf("vapid: exp %s out of range relative to iat %s (max %s)", exp, issuedAt, MaxTTL)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{audience},
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ID:        jti,
		},
		UID: uid,
		EID: eid,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = kp.Kid

	signed, err := token.SignedString(kp.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("vapid: signing JWT: %w", err)
	}
	return signed, nil
}
