package cryptoutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"strings"
	"testing"
)

func testKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return priv
}

func TestB64URLNoPadding(t *testing.T) {
	for _, n := range []int{1, 2, 3, 31, 32, 33} {
		b := make([]byte, n)
		s := B64URL(b)
		if strings.ContainsAny(s, "=+/") {
			t.Errorf("B64URL(%d bytes) = %q, contains padding or standard alphabet", n, s)
		}
		got, err := B64URLDecode(s)
		if err != nil {
			t.Fatalf("B64URLDecode() error = %v", err)
		}
		if len(got) != n {
			t.Errorf("round-trip length = %d, want %d", len(got), n)
		}
	}
}

func TestRawPublicKeyShape(t *testing.T) {
	priv := testKey(t)
	raw := RawPublicKey(&priv.PublicKey)
	if len(raw) != 65 {
		t.Fatalf("RawPublicKey() length = %d, want 65", len(raw))
	}
	if raw[0] != 0x04 {
		t.Errorf("RawPublicKey()[0] = %#x, want 0x04 (uncompressed)", raw[0])
	}

	pub, err := ParseRawPublicKey(raw)
	if err != nil {
		t.Fatalf("ParseRawPublicKey() error = %v", err)
	}
	if pub.X.Cmp(priv.PublicKey.X) != 0 || pub.Y.Cmp(priv.PublicKey.Y) != 0 {
		t.Error("ParseRawPublicKey() did not round-trip the point")
	}
}

func TestParseRawPublicKeyRejectsGarbage(t *testing.T) {
	if _, err := ParseRawPublicKey([]byte{0x02, 0x01}); err == nil {
		t.Error("ParseRawPublicKey() accepted a malformed point")
	}
}

func TestJWKThumbprintIsDeterministicAnd43Chars(t *testing.T) {
	priv := testKey(t)
	a, err := JWKThumbprint(&priv.PublicKey)
	if err != nil {
		t.Fatalf("JWKThumbprint() error = %v", err)
	}
	b, err := JWKThumbprint(&priv.PublicKey)
	if err != nil {
		t.Fatalf("JWKThumbprint() error = %v", err)
	}
	if a != b {
		t.Errorf("JWKThumbprint() not deterministic: %q vs %q", a, b)
	}
	if len(a) != 43 {
		t.Errorf("JWKThumbprint() length = %d, want 43", len(a))
	}
}

func TestJWKThumbprintDiffersAcrossKeys(t *testing.T) {
	a, err := JWKThumbprint(&testKey(t).PublicKey)
	if err != nil {
		t.Fatalf("JWKThumbprint() error = %v", err)
	}
	b, err := JWKThumbprint(&testKey(t).PublicKey)
	if err != nil {
		t.Fatalf("JWKThumbprint() error = %v", err)
	}
	if a == b {
		t.Error("JWKThumbprint() collided for independently generated keys")
	}
}

func TestJWKThumbprintMatchesCanonicalJSON(t *testing.T) {
	// Recompute the thumbprint by hand from the RFC 7638 canonical
	// member set and compare.
	priv := testKey(t)
	x := pad32(priv.PublicKey.X)
	y := pad32(priv.PublicKey.Y)
	canonical := `{"crv":"P-256","kty":"EC","x":"` + B64URL(x) + `","y":"` + B64URL(y) + `"}`
	sum := sha256.Sum256([]byte(canonical))
	want := B64URL(sum[:])

	got, err := JWKThumbprint(&priv.PublicKey)
	if err != nil {
		t.Fatalf("JWKThumbprint() error = %v", err)
	}
	if got != want {
		t.Errorf("JWKThumbprint() = %q, want %q", got, want)
	}
}

func TestSignP1363ShapeAndVerify(t *testing.T) {
	priv := testKey(t)
	digest := sha256.Sum256([]byte("payload"))

	sig, err := SignP1363(priv, digest[:])
	if err != nil {
		t.Fatalf("SignP1363() error = %v", err)
	}
	if len(sig) != 64 {
		t.Fatalf("SignP1363() length = %d, want 64", len(sig))
	}
	if !VerifyP1363(&priv.PublicKey, digest[:], sig) {
		t.Error("VerifyP1363() rejected a valid signature")
	}

	sig[10] ^= 0xff
	if VerifyP1363(&priv.PublicKey, digest[:], sig) {
		t.Error("VerifyP1363() accepted a corrupted signature")
	}
}

func TestDERToP1363RoundTrip(t *testing.T) {
	priv := testKey(t)
	digest := sha256.Sum256([]byte("round-trip"))

	der, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1() error = %v", err)
	}
	p1363, err := DERToP1363(der)
	if err != nil {
		t.Fatalf("DERToP1363() error = %v", err)
	}
	if len(p1363) != 64 {
		t.Fatalf("DERToP1363() length = %d, want 64", len(p1363))
	}
	back, err := P1363ToDER(p1363)
	if err != nil {
		t.Fatalf("P1363ToDER() error = %v", err)
	}
	if !ecdsa.VerifyASN1(&priv.PublicKey, digest[:], back) {
		t.Error("signature did not survive DER -> P-1363 -> DER")
	}
}

func TestP1363ToDERRejectsBadLength(t *testing.T) {
	if _, err := P1363ToDER(make([]byte, 63)); err == nil {
		t.Error("P1363ToDER() accepted a 63-byte signature")
	}
}

func TestZero32(t *testing.T) {
	var b [32]byte
	for i := range b {
		b[i] = byte(i + 1)
	}
	Zero32(&b)
	if !Zeroed32(&b) {
		t.Error("Zero32() left nonzero bytes behind")
	}
	Zero32(nil) // must not panic
}
