package wrap

import (
	"bytes"
	"testing"
)

func testKEK() *[32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return &k
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	kek := testKEK()
	aad := AAD{Version: 1, Kid: "kid-1", Alg: "ES256", Purpose: "vapid", CreatedAt: "2026-01-01T00:00:00Z", KeyType: "ec-p256"}
	plaintext := []byte("super-secret-private-key-bytes")

	env, err := Wrap(kek, plaintext, aad)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	got, err := Unwrap(kek, env)
	if err != nil {
		t.Fatalf("Unwrap() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Unwrap() = %q, want %q", got, plaintext)
	}
}

func TestUnwrapFailsOnAADMismatch(t *testing.T) {
	kek := testKEK()
	aad := AAD{Version: 1, Kid: "kid-1", Alg: "ES256", Purpose: "vapid", CreatedAt: "2026-01-01T00:00:00Z", KeyType: "ec-p256"}
	env, err := Wrap(kek, []byte("payload"), aad)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	env.AAD.Kid = "kid-2"
	if _, err := Unwrap(kek, env); err == nil {
		t.Error("Unwrap() with tampered AAD succeeded, want error")
	}
}

func TestRewrapMovesToNewKEK(t *testing.T) {
	oldKEK := testKEK()
	newKEK := &[32]byte{}
	for i := range newKEK {
		newKEK[i] = byte(255 - i)
	}

	aad := AAD{Version: 1, Kid: "kid-1", Alg: "ES256", Purpose: "vapid", CreatedAt: "2026-01-01T00:00:00Z", KeyType: "ec-p256"}
	plaintext := []byte("private-key-material")

	env, err := Wrap(oldKEK, plaintext, aad)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	rewrapped, err := Rewrap(oldKEK, env, newKEK, aad)
	if err != nil {
		t.Fatalf("Rewrap() error = %v", err)
	}

	if _, err := Unwrap(oldKEK, rewrapped); err == nil {
		t.Error("Unwrap() under old KEK succeeded after rewrap, want error")
	}

	got, err := Unwrap(newKEK, rewrapped)
	if err != nil {
		t.Fatalf("Unwrap() under new KEK error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Unwrap() after rewrap = %q, want %q", got, plaintext)
	}
}
