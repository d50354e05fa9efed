package unlock

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/ats-kms/enclave/internal/cryptoutil"
)

func stubUnwrapper(t *testing.T) (Unwrapper, **[32]byte) {
	t.Helper()
	var handed *[32]byte
	unwrap := func() (*[32]byte, []byte, error) {
		ms := new([32]byte)
		if _, err := rand.Read(ms[:]); err != nil {
			t.Fatalf("rand.Read() error = %v", err)
		}
		handed = ms
		return ms, []byte("salt"), nil
	}
	return unwrap, &handed
}

func TestWithUnlockZeroesOnSuccess(t *testing.T) {
	unwrap, handed := stubUnwrapper(t)

	var sawMKEK, sawMS bool
	result, scope, err := WithUnlock(unwrap, func(mkekKey, ms *[32]byte, _ *Scope) (string, error) {
		sawMKEK = !cryptoutil.Zeroed32(mkekKey)
		sawMS = !cryptoutil.Zeroed32(ms)
		return "done", nil
	})
	if err != nil {
		t.Fatalf("WithUnlock() error = %v", err)
	}
	if result != "done" {
		t.Errorf("WithUnlock() result = %q, want %q", result, "done")
	}
	if !sawMKEK || !sawMS {
		t.Error("closure did not receive live key material")
	}
	if !cryptoutil.Zeroed32(*handed) {
		t.Error("master secret not zeroed after successful exit")
	}
	if scope.LockTime.Before(scope.UnlockTime) {
		t.Error("scope lock time precedes unlock time")
	}
}

func TestWithUnlockZeroesOnError(t *testing.T) {
	unwrap, handed := stubUnwrapper(t)

	errBoom := errors.New("boom")
	_, _, err := WithUnlock(unwrap, func(_, _ *[32]byte, _ *Scope) (int, error) {
		return 0, errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("WithUnlock() error = %v, want %v", err, errBoom)
	}
	if !cryptoutil.Zeroed32(*handed) {
		t.Error("master secret not zeroed after error exit")
	}
}

func TestWithUnlockZeroesOnPanic(t *testing.T) {
	unwrap, handed := stubUnwrapper(t)

	_, _, err := WithUnlock(unwrap, func(_, _ *[32]byte, _ *Scope) (int, error) {
		panic("operation exploded")
	})
	if err == nil {
		t.Fatal("WithUnlock() swallowed a panic without error")
	}
	if !cryptoutil.Zeroed32(*handed) {
		t.Error("master secret not zeroed after panic exit")
	}
}

func TestWithUnlockPropagatesUnwrapFailure(t *testing.T) {
	errBadCred := errors.New("bad credential")
	unwrap := func() (*[32]byte, []byte, error) {
		return nil, nil, errBadCred
	}
	called := false
	_, _, err := WithUnlock(unwrap, func(_, _ *[32]byte, _ *Scope) (int, error) {
		called = true
		return 0, nil
	})
	if !errors.Is(err, errBadCred) {
		t.Fatalf("WithUnlock() error = %v, want %v", err, errBadCred)
	}
	if called {
		t.Error("closure ran despite unlock failure")
	}
}

func TestWithUnlockDerivesSameMKEKForSameInputs(t *testing.T) {
	fixed := new([32]byte)
	for i := range fixed {
		fixed[i] = byte(i)
	}
	unwrap := func() (*[32]byte, []byte, error) {
		ms := new([32]byte)
		copy(ms[:], fixed[:])
		return ms, []byte("stable-salt"), nil
	}

	capture := func() [32]byte {
		var got [32]byte
		_, _, err := WithUnlock(unwrap, func(mkekKey, _ *[32]byte, _ *Scope) (int, error) {
			got = *mkekKey
			return 0, nil
		})
		if err != nil {
			t.Fatalf("WithUnlock() error = %v", err)
		}
		return got
	}

	if capture() != capture() {
		t.Error("MKEK derivation is not deterministic for fixed MS and salt")
	}
}
