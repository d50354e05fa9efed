// Package unlock implements the enclave's scoped unlock boundary: every
// caller that needs the master secret or the derived MKEK acquires them
// through WithUnlock, which guarantees both are zeroed and dropped on
// every exit path — success, error, or panic.
package unlock

import (
	"fmt"
	"time"

	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/mkek"
)

// Scope records the timing of a single unlock for inclusion in the
// resulting audit entry.
type Scope struct {
	UnlockTime time.Time
	LockTime   time.Time
	Duration   time.Duration
}

// Unwrapper resolves a master secret from caller-supplied credentials,
// implemented by internal/enrollment for each enrollment method.
type Unwrapper func() (ms *[32]byte, mkekSalt []byte, err error)

// WithUnlock unwraps the master secret via unwrap, derives the MKEK,
// invokes fn with both, and zeroes/drops them before returning —
// regardless of how fn exits.
func WithUnlock[T any](unwrap Unwrapper, fn func(mkekKey *[32]byte, ms *[32]byte, scope *Scope) (T, error)) (result T, scope Scope, err error) {
	scope.UnlockTime = time.Now().UTC()

	ms, salt, uerr := unwrap()
	if uerr != nil {
		scope.LockTime = time.Now().UTC()
		scope.Duration = scope.LockTime.Sub(scope.UnlockTime)
		err = fmt.Errorf("unlock: %w", uerr)
		return
	}

	mkekKey, derr := mkek.Derive(ms, salt)

	defer func() {
		cryptoutil.Zero32(ms)
		if mkekKey != nil {
			cryptoutil.Zero32(mkekKey)
		}
		scope.LockTime = time.Now().UTC()
		scope.Duration = scope.LockTime.Sub(scope.UnlockTime)

		if r := recover(); r != nil {
			err = fmt.Errorf("unlock: operation panicked: %v", r)
		}
	}()

	if derr != nil {
		err = fmt.Errorf("unlock: deriving MKEK: %w", derr)
		return
	}

	result, err = fn(mkekKey, ms, &scope)
	return
}
