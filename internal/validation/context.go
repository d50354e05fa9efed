// Package validation holds small invariant checks shared across the
// enclave's packages.
package validation

import (
	"context"

	"github.com/ats-kms/enclave/internal/log"
)

// CheckContext terminates the process if ctx is nil. A nil context
// reaching a blocking operation indicates a programming error, not a
// runtime condition the caller can recover from, so this fails loudly
// rather than propagating a confusing downstream panic.
func CheckContext(ctx context.Context, fName string) {
	if ctx == nil {
		log.FatalF("%s: nil context", fName)
	}
}
