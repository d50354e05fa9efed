// Package config holds the small set of enclave-wide settings that are
// neither secrets nor per-operation parameters: the schema version
// stamped into every audit entry, the VAPID JWT subject, and the
// rotation policy governing when the MKEK schema generation bumps.
package config

import "github.com/ats-kms/enclave/internal/env"

// KMSVersion is stamped into every audit entry's kmsVersion field so a
// verifier can tell which schema generation produced a given record.
const KMSVersion = "1.0.0"

// SchemaGeneration is the current MKEK derivation generation. Bumping
// this forces every enrollment's MKEK to be re-derived under a new
// label on next unlock, the mechanism rotateMKEKGeneration uses to
// migrate without touching the master secret itself.
const SchemaGeneration = 1

// RotationPolicy describes when an operator-triggered schema migration
// is due. It carries no enforcement logic itself — the orchestrator's
// maintenance path reads it to decide whether to advance
// SchemaGeneration during rotateMKEKGeneration.
type RotationPolicy struct {
	// MinGenerationAge is how long a generation must be active before
	// the next rotation is allowed, avoiding churn from repeated calls.
	MinGenerationAge int
}

// DefaultRotationPolicy is conservative: at most one generation bump
// per deployment unless explicitly re-triggered.
var DefaultRotationPolicy = RotationPolicy{MinGenerationAge: 1}

// JWTSubject returns the `sub` claim value VAPID JWTs carry. The
// value is operator-configured, never hard-coded, and round-trips
// unchanged into every issued JWT.
func JWTSubject() string {
	return env.JWTSubject()
}
