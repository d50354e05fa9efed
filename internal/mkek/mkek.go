// Package mkek derives the Master Key Encryption Key from the master
// secret. It is the one place the "ATS/KMS/MKEK/v1" domain-separation
// label is spelled out.
package mkek

import "github.com/ats-kms/enclave/internal/cryptoutil"

// InfoLabel is the HKDF info string binding every MKEK derivation to
// this system and schema generation. Bumping schemaGeneration changes
// every derived MKEK, which is the mechanism internal maintenance code
// uses to migrate to a new schema without touching the master secret.
const InfoLabel = "ATS/KMS/MKEK/v1"

// Derive computes the MKEK from the master secret and a per-installation
// salt using HKDF-SHA256. salt is non-secret and is stored alongside the
// enrollment records it is scoped to.
func Derive(ms *[32]byte, salt []byte) (*[32]byte, error) {
	return cryptoutil.DeriveKey32(ms[:], salt, InfoLabel)
}

// DeriveGeneration computes the MKEK for a specific schema
// generation, used by the unexposed schema-migration path when a
// deployment bumps the generation constant. Generation 1 is
// byte-identical to Derive.
func DeriveGeneration(ms *[32]byte, salt []byte, generation int) (*[32]byte, error) {
	if generation <= 1 {
		return Derive(ms, salt)
	}
	info := InfoLabel
	for i := 1; i < generation; i++ {
		info += "+"
	}
	return cryptoutil.DeriveKey32(ms[:], salt, info)
}
