package orchestrator

import (
	"fmt"

	"github.com/ats-kms/enclave/internal/config"
	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/mkek"
	"github.com/ats-kms/enclave/internal/unlock"
	"github.com/ats-kms/enclave/internal/wrap"
)

// rotateMKEKGeneration re-wraps every MKEK-protected key the user holds
// (UAK and VAPID keys) from one schema generation's MKEK to the next.
// It is maintenance, not RPC surface: it runs when a deployment bumps
// config.SchemaGeneration, before the new generation's unlock path is
// exercised. The master secret itself is untouched — only the derived
// wrapping key changes.
func (o *Orchestrator) rotateMKEKGeneration(creds Credentials, fromGen, toGen int) error {
	if toGen <= fromGen {
		return fmt.Errorf("orchestrator: target generation %d not after %d", toGen, fromGen)
	}
	if toGen-fromGen > config.DefaultRotationPolicy.MinGenerationAge {
		return fmt.Errorf("orchestrator: refusing to skip generations (%d -> %d)", fromGen, toGen)
	}

	_, _, err := unlock.WithUnlock(o.unwrapperFor(creds), func(_, ms *[32]byte, _ *unlock.Scope) (struct{}, error) {
		salt, ok, err := o.storage.GetMeta(mkekSaltKey(creds.UserID))
		if err != nil || !ok {
			return struct{}{}, fmt.Errorf("orchestrator: loading MKEK salt: %w", err)
		}
		oldKEK, err := mkek.DeriveGeneration(ms, salt, fromGen)
		if err != nil {
			return struct{}{}, err
		}
		defer cryptoutil.Zero32(oldKEK)
		newKEK, err := mkek.DeriveGeneration(ms, salt, toGen)
		if err != nil {
			return struct{}{}, err
		}
		defer cryptoutil.Zero32(newKEK)

		recs, err := o.storage.ListKeyRecords("")
		if err != nil {
			return struct{}{}, err
		}
		for _, rec := range recs {
			if rec.UserID != creds.UserID {
				continue
			}
			if rec.Purpose != purposeVAPID && rec.Purpose != purposeUAK {
				continue
			}
			env, err := wrap.Rewrap(oldKEK, rec.Envelope, newKEK, rec.Envelope.AAD)
			if err != nil {
				return struct{}{}, fmt.Errorf("orchestrator: rewrapping %s: %w", rec.Kid, err)
			}
			rec.Envelope = env
			if err := o.storage.StoreKeyRecord(rec); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	})
	return asRPCErr(err)
}
