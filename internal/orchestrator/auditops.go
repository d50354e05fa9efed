package orchestrator

import (
	"fmt"

	"github.com/ats-kms/enclave/internal/auditchain"
	"github.com/ats-kms/enclave/internal/config"
	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/enrollment"
	"github.com/ats-kms/enclave/internal/lease"
	"github.com/ats-kms/enclave/internal/rpcerr"
)

// defaultAuditPageSize bounds getAuditLog responses when the caller
// doesn't pass an explicit limit.
const defaultAuditPageSize = 500

// VerifyAuditChainResult is verifyAuditChain's RPC result shape.
type VerifyAuditChainResult struct {
	Valid    bool   `json:"valid"`
	Verified int    `json:"verified"`
	Error    string `json:"error,omitempty"`
}

// VerifyAuditChain re-walks the entire persisted chain: hash linkage,
// monotonic seqNum, per-entry signatures, and delegation certificates
// for lease-signed entries. Breakage is reported, never repaired.
func (o *Orchestrator) VerifyAuditChain() (*VerifyAuditChainResult, error) {
	entries, err := o.storage.AuditEntriesAfter(0, 0)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	verified, verr := auditchain.Verify(entries, keyResolver{storage: o.storage})
	if verr != nil {
		return &VerifyAuditChainResult{Valid: false, Verified: verified, Error: verr.Error()}, nil
	}
	return &VerifyAuditChainResult{Valid: true, Verified: verified}, nil
}

// GetAuditLog returns a page of audit entries starting at afterSeq.
// limit <= 0 means the default page size.
func (o *Orchestrator) GetAuditLog(afterSeq uint64, limit int) ([]*auditchain.Entry, error) {
	if limit <= 0 {
		limit = defaultAuditPageSize
	}
	entries, err := o.storage.AuditEntriesAfter(afterSeq, limit)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	return entries, nil
}

// AuditPublicKeyResult carries the Instance Audit Key's identity: the
// root a verifier needs to trust system events.
type AuditPublicKeyResult struct {
	Kid       string `json:"kid"`
	PublicKey []byte `json:"publicKey"`
}

// GetAuditPublicKey returns the KIAK's kid and raw public point.
func (o *Orchestrator) GetAuditPublicKey() (*AuditPublicKeyResult, error) {
	if o.kiak == nil {
		return nil, rpcerr.New(rpcerr.CodeInternal, "instance audit key not initialized")
	}
	return &AuditPublicKeyResult{
		Kid:       o.kiak.Kid,
		PublicKey: cryptoutil.RawPublicKey(&o.kiak.PrivateKey.PublicKey),
	}, nil
}

// ResetKMS deletes all persisted state — enrollments, keys, leases,
// audit log, metadata — and re-bootstraps the instance identity, as if
// the worker were running against a fresh database. The operation is
// deliberately credential-free: it destroys secrets, it cannot reveal
// them, and a user locked out of every enrollment still needs a way
// back to a usable (empty) enclave.
func (o *Orchestrator) ResetKMS() (bool, error) {
	if err := o.storage.Reset(); err != nil {
		return false, rpcerr.Wrap(rpcerr.CodeInternal, fmt.Errorf("resetting storage: %w", err))
	}

	o.enroll = enrollment.NewManager(o.storage)
	o.kekCache = lease.NewCache()
	o.quotas = lease.NewQuotaRegistry()
	o.uakMu.Lock()
	o.uakCache = make(map[string]*auditchain.Signer)
	o.uakMu.Unlock()

	chain, err := auditchain.NewChain(o.storage, config.KMSVersion)
	if err != nil {
		return false, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	o.chain = chain

	if err := o.bootstrapInstanceKey(); err != nil {
		return false, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	if err := o.bootstrapKIAK(); err != nil {
		return false, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	return true, nil
}
