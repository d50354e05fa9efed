// Package orchestrator is component C: it dispatches every RPC the
// enclave exposes, owns the Instance Audit Key, and wires the
// storage, unlock, lease, and audit-chain packages together into the
// operations the enclave's RPC surface names.
package orchestrator

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ats-kms/enclave/internal/auditchain"
	"github.com/ats-kms/enclave/internal/config"
	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/enrollment"
	"github.com/ats-kms/enclave/internal/lease"
	"github.com/ats-kms/enclave/internal/mkek"
	"github.com/ats-kms/enclave/internal/rpcerr"
	"github.com/ats-kms/enclave/internal/store"
	"github.com/ats-kms/enclave/internal/unlock"
	"github.com/ats-kms/enclave/internal/vapid"
	"github.com/ats-kms/enclave/internal/wrap"
)

const (
	purposeKIAK  = "audit-instance"
	purposeUAK   = "audit-user"
	purposeVAPID = "vapid"

	metaInstanceSeed     = "instance-seed"
	metaMKEKSaltPrefix   = "mkek-salt:"
	metaSessionKEKPrefix = "sessionkek:"
	metaQuotaPrefix      = "quota:"
)

// ReqMeta identifies the RPC a logged operation belongs to: the
// transport's correlation id and the caller's validated origin. Both
// land in the resulting audit entry.
type ReqMeta struct {
	RequestID string
	Origin    string
}

// Orchestrator holds every dependency a handler needs: storage, the
// enrollment and lease managers, the audit chain, and the decrypted
// Instance Audit Key.
type Orchestrator struct {
	storage  store.Storage
	enroll   *enrollment.Manager
	kekCache *lease.Cache
	quotas   *lease.QuotaRegistry
	chain    *auditchain.Chain
	instKey  *[32]byte
	kiak     *auditchain.Signer
	uakMu    sync.Mutex
	uakCache map[string]*auditchain.Signer

	// issueMu serializes JWT issuance so a batch's audit entries land
	// contiguously on the chain.
	issueMu sync.Mutex
}

// New constructs an Orchestrator over storage, bootstrapping the
// Instance Audit Key and the audit chain's tail state on first call.
func New(storage store.Storage) (*Orchestrator, error) {
	chain, err := auditchain.NewChain(storage, config.KMSVersion)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading audit chain: %w", err)
	}

	o := &Orchestrator{
		storage:  storage,
		enroll:   enrollment.NewManager(storage),
		kekCache: lease.NewCache(),
		quotas:   lease.NewQuotaRegistry(),
		chain:    chain,
		uakCache: make(map[string]*auditchain.Signer),
	}

	if err := o.bootstrapInstanceKey(); err != nil {
		return nil, err
	}
	if err := o.bootstrapKIAK(); err != nil {
		return nil, err
	}
	if _, err := storage.DeleteExpiredLeases(time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("orchestrator: sweeping expired leases: %w", err)
	}
	return o, nil
}

// bootstrapInstanceKey loads or generates the instance-local seed that
// protects the KIAK and persisted SessionKEKs at rest. This key gates
// no user credential — it exists only so those keys' private material
// isn't stored in the clear, matching the "no user auth required"
// contract for system events and lease issuance.
func (o *Orchestrator) bootstrapInstanceKey() error {
	seed, ok, err := o.storage.GetMeta(metaInstanceSeed)
	if err != nil {
		return fmt.Errorf("orchestrator: loading instance seed: %w", err)
	}
	if !ok {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("orchestrator: generating instance seed: %w", err)
		}
		if err := o.storage.SetMeta(metaInstanceSeed, buf); err != nil {
			return fmt.Errorf("orchestrator: persisting instance seed: %w", err)
		}
		seed = buf
	}
	key, err := cryptoutil.DeriveKey32(seed, nil, "ATS/KMS/InstanceKey/v1")
	if err != nil {
		return fmt.Errorf("orchestrator: deriving instance key: %w", err)
	}
	o.instKey = key
	return nil
}

func (o *Orchestrator) bootstrapKIAK() error {
	recs, err := o.storage.ListKeyRecords(purposeKIAK)
	if err != nil {
		return fmt.Errorf("orchestrator: listing instance audit keys: %w", err)
	}
	if len(recs) > 0 {
		signer, err := unwrapSigner(o.instKey, recs[0])
		if err != nil {
			return fmt.Errorf("orchestrator: unwrapping KIAK: %w", err)
		}
		signer.Role = auditchain.RoleInstance
		o.kiak = signer
		return nil
	}

	signer, err := auditchain.NewSigner(auditchain.RoleInstance)
	if err != nil {
		return fmt.Errorf("orchestrator: generating KIAK: %w", err)
	}
	if err := o.persistSigner(o.instKey, purposeKIAK, "", signer); err != nil {
		return err
	}
	o.kiak = signer

	if _, err := o.chain.Append(o.kiak, auditchain.Params{
		Op:     "kms-init",
		Detail: map[string]string{"kmsVersion": config.KMSVersion},
	}); err != nil {
		return fmt.Errorf("orchestrator: writing kms-init audit entry: %w", err)
	}
	return nil
}

func (o *Orchestrator) persistSigner(kek *[32]byte, purpose, userID string, signer *auditchain.Signer) error {
	aad := wrap.AAD{
		Version:   1,
		Kid:       signer.Kid,
		Alg:       wrap.AEADAlgAES256GCM,
		Purpose:   purpose,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		KeyType:   "ec-p256",
	}
	env, err := wrap.Wrap(kek, cryptoutil.ECPrivateBytes(signer.PrivateKey), aad)
	if err != nil {
		return fmt.Errorf("orchestrator: wrapping signer %s: %w", purpose, err)
	}
	return o.storage.StoreKeyRecord(&store.KeyRecord{
		Kid:       signer.Kid,
		UserID:    userID,
		Purpose:   purpose,
		PublicKey: cryptoutil.RawPublicKey(&signer.PrivateKey.PublicKey),
		Envelope:  env,
		CreatedAt: time.Now().UTC(),
	})
}

func unwrapSigner(kek *[32]byte, rec *store.KeyRecord) (*auditchain.Signer, error) {
	pt, err := wrap.Unwrap(kek, rec.Envelope)
	if err != nil {
		return nil, err
	}
	kp, err := vapid.KeyPairFromPrivate(pt)
	if err != nil {
		return nil, err
	}
	return &auditchain.Signer{PrivateKey: kp.PrivateKey, Kid: kp.Kid}, nil
}

// Credentials is the tagged-sum AuthCredentials input every
// user-authenticated RPC accepts.
type Credentials struct {
	Method     enrollment.Method
	UserID     string
	Passphrase string // method == MethodPassphrase
	PRFOutput  []byte // method == MethodPasskeyPRF
	Pepper     []byte // method == MethodPasskeyGate, released by a prior WebAuthn gate
}

// unwrapperFor builds the unlock.Unwrapper that resolves creds against
// the user's stored enrollments.
func (o *Orchestrator) unwrapperFor(creds Credentials) unlock.Unwrapper {
	return func() (*[32]byte, []byte, error) {
		recs, err := o.enroll.ForUser(creds.UserID)
		if err != nil {
			return nil, nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
		}
		if len(recs) == 0 {
			return nil, nil, rpcerr.New(rpcerr.CodeNotSetup, "user has no enrollments")
		}
		var rec *enrollment.Record
		for _, r := range recs {
			if r.Method == creds.Method {
				rec = r
				break
			}
		}
		if rec == nil {
			return nil, nil, rpcerr.New(rpcerr.CodeNotEnrolled, "no enrollment for requested method")
		}

		var kwrap *[32]byte
		switch creds.Method {
		case enrollment.MethodPassphrase:
			kwrap, err = enrollment.PassphraseCredential(creds.Passphrase, rec.Salt, rec.Iterations)
		case enrollment.MethodPasskeyPRF:
			kwrap, err = enrollment.PasskeyPRFCredential(creds.PRFOutput, rec.Salt)
		case enrollment.MethodPasskeyGate:
			kwrap, err = enrollment.PasskeyGateCredential(creds.Pepper, rec.Salt)
		default:
			return nil, nil, rpcerr.New(rpcerr.CodeInvalidRequest, "unknown enrollment method")
		}
		if err != nil {
			return nil, nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
		}

		ms, err := enrollment.Unlock(rec, kwrap)
		if err != nil {
			return nil, nil, rpcerr.New(credentialErrorCode(creds.Method), "credential failed to unlock master secret")
		}

		salt, ok, err := o.storage.GetMeta(metaMKEKSaltPrefix + creds.UserID)
		if err != nil {
			return nil, nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
		}
		if !ok {
			return nil, nil, rpcerr.New(rpcerr.CodeInternal, "missing MKEK salt for user")
		}
		return ms, salt, nil
	}
}

func credentialErrorCode(method enrollment.Method) rpcerr.Code {
	if method == enrollment.MethodPassphrase {
		return rpcerr.CodeIncorrectPassphrase
	}
	return rpcerr.CodeIncorrectPasskey
}

// uakFor returns the user's decrypted User Audit Key, unwrapping it
// under mkekKey and caching the result in memory for the life of this
// process — the UAK is re-authenticated only through the MKEK it is
// wrapped under, so caching it does not weaken the authentication
// boundary: every caller still had to pass with-unlock to reach here.
func (o *Orchestrator) uakFor(userID string, mkekKey *[32]byte) (*auditchain.Signer, error) {
	o.uakMu.Lock()
	if s, ok := o.uakCache[userID]; ok {
		o.uakMu.Unlock()
		return s, nil
	}
	o.uakMu.Unlock()

	rec, err := o.userKeyRecord(purposeUAK, userID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: loading UAK for %s: %w", userID, err)
	}
	signer, err := unwrapSigner(mkekKey, rec)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: unwrapping UAK for %s: %w", userID, err)
	}
	signer.Role = auditchain.RoleUser

	o.uakMu.Lock()
	o.uakCache[userID] = signer
	o.uakMu.Unlock()
	return signer, nil
}

// userKeyRecord returns the single key record with the given purpose
// belonging to userID.
func (o *Orchestrator) userKeyRecord(purpose, userID string) (*store.KeyRecord, error) {
	recs, err := o.storage.ListKeyRecords(purpose)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.UserID == userID {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("no %s key for user %s", purpose, userID)
}

// vapidKeysFor lists userID's VAPID key records, most recent first.
func (o *Orchestrator) vapidKeysFor(userID string) ([]*store.KeyRecord, error) {
	recs, err := o.storage.ListKeyRecords(purposeVAPID)
	if err != nil {
		return nil, err
	}
	var out []*store.KeyRecord
	for _, rec := range recs {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func mkekSaltKey(userID string) string { return metaMKEKSaltPrefix + userID }

// deriveMKEK derives the current-generation MKEK for ms and salt.
func deriveMKEK(ms *[32]byte, salt []byte) (*[32]byte, error) {
	return mkek.DeriveGeneration(ms, salt, config.SchemaGeneration)
}

// keyResolver adapts the keys store to auditchain.Verify: instance and
// user signers are looked up by the id the entry recorded (the signer's
// kid, or — for delegation checks — the user id the UAK belongs to).
type keyResolver struct {
	storage store.Storage
}

func (r keyResolver) PublicKeyFor(role auditchain.Role, id string) (*ecdsa.PublicKey, error) {
	var purpose string
	switch role {
	case auditchain.RoleInstance:
		purpose = purposeKIAK
	case auditchain.RoleUser:
		purpose = purposeUAK
	default:
		return nil, fmt.Errorf("orchestrator: no stored keys for role %q", role)
	}
	recs, err := r.storage.ListKeyRecords(purpose)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.Kid == id || rec.UserID == id {
			return cryptoutil.ParseRawPublicKey(rec.PublicKey)
		}
	}
	return nil, fmt.Errorf("orchestrator: no %s key matching %q", purpose, id)
}

// asRPCErr normalizes any error surfaced out of a with-unlock closure
// into an *rpcerr.Error, passing one through unchanged if it already is
// one (the common case, since every closure above returns rpcerr
// values) and wrapping anything else as an internal failure.
func asRPCErr(err error) error {
	if err == nil {
		return nil
	}
	var rErr *rpcerr.Error
	if errors.As(err, &rErr) {
		return rErr
	}
	return rpcerr.Wrap(rpcerr.CodeInternal, err)
}
