package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ats-kms/enclave/internal/auditchain"
	"github.com/ats-kms/enclave/internal/config"
	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/lease"
	"github.com/ats-kms/enclave/internal/rpcerr"
	"github.com/ats-kms/enclave/internal/unlock"
	"github.com/ats-kms/enclave/internal/vapid"
	"github.com/ats-kms/enclave/internal/wrap"
)

// CreateLeaseResult is createLease's RPC result shape.
type CreateLeaseResult struct {
	LeaseID string       `json:"leaseId"`
	Exp     time.Time    `json:"exp"`
	Quotas  lease.Limits `json:"quotas"`
}

// CreateLease authorizes credential-free JWT issuance for a bounded
// window. Inside one with-unlock scope it mints the Lease Audit Key,
// has the user's UAK sign its delegation certificate, derives the
// lease's SessionKEK from the master secret, and re-wraps both the
// target VAPID private key and the LAK under that SessionKEK. From
// then on issuance touches neither the master secret nor the MKEK.
func (o *Orchestrator) CreateLease(meta ReqMeta, userID string, endpoints []lease.Endpoint, ttlHours float64, creds Credentials) (*CreateLeaseResult, error) {
	if ttlHours <= 0 || ttlHours > 24 {
		return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "ttlHours must be in (0, 24]")
	}
	if len(endpoints) == 0 {
		return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "lease requires at least one endpoint")
	}
	if creds.UserID != userID {
		return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "credentials do not belong to the lease's user")
	}
	ttl := time.Duration(ttlHours * float64(time.Hour))

	if _, err := o.storage.DeleteExpiredLeases(time.Now().UTC()); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}

	result, _, err := unlock.WithUnlock(o.unwrapperFor(creds), func(mkekKey, ms *[32]byte, scope *unlock.Scope) (*CreateLeaseResult, error) {
		vapidRecs, err := o.vapidKeysFor(userID)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
		}
		if len(vapidRecs) == 0 {
			return nil, rpcerr.New(rpcerr.CodeKeyNotFound, "no VAPID key exists; generate one first")
		}
		target := vapidRecs[0] // most recent by createdAt

		rec, sessionKEK, err := lease.NewRecord(ms, userID, endpoints, target.Kid, ttl, lease.DefaultLimits)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeInvalidRequest, err)
		}

		lak, err := auditchain.NewSigner(auditchain.RoleLease)
		if err != nil {
			cryptoutil.Zero32(sessionKEK)
			return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
		}
		uak, err := o.uakFor(userID, mkekKey)
		if err != nil {
			cryptoutil.Zero32(sessionKEK)
			return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
		}
		delegation, err := auditchain.IssueDelegationCert(uak, rec.LeaseID, &lak.PrivateKey.PublicKey, rec.ExpiresAt)
		if err != nil {
			cryptoutil.Zero32(sessionKEK)
			return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
		}
		rec.Delegation = delegation
		rec.LAKPub = cryptoutil.RawPublicKey(&lak.PrivateKey.PublicKey)

		vapidPriv, err := wrap.Unwrap(mkekKey, target.Envelope)
		if err != nil {
			cryptoutil.Zero32(sessionKEK)
			return nil, rpcerr.Wrap(rpcerr.CodeIntegrityFailure, err)
		}
		if err := rec.WrapKeys(sessionKEK, vapidPriv, cryptoutil.ECPrivateBytes(lak.PrivateKey)); err != nil {
			cryptoutil.Zero32(sessionKEK)
			return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
		}

		if err := o.storage.StoreLease(rec); err != nil {
			cryptoutil.Zero32(sessionKEK)
			return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
		}
		if err := o.persistSessionKEK(rec.LeaseID, sessionKEK); err != nil {
			cryptoutil.Zero32(sessionKEK)
			return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
		}
		o.kekCache.Put(rec.LeaseID, sessionKEK)
		o.quotas.For(rec.LeaseID, nil)

		if _, err := o.chain.Append(uak, auditchain.Params{
			Op:         "create-lease",
			Kid:        target.Kid,
			RequestID:  meta.RequestID,
			UserID:     userID,
			Origin:     meta.Origin,
			LeaseID:    rec.LeaseID,
			UnlockTime: scope.UnlockTime,
			LockTime:   time.Now().UTC(),
			Duration:   time.Since(scope.UnlockTime),
			Detail:     map[string]any{"endpoints": len(endpoints), "ttlHours": ttlHours},
		}); err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeAuditChainBroken, err)
		}

		return &CreateLeaseResult{LeaseID: rec.LeaseID, Exp: rec.ExpiresAt, Quotas: rec.Quotas}, nil
	})
	if err != nil {
		return nil, asRPCErr(err)
	}
	return result, nil
}

// persistSessionKEK stores a copy of the SessionKEK wrapped under the
// instance key so the lease survives a worker restart without user
// interaction. The host cannot read this record: it lives in the
// enclave origin's storage, which is the isolation boundary the whole
// design rests on.
func (o *Orchestrator) persistSessionKEK(leaseID string, kek *[32]byte) error {
	env, err := wrap.Wrap(o.instKey, kek[:], wrap.AAD{
		Version:   1,
		Kid:       leaseID,
		Alg:       wrap.AEADAlgAES256GCM,
		Purpose:   "sessionkek",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		KeyType:   "aes-256",
	})
	if err != nil {
		return err
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return o.storage.SetMeta(metaSessionKEKPrefix+leaseID, blob)
}

// sessionKEKFor returns the lease's SessionKEK, from cache or rebuilt
// from its persisted wrapped copy. Neither path needs credentials.
func (o *Orchestrator) sessionKEKFor(leaseID string) (*[32]byte, error) {
	if kek, ok := o.kekCache.Get(leaseID); ok {
		return kek, nil
	}
	blob, ok, err := o.storage.GetMeta(metaSessionKEKPrefix + leaseID)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	if !ok {
		return nil, rpcerr.New(rpcerr.CodeLeaseNotFound, "no SessionKEK persisted for lease")
	}
	var env wrap.Envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	pt, err := wrap.Unwrap(o.instKey, &env)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeIntegrityFailure, err)
	}
	kek := new([32]byte)
	copy(kek[:], pt)
	o.kekCache.Put(leaseID, kek)
	return kek, nil
}

// IssueVAPIDJWT mints one VAPID JWT under an active lease, requiring no
// user credentials: only the lease's SessionKEK and its delegated LAK.
func (o *Orchestrator) IssueVAPIDJWT(meta ReqMeta, leaseID string, endpoint lease.Endpoint, kid, jti string, exp time.Time) (*JWTResult, error) {
	o.issueMu.Lock()
	defer o.issueMu.Unlock()
	return o.issueOne(meta, leaseID, endpoint, kid, jti, exp, time.Now().UTC())
}

// IssueVAPIDJWTs mints count JWTs with a common base time and staggered
// expiries: exp[i] = base + 900s + i*540s, each with a fresh jti. The
// sub-operations run under one issuance lock so their audit entries are
// contiguous.
func (o *Orchestrator) IssueVAPIDJWTs(meta ReqMeta, leaseID string, endpoint lease.Endpoint, count int, kid string) ([]*JWTResult, error) {
	if count < 1 || count > 10 {
		return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "count must be in [1, 10]")
	}
	o.issueMu.Lock()
	defer o.issueMu.Unlock()

	base := time.Now().UTC()
	out := make([]*JWTResult, 0, count)
	for i := 0; i < count; i++ {
		exp := base.Add(900*time.Second + time.Duration(i)*540*time.Second)
		res, err := o.issueOne(meta, leaseID, endpoint, kid, "", exp, base)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

// issueOne is the single-JWT issuance path; callers hold issueMu.
func (o *Orchestrator) issueOne(meta ReqMeta, leaseID string, endpoint lease.Endpoint, kid, jti string, exp time.Time, now time.Time) (*JWTResult, error) {
	rec, err := o.storage.LoadLease(leaseID)
	if err != nil {
		return nil, rpcerr.New(rpcerr.CodeLeaseNotFound, "no lease with requested id")
	}
	if rec.Expired(now) {
		o.kekCache.Evict(leaseID)
		return nil, rpcerr.New(rpcerr.CodeLeaseExpired, "lease window has closed")
	}
	if kid != "" && kid != rec.VAPIDKid {
		return nil, rpcerr.New(rpcerr.CodeInvalidRequest, "kid does not match the lease's key")
	}
	if _, err := o.storage.LoadKeyRecord(rec.VAPIDKid); err != nil {
		return nil, rpcerr.New(rpcerr.CodeKeyNotFound, "the lease's VAPID key no longer exists")
	}

	authorized, ok := rec.EndpointByID(endpoint.EID)
	if !ok || authorized.Aud != endpoint.Aud {
		return nil, rpcerr.New(rpcerr.CodeEndpointNotAuthorized, "endpoint not authorized by lease")
	}

	state := o.quotas.For(leaseID, func() (lease.QuotaSnapshot, bool) { return o.loadQuotaSnapshot(leaseID) })
	snap, allowed := state.Allow(now, endpoint.EID, rec.Quotas)
	if !allowed {
		return nil, rpcerr.New(rpcerr.CodeQuotaExceeded, "lease quota exhausted")
	}
	if err := o.saveQuotaSnapshot(leaseID, snap); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}

	sessionKEK, err := o.sessionKEKFor(leaseID)
	if err != nil {
		return nil, asRPCErr(err)
	}
	vapidPriv, err := rec.UnwrapVAPID(sessionKEK)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeIntegrityFailure, err)
	}
	kp, err := vapid.KeyPairFromPrivate(vapidPriv)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	lakPriv, err := rec.UnwrapLAK(sessionKEK)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeIntegrityFailure, err)
	}
	lakKP, err := vapid.KeyPairFromPrivate(lakPriv)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	lak := &auditchain.Signer{Role: auditchain.RoleLease, PrivateKey: lakKP.PrivateKey, Kid: lakKP.Kid}

	if jti == "" {
		jti = uuid.NewString()
	}
	if exp.IsZero() {
		exp = now.Add(15 * time.Minute)
	}

	token, err := vapid.IssueJWTAt(kp, endpoint.Aud, config.JWTSubject(), rec.UserID, endpoint.EID, jti, now, exp)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}

	entry, err := o.chain.Append(lak, auditchain.Params{
		Op:         "sign",
		Kid:        rec.VAPIDKid,
		RequestID:  meta.RequestID,
		UserID:     rec.UserID,
		Origin:     meta.Origin,
		LeaseID:    leaseID,
		Detail:     map[string]string{"aud": endpoint.Aud, "eid": endpoint.EID, "jti": jti},
		Delegation: rec.Delegation,
	})
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeAuditChainBroken, err)
	}

	return &JWTResult{JWT: token, JTI: jti, Exp: exp, AuditEntry: entry}, nil
}

func (o *Orchestrator) loadQuotaSnapshot(leaseID string) (lease.QuotaSnapshot, bool) {
	blob, ok, err := o.storage.GetMeta(metaQuotaPrefix + leaseID)
	if err != nil || !ok {
		return lease.QuotaSnapshot{}, false
	}
	var snap lease.QuotaSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return lease.QuotaSnapshot{}, false
	}
	return snap, true
}

func (o *Orchestrator) saveQuotaSnapshot(leaseID string, snap lease.QuotaSnapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return o.storage.SetMeta(metaQuotaPrefix+leaseID, blob)
}

// LeaseInfo is the read-only view getUserLeases returns.
type LeaseInfo struct {
	LeaseID   string           `json:"leaseId"`
	Kid       string           `json:"kid"`
	Endpoints []lease.Endpoint `json:"endpoints"`
	Quotas    lease.Limits     `json:"quotas"`
	CreatedAt time.Time        `json:"createdAt"`
	Exp       time.Time        `json:"exp"`
}

// GetUserLeases lists userID's leases, expired ones included — expiry
// is visible in each record and checked on use, not on listing.
func (o *Orchestrator) GetUserLeases(userID string) ([]LeaseInfo, error) {
	recs, err := o.storage.LoadLeasesByUser(userID)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	out := make([]LeaseInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, LeaseInfo{
			LeaseID:   rec.LeaseID,
			Kid:       rec.VAPIDKid,
			Endpoints: rec.Endpoints,
			Quotas:    rec.Quotas,
			CreatedAt: rec.CreatedAt,
			Exp:       rec.ExpiresAt,
		})
	}
	return out, nil
}

// VerifyLeaseResult is verifyLease's RPC result shape.
type VerifyLeaseResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// VerifyLease reports whether a lease is currently usable and, if not,
// why: not-found, expired, or wrong-key (its VAPID key was regenerated
// out from under it).
func (o *Orchestrator) VerifyLease(leaseID string) (*VerifyLeaseResult, error) {
	rec, err := o.storage.LoadLease(leaseID)
	if err != nil {
		return &VerifyLeaseResult{Valid: false, Reason: "not-found"}, nil
	}
	if rec.Expired(time.Now().UTC()) {
		return &VerifyLeaseResult{Valid: false, Reason: "expired"}, nil
	}
	if _, err := o.storage.LoadKeyRecord(rec.VAPIDKid); err != nil {
		return &VerifyLeaseResult{Valid: false, Reason: "wrong-key"}, nil
	}
	return &VerifyLeaseResult{Valid: true}, nil
}
