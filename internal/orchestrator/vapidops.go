package orchestrator

import (
	"time"

	"github.com/google/uuid"

	"github.com/ats-kms/enclave/internal/auditchain"
	"github.com/ats-kms/enclave/internal/config"
	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/rpcerr"
	"github.com/ats-kms/enclave/internal/store"
	"github.com/ats-kms/enclave/internal/unlock"
	"github.com/ats-kms/enclave/internal/vapid"
	"github.com/ats-kms/enclave/internal/wrap"
)

// VAPIDKeyResult is the shape generateVAPID and regenerateVAPID return.
type VAPIDKeyResult struct {
	Kid       string `json:"kid"`
	PublicKey []byte `json:"publicKey"`
}

// GenerateVAPID creates an additional VAPID keypair for the
// authenticated user, wrapped under their MKEK.
func (o *Orchestrator) GenerateVAPID(meta ReqMeta, creds Credentials) (*VAPIDKeyResult, error) {
	result, _, err := unlock.WithUnlock(o.unwrapperFor(creds), func(mkekKey, _ *[32]byte, scope *unlock.Scope) (*VAPIDKeyResult, error) {
		return o.generateVAPIDLocked(meta, creds.UserID, mkekKey, scope, "generate-vapid", nil)
	})
	if err != nil {
		return nil, asRPCErr(err)
	}
	return result, nil
}

// RegenerateVAPID deletes every VAPID key the user holds and mints a
// fresh one. Every lease referencing a prior kid becomes invalid by
// construction: the key record its kid points at no longer exists.
func (o *Orchestrator) RegenerateVAPID(meta ReqMeta, creds Credentials) (*VAPIDKeyResult, error) {
	result, _, err := unlock.WithUnlock(o.unwrapperFor(creds), func(mkekKey, _ *[32]byte, scope *unlock.Scope) (*VAPIDKeyResult, error) {
		olds, err := o.vapidKeysFor(creds.UserID)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
		}
		removed := make([]string, 0, len(olds))
		for _, rec := range olds {
			if err := o.storage.DeleteKeyRecord(rec.Kid); err != nil {
				return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
			}
			removed = append(removed, rec.Kid)
		}
		return o.generateVAPIDLocked(meta, creds.UserID, mkekKey, scope, "regenerate-vapid", map[string]any{"removedKids": removed})
	})
	if err != nil {
		return nil, asRPCErr(err)
	}
	return result, nil
}

// generateVAPIDLocked runs inside an active with-unlock scope.
func (o *Orchestrator) generateVAPIDLocked(meta ReqMeta, userID string, mkekKey *[32]byte, scope *unlock.Scope, op string, detail map[string]any) (*VAPIDKeyResult, error) {
	kp, err := vapid.GenerateKeyPair()
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	if err := o.storeVAPIDKey(userID, mkekKey, kp); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	uak, err := o.uakFor(userID, mkekKey)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	if _, err := o.chain.Append(uak, auditchain.Params{
		Op:         op,
		Kid:        kp.Kid,
		RequestID:  meta.RequestID,
		UserID:     userID,
		Origin:     meta.Origin,
		UnlockTime: scope.UnlockTime,
		LockTime:   time.Now().UTC(),
		Duration:   time.Since(scope.UnlockTime),
		Detail:     detail,
	}); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeAuditChainBroken, err)
	}
	return &VAPIDKeyResult{
		Kid:       kp.Kid,
		PublicKey: cryptoutil.RawPublicKey(&kp.PrivateKey.PublicKey),
	}, nil
}

// GetPublicKey returns the raw 65-byte uncompressed public point for
// kid, any purpose.
func (o *Orchestrator) GetPublicKey(kid string) ([]byte, error) {
	rec, err := o.storage.LoadKeyRecord(kid)
	if err != nil {
		return nil, rpcerr.New(rpcerr.CodeKeyNotFound, "no key with requested kid")
	}
	return rec.PublicKey, nil
}

// GetVAPIDKid returns the user's single VAPID kid, failing when zero or
// more than one exist so the caller must disambiguate explicitly.
func (o *Orchestrator) GetVAPIDKid(userID string) (string, error) {
	recs, err := o.vapidKeysFor(userID)
	if err != nil {
		return "", rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	switch len(recs) {
	case 0:
		return "", rpcerr.New(rpcerr.CodeKeyNotFound, "no VAPID key exists")
	case 1:
		return recs[0].Kid, nil
	default:
		return "", rpcerr.New(rpcerr.CodeInvalidRequest, "multiple VAPID keys exist; specify a kid")
	}
}

// JWTResult is the shape every JWT-producing operation returns.
type JWTResult struct {
	JWT        string            `json:"jwt"`
	JTI        string            `json:"jti"`
	Exp        time.Time         `json:"exp"`
	AuditEntry *auditchain.Entry `json:"auditEntry"`
}

// JWTParams carries the caller-controlled claims of one JWT.
type JWTParams struct {
	Aud string
	Sub string // empty means the configured subject
	JTI string // empty means a fresh UUID
	Exp time.Time
}

// SignJWT issues one VAPID JWT under full user authentication: the kid
// names a wrapped VAPID key, creds unlock the MKEK that unwraps it, and
// the resulting sign entry is signed by the user's UAK.
func (o *Orchestrator) SignJWT(meta ReqMeta, kid string, params JWTParams, creds Credentials) (*JWTResult, error) {
	result, _, err := unlock.WithUnlock(o.unwrapperFor(creds), func(mkekKey, _ *[32]byte, scope *unlock.Scope) (*JWTResult, error) {
		rec, err := o.storage.LoadKeyRecord(kid)
		if err != nil {
			return nil, rpcerr.New(rpcerr.CodeKeyNotFound, "no key with requested kid")
		}
		if rec.Purpose != purposeVAPID || rec.UserID != creds.UserID {
			return nil, rpcerr.New(rpcerr.CodeKeyNotFound, "kid does not name one of the caller's VAPID keys")
		}
		kp, err := o.unwrapVAPIDKeyPair(mkekKey, rec)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeIntegrityFailure, err)
		}

		now := time.Now().UTC()
		jti := params.JTI
		if jti == "" {
			jti = uuid.NewString()
		}
		exp := params.Exp
		if exp.IsZero() {
			exp = now.Add(15 * time.Minute)
		}
		sub := params.Sub
		if sub == "" {
			sub = config.JWTSubject()
		}

		token, err := vapid.IssueJWTAt(kp, params.Aud, sub, creds.UserID, "", jti, now, exp)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
		}

		uak, err := o.uakFor(creds.UserID, mkekKey)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
		}
		entry, err := o.chain.Append(uak, auditchain.Params{
			Op:         "sign",
			Kid:        kid,
			RequestID:  meta.RequestID,
			UserID:     creds.UserID,
			Origin:     meta.Origin,
			UnlockTime: scope.UnlockTime,
			LockTime:   time.Now().UTC(),
			Duration:   time.Since(scope.UnlockTime),
			Detail:     map[string]string{"aud": params.Aud, "jti": jti},
		})
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.CodeAuditChainBroken, err)
		}

		return &JWTResult{JWT: token, JTI: jti, Exp: exp, AuditEntry: entry}, nil
	})
	if err != nil {
		return nil, asRPCErr(err)
	}
	return result, nil
}

// unwrapVAPIDKeyPair decrypts a stored VAPID key record under kek and
// rebuilds the in-memory keypair.
func (o *Orchestrator) unwrapVAPIDKeyPair(kek *[32]byte, rec *store.KeyRecord) (*vapid.KeyPair, error) {
	pt, err := wrap.Unwrap(kek, rec.Envelope)
	if err != nil {
		return nil, err
	}
	return vapid.KeyPairFromPrivate(pt)
}
