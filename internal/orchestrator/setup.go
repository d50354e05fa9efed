package orchestrator

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/ats-kms/enclave/internal/auditchain"
	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/enrollment"
	"github.com/ats-kms/enclave/internal/env"
	"github.com/ats-kms/enclave/internal/rpcerr"
	"github.com/ats-kms/enclave/internal/store"
	"github.com/ats-kms/enclave/internal/unlock"
	"github.com/ats-kms/enclave/internal/vapid"
	"github.com/ats-kms/enclave/internal/wrap"
)

// SetupResult is the common shape every first-enrollment RPC returns.
type SetupResult struct {
	Success        bool   `json:"success"`
	EnrollmentID   string `json:"enrollmentId"`
	VAPIDPublicKey []byte `json:"vapidPublicKey"`
	VAPIDKid       string `json:"vapidKid"`
}

// IsSetup reports whether userID already has at least one enrollment.
func (o *Orchestrator) IsSetup(userID string) (bool, error) {
	recs, err := o.enroll.ForUser(userID)
	if err != nil {
		return false, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	return len(recs) > 0, nil
}

// firstTimeSetup creates the master secret, the per-user MKEK salt, the
// user's UAK, and a VAPID keypair, then wraps the master secret under
// method's freshly derived K_wrap. It is the only path that creates a
// brand-new master secret; every later enrollment method instead
// unlocks the existing one through with-unlock.
func (o *Orchestrator) firstTimeSetup(meta ReqMeta, userID string, method enrollment.Method, kwrap *[32]byte, salt []byte, iterations int) (*SetupResult, error) {
	setUp, err := o.IsSetup(userID)
	if err != nil {
		return nil, err
	}
	if setUp {
		return nil, rpcerr.New(rpcerr.CodeAlreadyEnrolled, "user already has an enrollment")
	}

	ms := new([32]byte)
	if _, err := rand.Read(ms[:]); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	defer cryptoutil.Zero32(ms)

	rec, err := enrollment.Enroll(userID, method, kwrap, ms, salt, iterations)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	if err := o.enroll.Add(rec); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}

	mkekSalt := make([]byte, 16)
	if _, err := rand.Read(mkekSalt); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	if err := o.storage.SetMeta(mkekSaltKey(userID), mkekSalt); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}

	mkekKey, err := deriveMKEK(ms, mkekSalt)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	defer cryptoutil.Zero32(mkekKey)

	uak, err := auditchain.NewSigner(auditchain.RoleUser)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	if err := o.persistSigner(mkekKey, purposeUAK, userID, uak); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	o.uakMu.Lock()
	o.uakCache[userID] = uak
	o.uakMu.Unlock()

	vapidKP, err := vapid.GenerateKeyPair()
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	if err := o.storeVAPIDKey(userID, mkekKey, vapidKP); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}

	if _, err := o.chain.Append(uak, auditchain.Params{
		Op:        "setup",
		Kid:       vapidKP.Kid,
		RequestID: meta.RequestID,
		UserID:    userID,
		Origin:    meta.Origin,
		Detail:    map[string]string{"method": string(method), "enrollmentId": rec.EnrollmentID},
	}); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeAuditChainBroken, err)
	}

	return &SetupResult{
		Success:        true,
		EnrollmentID:   rec.EnrollmentID,
		VAPIDPublicKey: cryptoutil.RawPublicKey(&vapidKP.PrivateKey.PublicKey),
		VAPIDKid:       vapidKP.Kid,
	}, nil
}

func (o *Orchestrator) storeVAPIDKey(userID string, mkekKey *[32]byte, kp *vapid.KeyPair) error {
	now := time.Now().UTC()
	aad := wrap.AAD{
		Version:   1,
		Kid:       kp.Kid,
		Alg:       wrap.AEADAlgAES256GCM,
		Purpose:   purposeVAPID,
		CreatedAt: now.Format(time.RFC3339),
		KeyType:   "ec-p256",
	}
	env, err := wrap.Wrap(mkekKey, cryptoutil.ECPrivateBytes(kp.PrivateKey), aad)
	if err != nil {
		return fmt.Errorf("orchestrator: wrapping VAPID key: %w", err)
	}
	return o.storage.StoreKeyRecord(&store.KeyRecord{
		Kid:       kp.Kid,
		UserID:    userID,
		Purpose:   purposeVAPID,
		PublicKey: cryptoutil.RawPublicKey(&kp.PrivateKey.PublicKey),
		Envelope:  env,
		CreatedAt: now,
	})
}

// SetupPassphrase enrolls userID for the first time via a passphrase.
func (o *Orchestrator) SetupPassphrase(meta ReqMeta, userID, passphrase string) (*SetupResult, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	iterations := env.MinPBKDF2Iterations()
	if iterations < enrollment.MinPBKDF2Iterations {
		iterations = enrollment.MinPBKDF2Iterations
	}
	kwrap, err := enrollment.PassphraseCredential(passphrase, salt, iterations)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	return o.firstTimeSetup(meta, userID, enrollment.MethodPassphrase, kwrap, salt, iterations)
}

// SetupPasskeyPRF enrolls userID for the first time via a WebAuthn PRF
// extension output. credentialId and rpId are recorded by the caller's
// transport layer; the core only needs the PRF output and a fresh salt.
func (o *Orchestrator) SetupPasskeyPRF(meta ReqMeta, userID string, prfOutput []byte) (*SetupResult, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	kwrap, err := enrollment.PasskeyPRFCredential(prfOutput, salt)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	return o.firstTimeSetup(meta, userID, enrollment.MethodPasskeyPRF, kwrap, salt, 0)
}

// SetupPasskeyGate enrolls userID for the first time via a passkey-gate:
// a fresh 32-byte pepper generated here and stored with the enrollment,
// later released only after a successful WebAuthn assertion gate.
func (o *Orchestrator) SetupPasskeyGate(meta ReqMeta, userID string) (*SetupResult, []byte, error) {
	pepper := make([]byte, 32)
	if _, err := rand.Read(pepper); err != nil {
		return nil, nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	kwrap, err := enrollment.PasskeyGateCredential(pepper, salt)
	if err != nil {
		return nil, nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}
	res, err := o.firstTimeSetup(meta, userID, enrollment.MethodPasskeyGate, kwrap, salt, 0)
	if err != nil {
		return nil, nil, err
	}
	return res, pepper, nil
}

// AddEnrollmentResult is addEnrollment's RPC result shape.
type AddEnrollmentResult struct {
	Success      bool   `json:"success"`
	EnrollmentID string `json:"enrollmentId"`
}

// AddEnrollment unlocks the master secret with an existing credential
// and binds a new enrollment method to it. The unlock and the new
// enrollment share one add-enrollment audit record.
func (o *Orchestrator) AddEnrollment(meta ReqMeta, existing Credentials, newMethod enrollment.Method, newSalt []byte, newIterations int, newKwrap *[32]byte) (*AddEnrollmentResult, error) {
	result, _, err := unlock.WithUnlock(o.unwrapperFor(existing), func(mkekKey, ms *[32]byte, scope *unlock.Scope) (*AddEnrollmentResult, error) {
		rec, err := enrollment.Enroll(existing.UserID, newMethod, newKwrap, ms, newSalt, newIterations)
		if err != nil {
			return nil, fmt.Errorf("add enrollment: %w", err)
		}
		if err := o.enroll.Add(rec); err != nil {
			return nil, err
		}
		uak, err := o.uakFor(existing.UserID, mkekKey)
		if err != nil {
			return nil, err
		}
		if _, err := o.chain.Append(uak, auditchain.Params{
			Op:         "add-enrollment",
			RequestID:  meta.RequestID,
			UserID:     existing.UserID,
			Origin:     meta.Origin,
			UnlockTime: scope.UnlockTime,
			LockTime:   time.Now().UTC(),
			Duration:   time.Since(scope.UnlockTime),
			Detail:     map[string]string{"method": string(newMethod), "enrollmentId": rec.EnrollmentID},
		}); err != nil {
			return nil, err
		}
		return &AddEnrollmentResult{Success: true, EnrollmentID: rec.EnrollmentID}, nil
	})
	if err != nil {
		return nil, asRPCErr(err)
	}
	return result, nil
}

// AddEnrollmentCredentials is AddEnrollment with the new method's
// K_wrap derivation handled here: a fresh salt (and, for passkey-gate,
// a fresh pepper, returned to the caller for release-gating) is
// generated per method before the two-step unlock-then-enroll runs.
func (o *Orchestrator) AddEnrollmentCredentials(meta ReqMeta, existing, newCreds Credentials) (*AddEnrollmentResult, []byte, error) {
	var (
		salt       []byte
		iterations int
		kwrap      *[32]byte
		pepper     []byte
		err        error
	)
	switch newCreds.Method {
	case enrollment.MethodPassphrase:
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
		}
		iterations = enrollment.MinPBKDF2Iterations
		kwrap, err = enrollment.PassphraseCredential(newCreds.Passphrase, salt, iterations)
	case enrollment.MethodPasskeyPRF:
		salt = make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
		}
		kwrap, err = enrollment.PasskeyPRFCredential(newCreds.PRFOutput, salt)
	case enrollment.MethodPasskeyGate:
		salt = make([]byte, 32)
		if _, err := rand.Read(salt); err != nil {
			return nil, nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
		}
		pepper = make([]byte, 32)
		if _, err := rand.Read(pepper); err != nil {
			return nil, nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
		}
		kwrap, err = enrollment.PasskeyGateCredential(pepper, salt)
	default:
		return nil, nil, rpcerr.New(rpcerr.CodeInvalidRequest, "unknown enrollment method")
	}
	if err != nil {
		return nil, nil, rpcerr.Wrap(rpcerr.CodeCryptoFailure, err)
	}

	res, err := o.AddEnrollment(meta, existing, newCreds.Method, salt, iterations, kwrap)
	if err != nil {
		return nil, nil, err
	}
	return res, pepper, nil
}

// RemoveEnrollment unlocks with creds and deletes the given enrollment.
func (o *Orchestrator) RemoveEnrollment(meta ReqMeta, creds Credentials, enrollmentID string) (bool, error) {
	_, _, err := unlock.WithUnlock(o.unwrapperFor(creds), func(mkekKey, _ *[32]byte, scope *unlock.Scope) (bool, error) {
		if err := o.enroll.Remove(creds.UserID, enrollmentID); err != nil {
			return false, err
		}
		uak, err := o.uakFor(creds.UserID, mkekKey)
		if err != nil {
			return false, err
		}
		if _, err := o.chain.Append(uak, auditchain.Params{
			Op:         "remove-enrollment",
			RequestID:  meta.RequestID,
			UserID:     creds.UserID,
			Origin:     meta.Origin,
			UnlockTime: scope.UnlockTime,
			LockTime:   time.Now().UTC(),
			Duration:   time.Since(scope.UnlockTime),
			Detail:     map[string]string{"enrollmentId": enrollmentID},
		}); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return false, asRPCErr(err)
	}
	return true, nil
}

// EnrollmentInfo is the status view of one enrollment: ids and method,
// never salts or wrapped secrets.
type EnrollmentInfo struct {
	EnrollmentID string            `json:"enrollmentId"`
	Method       enrollment.Method `json:"method"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// GetEnrollments lists userID's enrollments for a status query.
func (o *Orchestrator) GetEnrollments(userID string) ([]EnrollmentInfo, error) {
	recs, err := o.enroll.ForUser(userID)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.CodeInternal, err)
	}
	infos := make([]EnrollmentInfo, 0, len(recs))
	for _, r := range recs {
		infos = append(infos, EnrollmentInfo{EnrollmentID: r.EnrollmentID, Method: r.Method, CreatedAt: r.CreatedAt})
	}
	return infos, nil
}
