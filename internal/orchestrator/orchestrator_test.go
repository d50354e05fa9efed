package orchestrator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/enrollment"
	"github.com/ats-kms/enclave/internal/lease"
	"github.com/ats-kms/enclave/internal/rpcerr"
	"github.com/ats-kms/enclave/internal/store"
	"github.com/ats-kms/enclave/internal/store/memory"
	"github.com/ats-kms/enclave/internal/vapid"
)

const testPassphrase = "correct horse battery"

func newTestOrchestrator(t *testing.T) (*Orchestrator, store.Storage) {
	t.Helper()
	backend, err := memory.New(store.Config{})
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}
	o, err := New(backend)
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	return o, backend
}

func passphraseCreds(userID, passphrase string) Credentials {
	return Credentials{Method: enrollment.MethodPassphrase, UserID: userID, Passphrase: passphrase}
}

func setupUser(t *testing.T, o *Orchestrator, userID string) *SetupResult {
	t.Helper()
	res, err := o.SetupPassphrase(ReqMeta{RequestID: "req-setup"}, userID, testPassphrase)
	if err != nil {
		t.Fatalf("SetupPassphrase() error = %v", err)
	}
	if !res.Success || res.EnrollmentID == "" {
		t.Fatalf("SetupPassphrase() = %+v, want success with enrollmentId", res)
	}
	return res
}

func assertCode(t *testing.T, err error, want rpcerr.Code) {
	t.Helper()
	var rErr *rpcerr.Error
	if !errors.As(err, &rErr) {
		t.Fatalf("error = %v, want *rpcerr.Error with code %s", err, want)
	}
	if rErr.Code != want {
		t.Fatalf("error code = %s, want %s", rErr.Code, want)
	}
}

func verifyJWT(t *testing.T, token string, rawPub []byte) *vapid.Claims {
	t.Helper()
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("JWT has %d segments, want 3", len(parts))
	}
	pub, err := cryptoutil.ParseRawPublicKey(rawPub)
	if err != nil {
		t.Fatalf("ParseRawPublicKey() error = %v", err)
	}
	parsed, err := jwt.ParseWithClaims(token, &vapid.Claims{}, func(tok *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("JWT did not verify under the advertised public key: %v", err)
	}
	return parsed.Claims.(*vapid.Claims)
}

func testEndpoint() lease.Endpoint {
	return lease.Endpoint{URL: "https://push.example.com/send/abc", Aud: "https://push.example.com", EID: "e1"}
}

func TestSetupGenerateSignRoundTrip(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	res := setupUser(t, o, "u1")

	if len(res.VAPIDPublicKey) != 65 || res.VAPIDPublicKey[0] != 0x04 {
		t.Fatalf("setup VAPID public key is not a 65-byte uncompressed point")
	}

	signed, err := o.SignJWT(ReqMeta{RequestID: "req-sign"}, res.VAPIDKid, JWTParams{
		Aud: "https://push.example.com",
		Sub: "mailto:a@b",
		Exp: time.Now().Add(time.Hour),
	}, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("SignJWT() error = %v", err)
	}

	claims := verifyJWT(t, signed.JWT, res.VAPIDPublicKey)
	if claims.Subject != "mailto:a@b" {
		t.Errorf("sub = %q, want mailto:a@b", claims.Subject)
	}

	chain, err := o.VerifyAuditChain()
	if err != nil {
		t.Fatalf("VerifyAuditChain() error = %v", err)
	}
	if !chain.Valid {
		t.Fatalf("VerifyAuditChain() = %+v, want valid", chain)
	}
	if chain.Verified < 3 { // kms-init, setup, sign
		t.Errorf("VerifyAuditChain() verified = %d, want >= 3", chain.Verified)
	}
}

func TestWrongPassphraseWritesNoAuditEntry(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	res := setupUser(t, o, "u1")

	before, err := o.GetAuditLog(0, 0)
	if err != nil {
		t.Fatalf("GetAuditLog() error = %v", err)
	}

	_, err = o.SignJWT(ReqMeta{}, res.VAPIDKid, JWTParams{Aud: "https://push.example.com"}, passphraseCreds("u1", "wrong"))
	assertCode(t, err, rpcerr.CodeIncorrectPassphrase)

	after, err := o.GetAuditLog(0, 0)
	if err != nil {
		t.Fatalf("GetAuditLog() error = %v", err)
	}
	if len(after) != len(before) {
		t.Errorf("audit log grew from %d to %d entries on a failed unlock", len(before), len(after))
	}
}

func TestLeaseFlowIssuesWithoutCredentials(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	setupUser(t, o, "u1")

	start := time.Now().UTC()
	created, err := o.CreateLease(ReqMeta{RequestID: "req-lease"}, "u1", []lease.Endpoint{testEndpoint()}, 1, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	if !strings.HasPrefix(created.LeaseID, "lease-") {
		t.Errorf("LeaseID = %q, want lease- prefix", created.LeaseID)
	}
	gotTTL := created.Exp.Sub(start)
	if gotTTL < 59*time.Minute || gotTTL > 61*time.Minute {
		t.Errorf("lease TTL = %v, want ~1h", gotTTL)
	}

	// No credentials anywhere near this call.
	issued, err := o.IssueVAPIDJWT(ReqMeta{RequestID: "req-issue"}, created.LeaseID, testEndpoint(), "", "", time.Time{})
	if err != nil {
		t.Fatalf("IssueVAPIDJWT() error = %v", err)
	}

	kid, err := o.GetVAPIDKid("u1")
	if err != nil {
		t.Fatalf("GetVAPIDKid() error = %v", err)
	}
	pub, err := o.GetPublicKey(kid)
	if err != nil {
		t.Fatalf("GetPublicKey() error = %v", err)
	}
	claims := verifyJWT(t, issued.JWT, pub)
	if claims.UID != "u1" || claims.EID != "e1" {
		t.Errorf("uid/eid = %q/%q, want u1/e1", claims.UID, claims.EID)
	}

	// The sign entry must be signed by the key the delegation
	// certificate vouches for.
	entry := issued.AuditEntry
	if entry.Op != "sign" || entry.LeaseID != created.LeaseID {
		t.Fatalf("audit entry = op %q lease %q, want sign on %q", entry.Op, entry.LeaseID, created.LeaseID)
	}
	if entry.Delegation == nil {
		t.Fatal("sign entry carries no delegation certificate")
	}
	lakPub, err := cryptoutil.ParseRawPublicKey(entry.Delegation.LAKPubKey)
	if err != nil {
		t.Fatalf("ParseRawPublicKey() error = %v", err)
	}
	lakKid, err := cryptoutil.JWKThumbprint(lakPub)
	if err != nil {
		t.Fatalf("JWKThumbprint() error = %v", err)
	}
	if entry.AuditKeyID != lakKid {
		t.Errorf("auditKeyId = %q, want delegated LAK kid %q", entry.AuditKeyID, lakKid)
	}

	chain, err := o.VerifyAuditChain()
	if err != nil {
		t.Fatalf("VerifyAuditChain() error = %v", err)
	}
	if !chain.Valid {
		t.Fatalf("VerifyAuditChain() = %+v, want valid", chain)
	}
}

func TestEndpointNotInLeaseIsRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	created, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 1, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	rogue := lease.Endpoint{URL: "https://push.example.com/send/other", Aud: "https://push.example.com", EID: "e9"}
	_, err = o.IssueVAPIDJWT(ReqMeta{}, created.LeaseID, rogue, "", "", time.Time{})
	assertCode(t, err, rpcerr.CodeEndpointNotAuthorized)
}

func TestQuotaExceeded(t *testing.T) {
	o, backend := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	created, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 1, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	// Tighten the persisted quota to make the limit reachable.
	rec, err := backend.LoadLease(created.LeaseID)
	if err != nil {
		t.Fatalf("LoadLease() error = %v", err)
	}
	rec.Quotas = lease.Limits{TokensPerHour: 3, TokensPerMinute: 100, PerEndpointPerHour: 100}
	if err := backend.StoreLease(rec); err != nil {
		t.Fatalf("StoreLease() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := o.IssueVAPIDJWT(ReqMeta{}, created.LeaseID, testEndpoint(), "", "", time.Time{}); err != nil {
			t.Fatalf("IssueVAPIDJWT() #%d error = %v", i+1, err)
		}
	}
	_, err = o.IssueVAPIDJWT(ReqMeta{}, created.LeaseID, testEndpoint(), "", "", time.Time{})
	assertCode(t, err, rpcerr.CodeQuotaExceeded)
}

func TestRegenerateVAPIDInvalidatesLeases(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	created, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 1, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	regen, err := o.RegenerateVAPID(ReqMeta{}, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("RegenerateVAPID() error = %v", err)
	}
	if regen.Kid == "" {
		t.Fatal("RegenerateVAPID() returned empty kid")
	}

	status, err := o.VerifyLease(created.LeaseID)
	if err != nil {
		t.Fatalf("VerifyLease() error = %v", err)
	}
	if status.Valid || status.Reason != "wrong-key" {
		t.Errorf("VerifyLease() = %+v, want invalid with reason wrong-key", status)
	}

	_, err = o.IssueVAPIDJWT(ReqMeta{}, created.LeaseID, testEndpoint(), "", "", time.Time{})
	assertCode(t, err, rpcerr.CodeKeyNotFound)
}

func TestMultiEnrollmentUnlocksSameMS(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	res := setupUser(t, o, "u1")

	prfOutput := make([]byte, 32)
	for i := range prfOutput {
		prfOutput[i] = byte(i)
	}
	newCreds := Credentials{Method: enrollment.MethodPasskeyPRF, UserID: "u1", PRFOutput: prfOutput}
	added, _, err := o.AddEnrollmentCredentials(ReqMeta{}, passphraseCreds("u1", testPassphrase), newCreds)
	if err != nil {
		t.Fatalf("AddEnrollmentCredentials() error = %v", err)
	}
	if !added.Success {
		t.Fatalf("AddEnrollmentCredentials() = %+v, want success", added)
	}

	// Both credentials must unlock the same master secret: each can
	// unwrap the same stored VAPID key, producing JWTs that verify
	// under the same public key.
	byPass, err := o.SignJWT(ReqMeta{}, res.VAPIDKid, JWTParams{Aud: "https://push.example.com"}, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("SignJWT(passphrase) error = %v", err)
	}
	byPRF, err := o.SignJWT(ReqMeta{}, res.VAPIDKid, JWTParams{Aud: "https://push.example.com"}, newCreds)
	if err != nil {
		t.Fatalf("SignJWT(passkey-prf) error = %v", err)
	}
	verifyJWT(t, byPass.JWT, res.VAPIDPublicKey)
	verifyJWT(t, byPRF.JWT, res.VAPIDPublicKey)
}

func TestBatchIssuanceStaggersExpiry(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	created, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 1, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	start := time.Now().UTC()
	results, err := o.IssueVAPIDJWTs(ReqMeta{}, created.LeaseID, testEndpoint(), 5, "")
	if err != nil {
		t.Fatalf("IssueVAPIDJWTs() error = %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("IssueVAPIDJWTs() returned %d results, want 5", len(results))
	}

	first := results[0].Exp.Sub(start)
	if first < 899*time.Second || first > 901*time.Second {
		t.Errorf("first exp offset = %v, want ~900s", first)
	}
	seen := make(map[string]bool)
	for i, res := range results {
		if delta := res.Exp.Sub(results[0].Exp); delta != time.Duration(i)*540*time.Second {
			t.Errorf("exp[%d] - exp[0] = %v, want %v", i, delta, time.Duration(i)*540*time.Second)
		}
		if seen[res.JTI] {
			t.Errorf("jti %q reused within batch", res.JTI)
		}
		seen[res.JTI] = true
	}

	// The batch's audit entries are contiguous and in order.
	entries, err := o.GetAuditLog(0, 0)
	if err != nil {
		t.Fatalf("GetAuditLog() error = %v", err)
	}
	tail := entries[len(entries)-5:]
	for i, e := range tail {
		if e.Op != "sign" {
			t.Errorf("tail entry %d op = %q, want sign", i, e.Op)
		}
		if i > 0 && e.SeqNum != tail[i-1].SeqNum+1 {
			t.Errorf("batch audit entries not contiguous at %d", i)
		}
	}
}

func TestBatchCountBounds(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	created, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 1, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}
	for _, count := range []int{0, 11} {
		_, err := o.IssueVAPIDJWTs(ReqMeta{}, created.LeaseID, testEndpoint(), count, "")
		assertCode(t, err, rpcerr.CodeInvalidRequest)
	}
}

func TestLeaseSurvivesWorkerRestart(t *testing.T) {
	o, backend := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	created, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 1, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	// A fresh orchestrator over the same storage models a worker
	// restart: the SessionKEK cache starts cold and must be rebuilt
	// from the persisted record with no user interaction.
	restarted, err := New(backend)
	if err != nil {
		t.Fatalf("orchestrator.New() after restart error = %v", err)
	}
	if _, err := restarted.IssueVAPIDJWT(ReqMeta{}, created.LeaseID, testEndpoint(), "", "", time.Time{}); err != nil {
		t.Fatalf("IssueVAPIDJWT() after restart error = %v", err)
	}
}

func TestExpiredLeaseIsRejected(t *testing.T) {
	o, backend := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	created, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 1, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	rec, err := backend.LoadLease(created.LeaseID)
	if err != nil {
		t.Fatalf("LoadLease() error = %v", err)
	}
	rec.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := backend.StoreLease(rec); err != nil {
		t.Fatalf("StoreLease() error = %v", err)
	}

	_, err = o.IssueVAPIDJWT(ReqMeta{}, created.LeaseID, testEndpoint(), "", "", time.Time{})
	assertCode(t, err, rpcerr.CodeLeaseExpired)

	status, err := o.VerifyLease(created.LeaseID)
	if err != nil {
		t.Fatalf("VerifyLease() error = %v", err)
	}
	if status.Valid || status.Reason != "expired" {
		t.Errorf("VerifyLease() = %+v, want invalid/expired", status)
	}
}

func TestGetVAPIDKidRequiresExactlyOne(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.GetVAPIDKid("u1")
	assertCode(t, err, rpcerr.CodeKeyNotFound)

	setupUser(t, o, "u1")
	if _, err := o.GetVAPIDKid("u1"); err != nil {
		t.Fatalf("GetVAPIDKid() with one key error = %v", err)
	}

	if _, err := o.GenerateVAPID(ReqMeta{}, passphraseCreds("u1", testPassphrase)); err != nil {
		t.Fatalf("GenerateVAPID() error = %v", err)
	}
	_, err = o.GetVAPIDKid("u1")
	assertCode(t, err, rpcerr.CodeInvalidRequest)
}

func TestSetupTwiceIsRejected(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	_, err := o.SetupPassphrase(ReqMeta{}, "u1", "another pass")
	assertCode(t, err, rpcerr.CodeAlreadyEnrolled)
}

func TestCreateLeaseValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	setupUser(t, o, "u1")

	_, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 25, passphraseCreds("u1", testPassphrase))
	assertCode(t, err, rpcerr.CodeInvalidRequest)

	_, err = o.CreateLease(ReqMeta{}, "u1", nil, 1, passphraseCreds("u1", testPassphrase))
	assertCode(t, err, rpcerr.CodeInvalidRequest)
}

func TestResetKMSDropsEverything(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	created, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 1, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	ok, err := o.ResetKMS()
	if err != nil || !ok {
		t.Fatalf("ResetKMS() = (%v, %v), want (true, nil)", ok, err)
	}

	isSetup, err := o.IsSetup("u1")
	if err != nil {
		t.Fatalf("IsSetup() error = %v", err)
	}
	if isSetup {
		t.Error("IsSetup() = true after reset")
	}

	status, err := o.VerifyLease(created.LeaseID)
	if err != nil {
		t.Fatalf("VerifyLease() error = %v", err)
	}
	if status.Valid {
		t.Error("VerifyLease() = valid after reset")
	}

	// A fresh chain exists with a new kms-init entry and verifies.
	entries, err := o.GetAuditLog(0, 0)
	if err != nil {
		t.Fatalf("GetAuditLog() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Op != "kms-init" || entries[0].SeqNum != 0 {
		t.Errorf("post-reset audit log = %d entries, want exactly one kms-init at seq 0", len(entries))
	}
	chain, err := o.VerifyAuditChain()
	if err != nil || !chain.Valid {
		t.Errorf("VerifyAuditChain() after reset = (%+v, %v), want valid", chain, err)
	}
}

func TestGetUserLeases(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	setupUser(t, o, "u1")
	created, err := o.CreateLease(ReqMeta{}, "u1", []lease.Endpoint{testEndpoint()}, 2, passphraseCreds("u1", testPassphrase))
	if err != nil {
		t.Fatalf("CreateLease() error = %v", err)
	}

	leases, err := o.GetUserLeases("u1")
	if err != nil {
		t.Fatalf("GetUserLeases() error = %v", err)
	}
	if len(leases) != 1 || leases[0].LeaseID != created.LeaseID {
		t.Fatalf("GetUserLeases() = %+v, want the one created lease", leases)
	}
	if len(leases[0].Endpoints) != 1 || leases[0].Endpoints[0].EID != "e1" {
		t.Errorf("lease endpoints = %+v, want [e1]", leases[0].Endpoints)
	}
}

func TestGetAuditPublicKey(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	res, err := o.GetAuditPublicKey()
	if err != nil {
		t.Fatalf("GetAuditPublicKey() error = %v", err)
	}
	if len(res.PublicKey) != 65 || len(res.Kid) != 43 {
		t.Errorf("GetAuditPublicKey() = kid %d chars / key %d bytes, want 43 / 65", len(res.Kid), len(res.PublicKey))
	}
}
