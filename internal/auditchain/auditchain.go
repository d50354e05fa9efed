// Package auditchain implements the tamper-evident, hash-chained audit
// log: every entry's chainHash commits to the previous entry's hash and
// is signed by whichever of the three audit-signing roles (Instance,
// User, or Lease) authored it. Lease-signed entries carry a delegation
// certificate binding the Lease Audit Key to the User Audit Key that
// authorized it, so a verifier never has to trust an LAK directly.
package auditchain

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ats-kms/enclave/internal/cryptoutil"
)

// Role identifies which of the three signing keys authored an entry.
type Role string

const (
	RoleInstance Role = "instance"
	RoleUser     Role = "user"
	RoleLease    Role = "lease"
)

// Signer is an ECDSA P-256 signing identity: Instance Audit Key (KIAK),
// User Audit Key (UAK), or Lease Audit Key (LAK).
type Signer struct {
	Role       Role
	PrivateKey *ecdsa.PrivateKey
	Kid        string
}

// NewSigner generates a fresh P-256 signing key for the given role.
func NewSigner(role Role) (*Signer, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("auditchain: generating signer: %w", err)
	}
	kid, err := cryptoutil.JWKThumbprint(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("auditchain: computing signer kid: %w", err)
	}
	return &Signer{Role: role, PrivateKey: priv, Kid: kid}, nil
}

// DelegationCert binds a Lease Audit Key's public key to a lease, signed
// by the User Audit Key that authorized the lease. Verifying an LAK
// entry means checking both this signature and the entry's own.
type DelegationCert struct {
	LeaseID   string    `json:"leaseId"`
	LAKPubKey []byte    `json:"lakPubKey"` // raw uncompressed P-256 point
	Expiry    time.Time `json:"exp"`
	Signature []byte    `json:"sig"` // P-1363 r||s, signed by the UAK
}

func (c DelegationCert) signedBytes() []byte {
	return []byte(fmt.Sprintf("%s|%x|%d", c.LeaseID, c.LAKPubKey, c.Expiry.Unix()))
}

// IssueDelegationCert has uak sign lakPub for leaseID, valid until exp.
func IssueDelegationCert(uak *Signer, leaseID string, lakPub *ecdsa.PublicKey, exp time.Time) (*DelegationCert, error) {
	cert := DelegationCert{
		LeaseID:   leaseID,
		LAKPubKey: cryptoutil.RawPublicKey(lakPub),
		Expiry:    exp,
	}
	digest := sha256.Sum256(cert.signedBytes())
	sig, err := cryptoutil.SignP1363(uak.PrivateKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("auditchain: signing delegation cert: %w", err)
	}
	cert.Signature = sig
	return &cert, nil
}

// Verify checks the delegation certificate's signature and expiry
// against the issuing UAK's public key.
func (c DelegationCert) Verify(uakPub *ecdsa.PublicKey, now time.Time) error {
	if now.After(c.Expiry) {
		return fmt.Errorf("auditchain: delegation certificate expired at %s", c.Expiry)
	}
	digest := sha256.Sum256(c.signedBytes())
	if !cryptoutil.VerifyP1363(uakPub, digest[:], c.Signature) {
		return fmt.Errorf("auditchain: delegation certificate signature invalid")
	}
	return nil
}

// Entry is one tamper-evident audit log record.
type Entry struct {
	KMSVersion   string          `json:"kmsVersion"`
	SeqNum       uint64          `json:"seqNum"`
	Timestamp    time.Time       `json:"timestamp"`
	Op           string          `json:"op"`
	Kid          string          `json:"kid,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	Role         Role            `json:"role"`
	AuditKeyID   string          `json:"auditKeyId"`
	UserID       string          `json:"userId,omitempty"`
	Origin       string          `json:"origin,omitempty"`
	LeaseID      string          `json:"leaseId,omitempty"`
	UnlockTime   *time.Time      `json:"unlockTime,omitempty"`
	LockTime     *time.Time      `json:"lockTime,omitempty"`
	DurationMS   int64           `json:"duration,omitempty"`
	Detail       json.RawMessage `json:"details,omitempty"`
	PreviousHash []byte          `json:"previousHash"`
	ChainHash    []byte          `json:"chainHash"`
	Signature    []byte          `json:"signature"`
	Delegation   *DelegationCert `json:"delegation,omitempty"`
}

// Params carries everything one logged operation contributes to its
// entry. The chain itself supplies seqNum, previousHash, timestamp, and
// the schema version; the signer supplies role and auditKeyId.
type Params struct {
	Op         string
	Kid        string
	RequestID  string
	UserID     string
	Origin     string
	LeaseID    string
	UnlockTime time.Time
	LockTime   time.Time
	Duration   time.Duration
	Detail     any
	Delegation *DelegationCert
}

// canonicalPayload renders the fields that participate in the chain
// hash, in a fixed field order, independent of the entry's own
// chainHash/signature (which are computed from this output).
func canonicalPayload(e *Entry) ([]byte, error) {
	type payload struct {
		KMSVersion string          `json:"kmsVersion"`
		SeqNum     uint64          `json:"seqNum"`
		Timestamp  int64           `json:"timestamp"`
		Op         string          `json:"op"`
		Kid        string          `json:"kid,omitempty"`
		RequestID  string          `json:"requestId,omitempty"`
		Role       Role            `json:"role"`
		AuditKeyID string          `json:"auditKeyId"`
		UserID     string          `json:"userId,omitempty"`
		Origin     string          `json:"origin,omitempty"`
		LeaseID    string          `json:"leaseId,omitempty"`
		UnlockTime int64           `json:"unlockTime,omitempty"`
		LockTime   int64           `json:"lockTime,omitempty"`
		DurationMS int64           `json:"duration,omitempty"`
		Detail     json.RawMessage `json:"details,omitempty"`
	}
	p := payload{
		KMSVersion: e.KMSVersion,
		SeqNum:     e.SeqNum,
		Timestamp:  e.Timestamp.UnixNano(),
		Op:         e.Op,
		Kid:        e.Kid,
		RequestID:  e.RequestID,
		Role:       e.Role,
		AuditKeyID: e.AuditKeyID,
		UserID:     e.UserID,
		Origin:     e.Origin,
		LeaseID:    e.LeaseID,
		DurationMS: e.DurationMS,
		Detail:     e.Detail,
	}
	if e.UnlockTime != nil {
		p.UnlockTime = e.UnlockTime.UnixNano()
	}
	if e.LockTime != nil {
		p.LockTime = e.LockTime.UnixNano()
	}
	return json.Marshal(p)
}

// Chain is the append-only, linearizable audit log writer. One Chain
// instance exists per worker, guarded by its own mutex so chain-hash
// construction, signing, and persistence happen as one atomic step per
// RPC.
type Chain struct {
	mu      sync.Mutex
	storage Storage
	version string
	last    []byte
	nextSeq uint64
}

// Storage persists audit entries and the latest chain hash/seqNum.
type Storage interface {
	AppendAuditEntry(e *Entry) error
	LastAuditState() (previousHash []byte, nextSeq uint64, err error)
	AuditEntriesAfter(seq uint64, limit int) ([]*Entry, error)
}

// NewChain loads the chain's tail state from storage. version is
// stamped into every entry's kmsVersion field.
func NewChain(storage Storage, version string) (*Chain, error) {
	prev, next, err := storage.LastAuditState()
	if err != nil {
		return nil, fmt.Errorf("auditchain: loading chain tail: %w", err)
	}
	return &Chain{storage: storage, version: version, last: prev, nextSeq: next}, nil
}

// Len returns the number of entries committed so far.
func (c *Chain) Len() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

// Append signs and persists a new entry, threading it onto the chain.
func (c *Chain) Append(signer *Signer, p Params) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var detailJSON json.RawMessage
	if p.Detail != nil {
		var err error
		detailJSON, err = json.Marshal(p.Detail)
		if err != nil {
			return nil, fmt.Errorf("auditchain: marshaling entry detail: %w", err)
		}
	}

	e := &Entry{
		KMSVersion:   c.version,
		SeqNum:       c.nextSeq,
		Timestamp:    time.Now().UTC(),
		Op:           p.Op,
		Kid:          p.Kid,
		RequestID:    p.RequestID,
		Role:         signer.Role,
		AuditKeyID:   signer.Kid,
		UserID:       p.UserID,
		Origin:       p.Origin,
		LeaseID:      p.LeaseID,
		Detail:       detailJSON,
		PreviousHash: c.last,
		Delegation:   p.Delegation,
	}
	if !p.UnlockTime.IsZero() {
		ut, lt := p.UnlockTime, p.LockTime
		e.UnlockTime = &ut
		e.LockTime = &lt
		e.DurationMS = p.Duration.Milliseconds()
	}

	payload, err := canonicalPayload(e)
	if err != nil {
		return nil, fmt.Errorf("auditchain: canonicalizing entry: %w", err)
	}

	h := sha256.New()
	h.Write(e.PreviousHash)
	h.Write(payload)
	e.ChainHash = h.Sum(nil)

	sig, err := cryptoutil.SignP1363(signer.PrivateKey, e.ChainHash)
	if err != nil {
		return nil, fmt.Errorf("auditchain: signing entry: %w", err)
	}
	e.Signature = sig

	if err := c.storage.AppendAuditEntry(e); err != nil {
		return nil, fmt.Errorf("auditchain: persisting entry: %w", err)
	}

	c.last = e.ChainHash
	c.nextSeq++

	return e, nil
}

// KeyResolver maps an entry's role and auditKeyId to the public key
// that should have produced its signature, and for LAK entries, the
// UAK public key that should have issued its delegation certificate
// (resolved by the entry's userId).
type KeyResolver interface {
	PublicKeyFor(role Role, id string) (*ecdsa.PublicKey, error)
}

// Verify walks entries in order, recomputing each chain hash,
// confirming monotonic seqNum, verifying each signature against the
// signer the entry claims, and — for lease-signed entries — verifying
// the embedded delegation certificate against its issuing UAK. It
// returns the number of entries verified.
func Verify(entries []*Entry, resolver KeyResolver) (int, error) {
	var prevHash []byte
	var prevSeq uint64
	first := true
	verified := 0

	for _, e := range entries {
		if !first && e.SeqNum != prevSeq+1 {
			return verified, fmt.Errorf("auditchain: seqNum not monotonic at %d (previous %d)", e.SeqNum, prevSeq)
		}
		if !first && string(e.PreviousHash) != string(prevHash) {
			return verified, fmt.Errorf("auditchain: previousHash mismatch at seqNum %d", e.SeqNum)
		}

		payload, err := canonicalPayload(e)
		if err != nil {
			return verified, fmt.Errorf("auditchain: canonicalizing entry %d: %w", e.SeqNum, err)
		}
		h := sha256.New()
		h.Write(e.PreviousHash)
		h.Write(payload)
		wantHash := h.Sum(nil)
		if string(wantHash) != string(e.ChainHash) {
			return verified, fmt.Errorf("auditchain: chain hash mismatch at seqNum %d", e.SeqNum)
		}

		var signerPub *ecdsa.PublicKey
		if e.Role == RoleLease {
			// A lease entry's signing key is vouched for by its own
			// delegation certificate, not the keys store — lease
			// records may be swept long before the chain is verified.
			if e.Delegation == nil {
				return verified, fmt.Errorf("auditchain: lease entry %d missing delegation certificate", e.SeqNum)
			}
			uakPub, err := resolver.PublicKeyFor(RoleUser, e.UserID)
			if err != nil {
				return verified, fmt.Errorf("auditchain: resolving delegating UAK for entry %d: %w", e.SeqNum, err)
			}
			if err := e.Delegation.Verify(uakPub, e.Timestamp); err != nil {
				return verified, fmt.Errorf("auditchain: entry %d: %w", e.SeqNum, err)
			}
			lakPub, err := cryptoutil.ParseRawPublicKey(e.Delegation.LAKPubKey)
			if err != nil {
				return verified, fmt.Errorf("auditchain: entry %d delegation key: %w", e.SeqNum, err)
			}
			lakKid, err := cryptoutil.JWKThumbprint(lakPub)
			if err != nil {
				return verified, fmt.Errorf("auditchain: entry %d delegation kid: %w", e.SeqNum, err)
			}
			if lakKid != e.AuditKeyID {
				return verified, fmt.Errorf("auditchain: entry %d signed by a key outside its delegation", e.SeqNum)
			}
			signerPub = lakPub
		} else {
			var err error
			signerPub, err = resolver.PublicKeyFor(e.Role, e.AuditKeyID)
			if err != nil {
				return verified, fmt.Errorf("auditchain: resolving signer for entry %d: %w", e.SeqNum, err)
			}
		}
		if !cryptoutil.VerifyP1363(signerPub, e.ChainHash, e.Signature) {
			return verified, fmt.Errorf("auditchain: signature invalid at seqNum %d", e.SeqNum)
		}

		prevHash = e.ChainHash
		prevSeq = e.SeqNum
		first = false
		verified++
	}

	return verified, nil
}
