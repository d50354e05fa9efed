// Package lease implements the lease/SessionKEK mechanism: a time-boxed
// grant that derives a SessionKEK from the master secret, re-wraps a
// VAPID private key (and the lease's own audit key) under it, and from
// then on can issue signed JWTs without the master secret or MKEK ever
// being touched again. Its cache-over-storage shape follows the same
// pattern internal/enrollment's Manager uses.
package lease

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ats-kms/enclave/internal/auditchain"
	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/wrap"
)

// InfoLabel is the HKDF info string for SessionKEK derivation.
const InfoLabel = "ATS/KMS/SessionKEK/v1"

// MaxTTL caps a lease's lifetime at 24 hours from creation.
const MaxTTL = 24 * time.Hour

// Endpoint is one push endpoint a lease authorizes JWT issuance for.
type Endpoint struct {
	URL string `json:"url"`
	Aud string `json:"aud"`
	EID string `json:"eid"`
}

// Record is a persisted lease.
type Record struct {
	LeaseID          string                     `json:"leaseId"`
	UserID           string                     `json:"userId"`
	Endpoints        []Endpoint                 `json:"endpoints"`
	Salt             []byte                     `json:"leaseSalt"`
	WrappedVAPIDPriv *wrap.Envelope             `json:"wrappedLeaseKey"`
	WrappedLAKPriv   *wrap.Envelope             `json:"wrappedLakKey"`
	LAKPub           []byte                     `json:"lakPub"`
	Delegation       *auditchain.DelegationCert `json:"lakDelegationCert"`
	VAPIDKid         string                     `json:"kid"`
	Quotas           Limits                     `json:"quotas"`
	CreatedAt        time.Time                  `json:"createdAt"`
	ExpiresAt        time.Time                  `json:"exp"`
}

// EndpointByID returns the endpoint matching eid, if the lease
// authorizes it.
func (rec *Record) EndpointByID(eid string) (Endpoint, bool) {
	for _, e := range rec.Endpoints {
		if e.EID == eid {
			return e, true
		}
	}
	return Endpoint{}, false
}

// Expired reports whether rec's lease window has closed as of now.
func (rec *Record) Expired(now time.Time) bool {
	return now.After(rec.ExpiresAt)
}

// UnwrapVAPID returns the lease's VAPID private key bytes under the
// lease's SessionKEK. This is the only path to the key during a lease's
// lifetime; no MKEK or master secret is involved.
func (rec *Record) UnwrapVAPID(sessionKEK *[32]byte) ([]byte, error) {
	return wrap.Unwrap(sessionKEK, rec.WrappedVAPIDPriv)
}

// UnwrapLAK returns the Lease Audit Key's private bytes under the
// lease's SessionKEK.
func (rec *Record) UnwrapLAK(sessionKEK *[32]byte) ([]byte, error) {
	return wrap.Unwrap(sessionKEK, rec.WrappedLAKPriv)
}

// DeriveSessionKEK derives the SessionKEK for a lease from the master
// secret and the lease's own salt. The enclave never returns these
// bytes across the RPC boundary — only the unwrap operations a caller
// needs are exposed — which is how "non-extractable" is enforced
// without a WebCrypto CryptoKey primitive to lean on.
func DeriveSessionKEK(ms *[32]byte, salt []byte) (*[32]byte, error) {
	return cryptoutil.DeriveKey32(ms[:], salt, InfoLabel)
}

// Storage persists lease records and quota counters.
type Storage interface {
	StoreLease(rec *Record) error
	LoadLease(leaseID string) (*Record, error)
	LoadLeasesByUser(userID string) ([]*Record, error)
	DeleteLease(leaseID string) error
	DeleteExpiredLeases(now time.Time) (int, error)
}

// NewRecord assembles an unsaved lease record: fresh lease-prefixed id,
// fresh 32-byte salt, and the SessionKEK derived from ms and that salt.
// The caller wraps its key material under the returned SessionKEK and
// persists the finished record; the SessionKEK is the caller's to cache
// and zero.
func NewRecord(ms *[32]byte, userID string, endpoints []Endpoint, vapidKid string, ttl time.Duration, quotas Limits) (*Record, *[32]byte, error) {
	if ttl <= 0 || ttl > MaxTTL {
		return nil, nil, fmt.Errorf("lease: ttl %s out of range (0, %s]", ttl, MaxTTL)
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("lease: generating salt: %w", err)
	}
	sessionKEK, err := DeriveSessionKEK(ms, salt)
	if err != nil {
		return nil, nil, fmt.Errorf("lease: deriving SessionKEK: %w", err)
	}

	now := time.Now().UTC()
	return &Record{
		LeaseID:   "lease-" + uuid.NewString(),
		UserID:    userID,
		Endpoints: endpoints,
		Salt:      salt,
		VAPIDKid:  vapidKid,
		Quotas:    quotas,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, sessionKEK, nil
}

// WrapKeys binds the VAPID private key and the LAK private key to rec
// under sessionKEK. Each envelope's AAD carries the lease id so a
// ciphertext lifted from one lease record can never authenticate under
// another's.
func (rec *Record) WrapKeys(sessionKEK *[32]byte, vapidPriv, lakPriv []byte) error {
	created := rec.CreatedAt.Format(time.RFC3339)
	vapidEnv, err := wrap.Wrap(sessionKEK, vapidPriv, wrap.AAD{
		Version:   1,
		Kid:       rec.VAPIDKid,
		Alg:       wrap.AEADAlgAES256GCM,
		Purpose:   "lease-vapid:" + rec.LeaseID,
		CreatedAt: created,
		KeyType:   "ec-p256",
	})
	if err != nil {
		return fmt.Errorf("lease: wrapping VAPID key: %w", err)
	}
	lakEnv, err := wrap.Wrap(sessionKEK, lakPriv, wrap.AAD{
		Version:   1,
		Kid:       rec.VAPIDKid,
		Alg:       wrap.AEADAlgAES256GCM,
		Purpose:   "lease-lak:" + rec.LeaseID,
		CreatedAt: created,
		KeyType:   "ec-p256",
	})
	if err != nil {
		return fmt.Errorf("lease: wrapping lease audit key: %w", err)
	}
	rec.WrappedVAPIDPriv = vapidEnv
	rec.WrappedLAKPriv = lakEnv
	return nil
}

// Cache holds in-process SessionKEKs for active leases. It is a cache
// of persisted state: the orchestrator re-populates it from the meta
// store's wrapped-SessionKEK records after a worker restart, so nothing
// depends on it being warmer than storage.
type Cache struct {
	mu  sync.Mutex
	kek map[string]*[32]byte
}

// NewCache constructs an empty SessionKEK cache.
func NewCache() *Cache {
	return &Cache{kek: make(map[string]*[32]byte)}
}

// Get returns the cached SessionKEK for leaseID, if present.
func (c *Cache) Get(leaseID string) (*[32]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.kek[leaseID]
	return k, ok
}

// Put stores a SessionKEK for leaseID. The cache owns the buffer from
// here on; Evict zeroes it.
func (c *Cache) Put(leaseID string, kek *[32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.kek[leaseID]; ok && old != kek {
		cryptoutil.Zero32(old)
	}
	c.kek[leaseID] = kek
}

// Evict drops a lease's cached SessionKEK, called once a lease expires
// or is revoked so its key material doesn't linger in memory.
func (c *Cache) Evict(leaseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if k, ok := c.kek[leaseID]; ok {
		cryptoutil.Zero32(k)
		delete(c.kek, leaseID)
	}
}
