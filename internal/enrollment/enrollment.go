// Package enrollment derives the per-method wrapping key (K_wrap) that
// protects a user's master secret, and manages the set of enrollments
// bound to it. Its Manager is a cache-over-storage shape: an in-memory
// index backed by a Storage interface, rebuilt lazily.
package enrollment

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"

	"github.com/ats-kms/enclave/internal/cryptoutil"
	"github.com/ats-kms/enclave/internal/wrap"
)

// Method identifies how a user authorizes access to their master secret.
type Method string

const (
	MethodPassphrase Method = "passphrase"
	MethodPasskeyPRF  Method = "passkey-prf"
	MethodPasskeyGate Method = "passkey-gate"
)

// MinPBKDF2Iterations is the floor RFC-recommended iteration count for
// PBKDF2-SHA256 passphrase stretching; setup calls below this are
// rejected by the orchestrator before an Enrollment is ever built.
const MinPBKDF2Iterations = 600_000

const (
	infoPassphrase = "ATS/KMS/Kwrap/passphrase/v1"
	infoPasskeyPRF = "ATS/KMS/Kwrap/passkey-prf/v1"
	infoPasskeyGate = "ATS/KMS/Kwrap/passkey-gate/v1"
)

// Record is a single enrollment bound to a user's master secret.
type Record struct {
	EnrollmentID string    `json:"enrollmentId"`
	UserID       string    `json:"userId"`
	Method       Method    `json:"method"`
	Salt         []byte    `json:"salt"`
	Iterations   int       `json:"iterations,omitempty"`
	WrappedMS    *wrap.Envelope `json:"wrappedMS"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PassphraseCredential derives K_wrap from a user-supplied passphrase.
// PBKDF2-SHA256 stretches the passphrase before a second HKDF pass adds
// domain separation, so the same stretched secret can't be reused as a
// key for anything else even if the passphrase leaked through another
// channel.
func PassphraseCredential(passphrase string, salt []byte, iterations int) (*[32]byte, error) {
	if iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("enrollment: iteration count %d below minimum %d", iterations, MinPBKDF2Iterations)
	}
	stretched := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	return cryptoutil.DeriveKey32(stretched, salt, infoPassphrase)
}

// PasskeyPRFCredential derives K_wrap from a WebAuthn PRF extension
// output (32 bytes) and a per-enrollment salt.
func PasskeyPRFCredential(prfOutput []byte, salt []byte) (*[32]byte, error) {
	if len(prfOutput) != 32 {
		return nil, fmt.Errorf("enrollment: PRF output must be 32 bytes, got %d", len(prfOutput))
	}
	return cryptoutil.DeriveKey32(prfOutput, salt, infoPasskeyPRF)
}

// PasskeyGateCredential derives K_wrap from a random pepper that is only
// released to the caller after a successful WebAuthn assertion gate;
// the gate check itself happens outside this package (it needs the
// browser's WebAuthn ceremony, out of this enclave's scope), so this
// function assumes pepper has already been authorized for release.
func PasskeyGateCredential(pepper []byte, salt []byte) (*[32]byte, error) {
	if len(pepper) != 32 {
		return nil, fmt.Errorf("enrollment: pepper must be 32 bytes, got %d", len(pepper))
	}
	return cryptoutil.DeriveKey32(pepper, salt, infoPasskeyGate)
}

// Enroll wraps ms under the K_wrap derived for method and returns a new
// Record ready for persistence.
func Enroll(userID string, method Method, kwrap *[32]byte, ms *[32]byte, salt []byte, iterations int) (*Record, error) {
	aad := wrap.AAD{
		Version:   1,
		Kid:       userID,
		Alg:       "AES-256-GCM",
		Purpose:   "master-secret",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		KeyType:   "ms",
	}
	env, err := wrap.Wrap(kwrap, ms[:], aad)
	if err != nil {
		return nil, fmt.Errorf("enrollment: wrapping master secret: %w", err)
	}
	return &Record{
		EnrollmentID: uuid.NewString(),
		UserID:       userID,
		Method:       method,
		Salt:         salt,
		Iterations:   iterations,
		WrappedMS:    env,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Unlock unwraps rec's master secret using the supplied K_wrap.
func Unlock(rec *Record, kwrap *[32]byte) (*[32]byte, error) {
	pt, err := wrap.Unwrap(kwrap, rec.WrappedMS)
	if err != nil {
		return nil, fmt.Errorf("enrollment: %w", ErrIncorrectCredential)
	}
	if len(pt) != 32 {
		return nil, fmt.Errorf("enrollment: unwrapped master secret has wrong length %d", len(pt))
	}
	ms := new([32]byte)
	copy(ms[:], pt)
	return ms, nil
}

// ErrIncorrectCredential is returned when a K_wrap derived from a
// caller-supplied credential fails to unwrap the stored master secret.
// Method-agnostic on purpose: the orchestrator maps it to the
// per-method error code the caller sees.
var ErrIncorrectCredential = fmt.Errorf("incorrect credential")

// Storage persists Records, keyed by userId and enrollmentId.
type Storage interface {
	StoreEnrollment(rec *Record) error
	LoadEnrollmentsByUser(userID string) ([]*Record, error)
	LoadEnrollment(enrollmentID string) (*Record, error)
	DeleteEnrollment(enrollmentID string) error
}

// Manager caches a user's enrollments over a Storage backend.
type Manager struct {
	mu      sync.RWMutex
	byUser  map[string][]*Record
	storage Storage
}

// NewManager constructs an enrollment Manager backed by storage.
func NewManager(storage Storage) *Manager {
	return &Manager{byUser: make(map[string][]*Record), storage: storage}
}

// Add persists a new enrollment and updates the cache.
func (m *Manager) Add(rec *Record) error {
	if err := m.storage.StoreEnrollment(rec); err != nil {
		return fmt.Errorf("enrollment: storing record: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byUser[rec.UserID] = append(m.byUser[rec.UserID], rec)
	return nil
}

// ForUser returns all enrollments for userID, loading and caching them
// from storage on first access.
func (m *Manager) ForUser(userID string) ([]*Record, error) {
	m.mu.RLock()
	if recs, ok := m.byUser[userID]; ok {
		m.mu.RUnlock()
		return recs, nil
	}
	m.mu.RUnlock()

	recs, err := m.storage.LoadEnrollmentsByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("enrollment: loading enrollments for user: %w", err)
	}

	m.mu.Lock()
	m.byUser[userID] = recs
	m.mu.Unlock()
	return recs, nil
}

// Remove deletes an enrollment from storage and the cache.
func (m *Manager) Remove(userID, enrollmentID string) error {
	if err := m.storage.DeleteEnrollment(enrollmentID); err != nil {
		return fmt.Errorf("enrollment: deleting record: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.byUser[userID]
	for i, r := range recs {
		if r.EnrollmentID == enrollmentID {
			m.byUser[userID] = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	return nil
}
