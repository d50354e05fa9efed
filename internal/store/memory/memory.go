// Package memory implements an in-process store.Storage backend for
// tests and ephemeral worker instances: a real mutex-guarded
// implementation registered the same way the durable backends are,
// since an enclave worker with no persistence still needs a working
// store for the duration of its process lifetime.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ats-kms/enclave/internal/auditchain"
	"github.com/ats-kms/enclave/internal/enrollment"
	"github.com/ats-kms/enclave/internal/lease"
	"github.com/ats-kms/enclave/internal/store"
)

func init() {
	store.Register("memory", New)
}

// Store is the in-memory store.Storage implementation.
type Store struct {
	mu sync.RWMutex

	config      map[string]string
	keys        map[string]*store.KeyRecord
	enrollments map[string][]*enrollment.Record
	leases      map[string]*lease.Record
	meta        map[string][]byte
	audit       []*auditchain.Entry
}

// New constructs an empty in-memory Storage. cfg is accepted (and
// ignored) to satisfy store.Factory's signature.
func New(_ store.Config) (store.Storage, error) {
	return &Store{
		config:      make(map[string]string),
		keys:        make(map[string]*store.KeyRecord),
		enrollments: make(map[string][]*enrollment.Record),
		leases:      make(map[string]*lease.Record),
		meta:        make(map[string][]byte),
	}, nil
}

func (s *Store) Initialize(_ context.Context) error { return nil }
func (s *Store) Close(_ context.Context) error      { return nil }

func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = make(map[string]string)
	s.keys = make(map[string]*store.KeyRecord)
	s.enrollments = make(map[string][]*enrollment.Record)
	s.leases = make(map[string]*lease.Record)
	s.meta = make(map[string][]byte)
	s.audit = nil
	return nil
}

func (s *Store) GetConfig(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.config[key]
	return v, ok, nil
}

func (s *Store) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

func (s *Store) StoreKeyRecord(rec *store.KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[rec.Kid] = rec
	return nil
}

func (s *Store) LoadKeyRecord(kid string) (*store.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("memory: key record not found: %s", kid)
	}
	return rec, nil
}

func (s *Store) ListKeyRecords(purpose string) ([]*store.KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.KeyRecord
	for _, rec := range s.keys {
		if purpose == "" || rec.Purpose == purpose {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) DeleteKeyRecord(kid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, kid)
	return nil
}

func (s *Store) StoreEnrollment(rec *enrollment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrollments[rec.UserID] = append(s.enrollments[rec.UserID], rec)
	return nil
}

func (s *Store) LoadEnrollmentsByUser(userID string) ([]*enrollment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*enrollment.Record(nil), s.enrollments[userID]...), nil
}

func (s *Store) LoadEnrollment(enrollmentID string) (*enrollment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, recs := range s.enrollments {
		for _, r := range recs {
			if r.EnrollmentID == enrollmentID {
				return r, nil
			}
		}
	}
	return nil, fmt.Errorf("memory: enrollment not found: %s", enrollmentID)
}

func (s *Store) DeleteEnrollment(enrollmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, recs := range s.enrollments {
		for i, r := range recs {
			if r.EnrollmentID == enrollmentID {
				s.enrollments[userID] = append(recs[:i], recs[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

func (s *Store) StoreLease(rec *lease.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[rec.LeaseID] = rec
	return nil
}

func (s *Store) LoadLease(leaseID string) (*lease.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.leases[leaseID]
	if !ok {
		return nil, fmt.Errorf("memory: lease not found: %s", leaseID)
	}
	return rec, nil
}

func (s *Store) LoadLeasesByUser(userID string) ([]*lease.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*lease.Record
	for _, rec := range s.leases {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) DeleteLease(leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, leaseID)
	return nil
}

func (s *Store) DeleteExpiredLeases(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, rec := range s.leases {
		if rec.Expired(now) {
			delete(s.leases, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) GetMeta(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

func (s *Store) SetMeta(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *Store) AppendAuditEntry(e *auditchain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *Store) LastAuditState() ([]byte, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.audit) == 0 {
		return nil, 0, nil
	}
	last := s.audit[len(s.audit)-1]
	return last.ChainHash, last.SeqNum + 1, nil
}

func (s *Store) AuditEntriesAfter(seq uint64, limit int) ([]*auditchain.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*auditchain.Entry
	for _, e := range s.audit {
		if e.SeqNum >= seq {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
