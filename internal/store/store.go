// Package store defines the Storage interface the enclave's five
// persisted stores (config, keys, leases, audit, meta) are built on,
// plus the Register/New backend factory registry: a small interface, a
// Config struct, and a name-keyed factory map.
package store

import (
	"context"
	"time"

	"github.com/ats-kms/enclave/internal/auditchain"
	"github.com/ats-kms/enclave/internal/enrollment"
	"github.com/ats-kms/enclave/internal/lease"
	"github.com/ats-kms/enclave/internal/wrap"
)

// KeyRecord is a wrapped key persisted in the keys store: a VAPID
// application server keypair, an Instance/User Audit Key, or any other
// private key material the enclave wraps at rest.
type KeyRecord struct {
	Kid       string         `json:"kid"`
	UserID    string         `json:"userId,omitempty"`
	Purpose   string         `json:"purpose"`
	PublicKey []byte         `json:"publicKey"`
	Envelope  *wrap.Envelope `json:"envelope"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Storage is the full persistence surface the orchestrator depends on.
// It composes the narrower Storage interfaces each domain package
// defines so a single backend implementation satisfies all of them.
type Storage interface {
	enrollment.Storage
	lease.Storage
	auditchain.Storage

	Initialize(ctx context.Context) error
	Close(ctx context.Context) error

	// Reset deletes every record in every store, the resetKMS path.
	Reset() error

	// config store: small named settings (kmsVersion, rotation policy, …)
	GetConfig(key string) (string, bool, error)
	SetConfig(key, value string) error

	// keys store: wrapped application keys (VAPID, KIAK, UAK)
	StoreKeyRecord(rec *KeyRecord) error
	LoadKeyRecord(kid string) (*KeyRecord, error)
	ListKeyRecords(purpose string) ([]*KeyRecord, error)
	DeleteKeyRecord(kid string) error

	// meta store: opaque bookkeeping blobs (persisted SessionKEK salts,
	// schema generation markers, chain tail cursors)
	GetMeta(key string) ([]byte, bool, error)
	SetMeta(key string, value []byte) error
}

// Config holds backend construction parameters.
type Config struct {
	Location string
	Options  map[string]any
}

// Factory builds a Storage backend from Config.
type Factory func(cfg Config) (Storage, error)

var backends = make(map[string]Factory)

// Register adds a named backend factory to the registry.
func Register(name string, factory Factory) {
	backends[name] = factory
}

// New constructs a Storage backend of the named type.
func New(backendType string, cfg Config) (Storage, error) {
	factory, ok := backends[backendType]
	if !ok {
		return nil, unknownBackendError(backendType)
	}
	return factory(cfg)
}

type unknownBackendError string

func (e unknownBackendError) Error() string {
	return "store: unknown backend type: " + string(e)
}
