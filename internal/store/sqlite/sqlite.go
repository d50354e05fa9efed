// Package sqlite implements the durable store.Storage backend over
// SQLite: a database/sql handle opened with WAL journaling and a busy
// timeout, one table per logical store, and upsert-by-primary-key
// writes inside an explicit transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ats-kms/enclave/internal/auditchain"
	"github.com/ats-kms/enclave/internal/enrollment"
	"github.com/ats-kms/enclave/internal/lease"
	"github.com/ats-kms/enclave/internal/store"
	"github.com/ats-kms/enclave/internal/validation"
	"github.com/ats-kms/enclave/internal/wrap"
)

func init() {
	store.Register("sqlite", New)
}

// Options configures the SQLite backend's pool and pragmas.
type Options struct {
	DataDir            string
	DatabaseFile       string
	JournalMode        string
	BusyTimeoutMs      int
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
}

func defaultOptions() *Options {
	return &Options{
		DataDir:         "./.data",
		DatabaseFile:    "enclave.db",
		JournalMode:     "WAL",
		BusyTimeoutMs:   5000,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
}

func parseOptions(raw map[string]any) (*Options, error) {
	opts := defaultOptions()
	if raw == nil {
		return opts, nil
	}
	if v, ok := raw["dataDir"].(string); ok && v != "" {
		opts.DataDir = v
	}
	if v, ok := raw["databaseFile"].(string); ok && v != "" {
		opts.DatabaseFile = v
	}
	if v, ok := raw["journalMode"].(string); ok && v != "" {
		opts.JournalMode = v
	}
	if v, ok := raw["busyTimeoutMs"].(int); ok && v > 0 {
		opts.BusyTimeoutMs = v
	}
	return opts, nil
}

// Backend is the SQLite store.Storage implementation.
type Backend struct {
	db        *sql.DB
	mu        sync.RWMutex
	closeOnce sync.Once
	opts      *Options
}

// New constructs a Backend from cfg; Initialize must be called before use.
func New(cfg store.Config) (store.Storage, error) {
	opts, err := parseOptions(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("sqlite: invalid options: %w", err)
	}
	if cfg.Location != "" {
		opts.DataDir = cfg.Location
	}
	return &Backend{opts: opts}, nil
}

// newWithDB wraps an already-open database handle, bypassing file
// setup and pragma configuration. It exists so tests can inject a
// go-sqlmock connection without touching the filesystem.
func newWithDB(db *sql.DB) *Backend {
	return &Backend{db: db, opts: defaultOptions()}
}

func (b *Backend) Initialize(ctx context.Context) error {
	validation.CheckContext(ctx, "sqlite.Initialize")

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db != nil {
		return errors.New("sqlite: backend already initialized")
	}

	if err := os.MkdirAll(b.opts.DataDir, 0o750); err != nil {
		return fmt.Errorf("sqlite: creating data directory: %w", err)
	}

	dbPath := filepath.Join(b.opts.DataDir, b.opts.DatabaseFile)
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", dbPath, b.opts.JournalMode, b.opts.BusyTimeoutMs)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("sqlite: opening database: %w", err)
	}

	db.SetMaxOpenConns(b.opts.MaxOpenConns)
	db.SetMaxIdleConns(b.opts.MaxIdleConns)
	db.SetConnMaxLifetime(b.opts.ConnMaxLifetime)

	if _, err := db.ExecContext(ctx, queryInitialize); err != nil {
		_ = db.Close()
		return fmt.Errorf("sqlite: creating schema: %w", err)
	}

	b.db = db
	return nil
}

func (b *Backend) Close(_ context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		if b.db != nil {
			err = b.db.Close()
		}
	})
	return err
}

func (b *Backend) Reset() error {
	tx, err := b.db.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning reset transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, q := range queryResetAll {
		if _, err := tx.Exec(q); err != nil {
			return fmt.Errorf("sqlite: resetting store: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing reset: %w", err)
	}
	committed = true
	return nil
}

func (b *Backend) GetConfig(key string) (string, bool, error) {
	var v string
	err := b.db.QueryRow(querySelectConfig, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: loading config %s: %w", key, err)
	}
	return v, true, nil
}

func (b *Backend) SetConfig(key, value string) error {
	_, err := b.db.Exec(queryUpsertConfig, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: storing config %s: %w", key, err)
	}
	return nil
}

func (b *Backend) StoreKeyRecord(rec *store.KeyRecord) error {
	envBytes, err := json.Marshal(rec.Envelope)
	if err != nil {
		return fmt.Errorf("sqlite: marshaling key envelope: %w", err)
	}
	_, err = b.db.Exec(queryUpsertKey, rec.Kid, rec.UserID, rec.Purpose, rec.PublicKey, envBytes, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: storing key record: %w", err)
	}
	return nil
}

func (b *Backend) LoadKeyRecord(kid string) (*store.KeyRecord, error) {
	var userID, purpose string
	var pub, envBytes []byte
	var createdAt time.Time
	err := b.db.QueryRow(querySelectKey, kid).Scan(&userID, &purpose, &pub, &envBytes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: key record not found: %s", kid)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading key record: %w", err)
	}
	var env wrap.Envelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshaling key envelope: %w", err)
	}
	return &store.KeyRecord{Kid: kid, UserID: userID, Purpose: purpose, PublicKey: pub, Envelope: &env, CreatedAt: createdAt}, nil
}

func (b *Backend) ListKeyRecords(purpose string) ([]*store.KeyRecord, error) {
	query, args := querySelectAllKeys, []any{}
	if purpose != "" {
		query, args = querySelectKeysByPurpose, []any{purpose}
	}
	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing key records: %w", err)
	}
	defer rows.Close()

	var out []*store.KeyRecord
	for rows.Next() {
		var kid, userID, p string
		var pub, envBytes []byte
		var createdAt time.Time
		if err := rows.Scan(&kid, &userID, &p, &pub, &envBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning key record: %w", err)
		}
		var env wrap.Envelope
		if err := json.Unmarshal(envBytes, &env); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshaling key envelope: %w", err)
		}
		out = append(out, &store.KeyRecord{Kid: kid, UserID: userID, Purpose: p, PublicKey: pub, Envelope: &env, CreatedAt: createdAt})
	}
	return out, rows.Err()
}

func (b *Backend) DeleteKeyRecord(kid string) error {
	_, err := b.db.Exec(queryDeleteKey, kid)
	return err
}

func (b *Backend) StoreEnrollment(rec *enrollment.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlite: marshaling enrollment: %w", err)
	}
	_, err = b.db.Exec(queryInsertEnrollment, rec.EnrollmentID, rec.UserID, data)
	if err != nil {
		return fmt.Errorf("sqlite: storing enrollment: %w", err)
	}
	return nil
}

func (b *Backend) LoadEnrollmentsByUser(userID string) ([]*enrollment.Record, error) {
	rows, err := b.db.Query(querySelectEnrollmentsByUser, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading enrollments: %w", err)
	}
	defer rows.Close()

	var out []*enrollment.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scanning enrollment: %w", err)
		}
		var rec enrollment.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshaling enrollment: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (b *Backend) LoadEnrollment(enrollmentID string) (*enrollment.Record, error) {
	var data []byte
	err := b.db.QueryRow(querySelectEnrollment, enrollmentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: enrollment not found: %s", enrollmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading enrollment: %w", err)
	}
	var rec enrollment.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshaling enrollment: %w", err)
	}
	return &rec, nil
}

func (b *Backend) DeleteEnrollment(enrollmentID string) error {
	_, err := b.db.Exec(queryDeleteEnrollment, enrollmentID)
	return err
}

func (b *Backend) StoreLease(rec *lease.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlite: marshaling lease: %w", err)
	}
	_, err = b.db.Exec(queryUpsertLease, rec.LeaseID, rec.UserID, rec.ExpiresAt, data)
	if err != nil {
		return fmt.Errorf("sqlite: storing lease: %w", err)
	}
	return nil
}

func (b *Backend) LoadLease(leaseID string) (*lease.Record, error) {
	var data []byte
	err := b.db.QueryRow(querySelectLease, leaseID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: lease not found: %s", leaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading lease: %w", err)
	}
	var rec lease.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshaling lease: %w", err)
	}
	return &rec, nil
}

func (b *Backend) LoadLeasesByUser(userID string) ([]*lease.Record, error) {
	rows, err := b.db.Query(querySelectLeasesByUser, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading leases: %w", err)
	}
	defer rows.Close()

	var out []*lease.Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scanning lease: %w", err)
		}
		var rec lease.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshaling lease: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (b *Backend) DeleteLease(leaseID string) error {
	_, err := b.db.Exec(queryDeleteLease, leaseID)
	return err
}

func (b *Backend) DeleteExpiredLeases(now time.Time) (int, error) {
	res, err := b.db.Exec(queryDeleteExpiredLeases, now)
	if err != nil {
		return 0, fmt.Errorf("sqlite: deleting expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting deleted leases: %w", err)
	}
	return int(n), nil
}

func (b *Backend) AppendAuditEntry(e *auditchain.Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sqlite: marshaling audit entry: %w", err)
	}

	tx, err := b.db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("sqlite: beginning audit transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.Exec(queryInsertAuditEntry, e.SeqNum, e.ChainHash, data); err != nil {
		return fmt.Errorf("sqlite: inserting audit entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing audit entry: %w", err)
	}
	committed = true
	return nil
}

func (b *Backend) LastAuditState() ([]byte, uint64, error) {
	var seq uint64
	var hash []byte
	err := b.db.QueryRow(querySelectLastAudit).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: loading chain tail: %w", err)
	}
	return hash, seq + 1, nil
}

func (b *Backend) AuditEntriesAfter(seq uint64, limit int) ([]*auditchain.Entry, error) {
	rows, err := b.db.Query(querySelectAuditAfter, seq)
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading audit entries: %w", err)
	}
	defer rows.Close()

	var out []*auditchain.Entry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scanning audit entry: %w", err)
		}
		var e auditchain.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshaling audit entry: %w", err)
		}
		out = append(out, &e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func (b *Backend) GetMeta(key string) ([]byte, bool, error) {
	var v []byte
	err := b.db.QueryRow(querySelectMeta, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: loading meta %s: %w", key, err)
	}
	return v, true, nil
}

func (b *Backend) SetMeta(key string, value []byte) error {
	_, err := b.db.Exec(queryUpsertMeta, key, value)
	if err != nil {
		return fmt.Errorf("sqlite: storing meta %s: %w", key, err)
	}
	return nil
}
