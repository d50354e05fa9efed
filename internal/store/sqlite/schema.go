package sqlite

const queryInitialize = `
CREATE TABLE IF NOT EXISTS config (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS keys (
	kid        TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL DEFAULT '',
	purpose    TEXT NOT NULL,
	public_key BLOB NOT NULL,
	envelope   BLOB NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_keys_purpose ON keys(purpose);
CREATE INDEX IF NOT EXISTS idx_keys_created ON keys(created_at);

CREATE TABLE IF NOT EXISTS enrollments (
	enrollment_id TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	record        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enrollments_user ON enrollments(user_id);

CREATE TABLE IF NOT EXISTS leases (
	lease_id   TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	record     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_leases_user ON leases(user_id);
CREATE INDEX IF NOT EXISTS idx_leases_expiry ON leases(expires_at);

CREATE TABLE IF NOT EXISTS audit_log (
	seq_num    INTEGER PRIMARY KEY,
	chain_hash BLOB NOT NULL,
	entry      BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

const queryUpsertConfig = `
INSERT INTO config (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`

const querySelectConfig = `SELECT value FROM config WHERE key = ?`

const queryUpsertKey = `
INSERT INTO keys (kid, user_id, purpose, public_key, envelope, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(kid) DO UPDATE SET
	user_id = excluded.user_id,
	purpose = excluded.purpose,
	public_key = excluded.public_key,
	envelope = excluded.envelope
`

const querySelectKey = `SELECT user_id, purpose, public_key, envelope, created_at FROM keys WHERE kid = ?`
const querySelectKeysByPurpose = `SELECT kid, user_id, purpose, public_key, envelope, created_at FROM keys WHERE purpose = ?`
const querySelectAllKeys = `SELECT kid, user_id, purpose, public_key, envelope, created_at FROM keys`
const queryDeleteKey = `DELETE FROM keys WHERE kid = ?`

const queryInsertEnrollment = `INSERT INTO enrollments (enrollment_id, user_id, record) VALUES (?, ?, ?)`
const querySelectEnrollmentsByUser = `SELECT record FROM enrollments WHERE user_id = ?`
const querySelectEnrollment = `SELECT record FROM enrollments WHERE enrollment_id = ?`
const queryDeleteEnrollment = `DELETE FROM enrollments WHERE enrollment_id = ?`

const queryUpsertLease = `
INSERT INTO leases (lease_id, user_id, expires_at, record) VALUES (?, ?, ?, ?)
ON CONFLICT(lease_id) DO UPDATE SET
	expires_at = excluded.expires_at,
	record = excluded.record
`
const querySelectLease = `SELECT record FROM leases WHERE lease_id = ?`
const querySelectLeasesByUser = `SELECT record FROM leases WHERE user_id = ?`
const queryDeleteLease = `DELETE FROM leases WHERE lease_id = ?`
const queryDeleteExpiredLeases = `DELETE FROM leases WHERE expires_at <= ?`

const queryInsertAuditEntry = `INSERT INTO audit_log (seq_num, chain_hash, entry) VALUES (?, ?, ?)`
const querySelectLastAudit = `SELECT seq_num, chain_hash FROM audit_log ORDER BY seq_num DESC LIMIT 1`
const querySelectAuditAfter = `SELECT entry FROM audit_log WHERE seq_num >= ? ORDER BY seq_num ASC`

var queryResetAll = []string{
	`DELETE FROM config`,
	`DELETE FROM keys`,
	`DELETE FROM enrollments`,
	`DELETE FROM leases`,
	`DELETE FROM audit_log`,
	`DELETE FROM meta`,
}

const queryUpsertMeta = `
INSERT INTO meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`
const querySelectMeta = `SELECT value FROM meta WHERE key = ?`
