// Package env centralizes environment-variable driven configuration
// for the enclave worker, one function per setting with a documented
// default.
package env

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// LogLevel returns the structured logger's level, read from
// ATS_KMS_LOG_LEVEL. Defaults to slog.LevelWarn.
func LogLevel() slog.Level {
	switch strings.ToUpper(os.Getenv("ATS_KMS_LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// BackendStoreType selects the store.Storage backend, read from
// ATS_KMS_BACKEND_STORE ("sqlite" or "memory"). Defaults to "memory".
func BackendStoreType() string {
	v := strings.ToLower(os.Getenv("ATS_KMS_BACKEND_STORE"))
	if v == "sqlite" {
		return "sqlite"
	}
	return "memory"
}

// DatabaseDir returns the directory SQLite database files live in,
// read from ATS_KMS_DB_DATA_DIR. Defaults to "./.data".
func DatabaseDir() string {
	if v := os.Getenv("ATS_KMS_DB_DATA_DIR"); v != "" {
		return v
	}
	return "./.data"
}

// JWTSubject returns the default VAPID JWT `sub` claim, read from
// ATS_KMS_JWT_SUBJECT. Defaults to a placeholder contact URI; push
// services use this to reach the operator, so deployments should set
// a real one.
func JWTSubject() string {
	if v := os.Getenv("ATS_KMS_JWT_SUBJECT"); v != "" {
		return v
	}
	return "mailto:kms@example.com"
}

// DefaultLeaseTTL returns how long a lease is valid for if the caller
// doesn't specify a TTL, read from ATS_KMS_LEASE_TTL as a Go duration
// string. Defaults to 1 hour.
func DefaultLeaseTTL() time.Duration {
	if v := os.Getenv("ATS_KMS_LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return time.Hour
}

// RPCTimeout returns the per-request timeout the transport layer
// enforces, read from ATS_KMS_RPC_TIMEOUT. Defaults to 10 seconds.
func RPCTimeout() time.Duration {
	if v := os.Getenv("ATS_KMS_RPC_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 10 * time.Second
}

// MinPBKDF2Iterations returns the floor PBKDF2 iteration count
// enrollment accepts, read from ATS_KMS_MIN_PBKDF2_ITERATIONS. Defaults
// to 600,000.
func MinPBKDF2Iterations() int {
	if v := os.Getenv("ATS_KMS_MIN_PBKDF2_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 600_000
}
